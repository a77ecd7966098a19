package configuration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() PipelineConfiguration {
	c := PipelineConfiguration{
		Source:      SourceConfig{Kind: SourceKindFile, Path: "/tmp/metrics.jsonl"},
		Destination: DestinationConfig{Kind: DestinationKindEmbeddedFile, Path: "/tmp/loupe.db"},
		SampleRate:  1,
	}
	c.ApplyDefaults()
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tooHigh := validConfig()
	tooHigh.SampleRate = 1.5
	assert.Error(t, tooHigh.Validate())

	negative := validConfig()
	negative.SampleRate = -0.1
	assert.Error(t, negative.Validate())

	zeroBatch := validConfig()
	zeroBatch.BatchSize = -1
	assert.Error(t, zeroBatch.Validate())

	badSource := validConfig()
	badSource.Source.Kind = "carrier-pigeon"
	assert.Error(t, badSource.Validate())

	badDestination := validConfig()
	badDestination.Destination.Kind = "stone-tablet"
	assert.Error(t, badDestination.Validate())
}

func TestApplyDefaults(t *testing.T) {
	c := PipelineConfiguration{}
	c.ApplyDefaults()
	assert.Equal(t, 100, c.BatchSize)
	assert.NotZero(t, c.EmptyPollDelay)
	assert.NotZero(t, c.ErrorBackoff)
}
