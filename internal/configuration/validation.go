package configuration

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validSourceKinds = map[SourceKind]bool{
	SourceKindFile:     true,
	SourceKindEmbedded: true,
	SourceKindPostgres: true,
	SourceKindRedis:    true,
}

var validDestinationKinds = map[DestinationKind]bool{
	DestinationKindEmbeddedFile: true,
	DestinationKindEmbedded:     true,
	DestinationKindPostgres:     true,
	DestinationKindTimeseries:   true,
}

func (c PipelineConfiguration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !validSourceKinds[c.Source.Kind] {
		return errors.Errorf("unknown source kind: %q", c.Source.Kind)
	}
	if !validDestinationKinds[c.Destination.Kind] {
		return errors.Errorf("unknown destination kind: %q", c.Destination.Kind)
	}
	return nil
}
