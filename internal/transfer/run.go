package transfer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loupeproject/loupe/internal/common"
	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/configuration"
	"github.com/loupeproject/loupe/internal/destination"
	"github.com/loupeproject/loupe/internal/source"
)

// Run wires up a transfer pipeline from configuration and drives it until
// the context is cancelled or, in non-daemon mode, until the source drains
// or a run bound is reached.
func Run(ctx context.Context, config *configuration.PipelineConfiguration) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	log.Infof("Transfer starting: %s source -> %s destination", config.Source.Kind, config.Destination.Kind)

	store, err := openSource(ctx, config)
	if err != nil {
		return err
	}
	if store == nil {
		// Cancelled while retrying
		return nil
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Could not close source store")
		}
	}()

	db, dialect, err := destination.Open(config.Destination)
	if err != nil {
		return err
	}
	writer := destination.NewWriter(db, dialect)
	defer func() {
		if err := writer.Close(); err != nil {
			log.WithError(err).Warn("Could not close destination writer")
		}
	}()

	if config.MetricsPort > 0 {
		shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetricServer()
	}

	worker := NewWorker(store, writer, config.DeadLetterPath, Config{
		BatchSize:      config.BatchSize,
		Timeout:        config.Timeout,
		MaxMessages:    config.MaxMessages,
		Daemon:         config.Daemon,
		EmptyPollDelay: config.EmptyPollDelay,
		ErrorBackoff:   config.ErrorBackoff,
	})
	return worker.Run(ctx)
}

// openSource connects to the source store. In daemon mode connection
// failures are retried with a backoff instead of failing the run, so the
// pipeline survives a source that comes up after it does.
func openSource(ctx context.Context, config *configuration.PipelineConfiguration) (source.Store, error) {
	if !config.Daemon {
		return source.Open(ctx, config.Source)
	}

	var store source.Store
	util.RetryUntilSuccess(ctx, func() error {
		var err error
		store, err = source.Open(ctx, config.Source)
		return err
	}, func(err error) {
		log.WithError(err).Warnf("Could not open source store, retrying in %s", config.ErrorBackoff)
		select {
		case <-ctx.Done():
		case <-time.After(config.ErrorBackoff):
		}
	})
	return store, nil
}
