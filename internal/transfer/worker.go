package transfer

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/loupeproject/loupe/internal/common/spool"
	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/metrics"
	"github.com/loupeproject/loupe/internal/model"
	"github.com/loupeproject/loupe/internal/source"
)

// RecordSink is the destination side of the transfer: it must persist a
// record or return an error when it cannot.
type RecordSink interface {
	Store(ctx context.Context, record *model.MetricRecord) error
}

// State is the worker's position in its loop, exposed for logging.
type State string

const (
	StateIdle       State = "idle"
	StateDraining   State = "draining"
	StateCommitting State = "committing"
	StateBackingOff State = "backing_off"
)

type Config struct {
	// Records per source read
	BatchSize int
	// Wall clock bound for a run, 0 means unbounded. Advisory: checked
	// between batches, an in-flight batch always completes first.
	Timeout time.Duration
	// Maximum records transferred in a run, 0 means unbounded
	MaxMessages int
	// Continuous mode: keep polling after the source drains
	Daemon bool
	// Sleep after an empty read in daemon mode
	EmptyPollDelay time.Duration
	// Sleep after a batch level failure
	ErrorBackoff time.Duration
}

// Worker moves batches of metric records from the source store to the
// destination with at-least-once semantics. A record whose store fails is
// logged, spooled to the dead letter file and still marked processed so a
// poison record cannot stall the pipeline; a batch level failure marks
// nothing and is retried after a backoff.
type Worker struct {
	reader     source.Reader
	sink       RecordSink
	deadLetter *spool.Spool
	config     Config
	clock      util.Clock
	m          *metrics.Metrics
	state      State
}

func NewWorker(reader source.Reader, sink RecordSink, deadLetterPath string, config Config) *Worker {
	if config.EmptyPollDelay == 0 {
		config.EmptyPollDelay = time.Second
	}
	if config.ErrorBackoff == 0 {
		config.ErrorBackoff = 5 * time.Second
	}
	return &Worker{
		reader:     reader,
		sink:       sink,
		deadLetter: spool.New(deadLetterPath),
		config:     config,
		clock:      &util.DefaultClock{},
		m:          metrics.Get(),
		state:      StateIdle,
	}
}

// Run executes the transfer loop until the context is cancelled or, in
// non-daemon mode, until the source is empty or a bound is reached.
func (w *Worker) Run(ctx context.Context) error {
	start := w.clock.Now()
	transferred := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !w.config.Daemon && w.boundReached(start, transferred) {
			log.Infof("Transfer bound reached after %d records, stopping", transferred)
			return nil
		}

		w.setState(StateDraining)
		batch, err := w.reader.Read(ctx, w.config.BatchSize)
		if err != nil {
			w.m.RecordDBError(metrics.DBOperationRead)
			log.WithError(err).Warnf("Could not read from source, backing off for %s", w.config.ErrorBackoff)
			w.backOff(ctx)
			continue
		}

		if len(batch) == 0 {
			if w.config.Daemon {
				w.setState(StateIdle)
				sleepCtx(ctx, w.config.EmptyPollDelay)
				continue
			}
			log.Infof("Source empty, transferred %d records in total", transferred)
			return nil
		}

		batchStart := w.clock.Now()
		processedIds, stored, batchErrs := w.drainBatch(ctx, batch)

		w.setState(StateCommitting)
		if err := w.reader.MarkProcessed(ctx, processedIds); err != nil {
			// Nothing is marked: the whole batch will be re-read, which
			// is where the at-least-once guarantee comes from.
			w.m.RecordDBError(metrics.DBOperationDelete)
			log.WithError(err).Warnf("Could not mark batch processed, backing off for %s", w.config.ErrorBackoff)
			w.backOff(ctx)
			continue
		}

		transferred += len(batch)
		w.m.RecordRecordsTransferred(stored)
		w.m.RecordBatchDuration(w.clock.Now().Sub(batchStart))
		if batchErrs != nil {
			log.Warnf("Stored %d/%d records from batch; dropped failures: %v", stored, len(batch), batchErrs)
		} else {
			log.Infof("Transferred %d records in %dms", len(batch), w.clock.Now().Sub(batchStart).Milliseconds())
		}
	}
}

// drainBatch stores every record of a batch. Failed records are spooled to
// the dead letter file and their ids are still returned as processed: this
// trades completeness for liveness, so one poison record cannot wedge the
// worker forever.
func (w *Worker) drainBatch(ctx context.Context, batch []*source.SequencedRecord) ([]string, int, error) {
	processedIds := make([]string, 0, len(batch))
	stored := 0
	var batchErrs *multierror.Error

	for _, record := range batch {
		if err := w.sink.Store(ctx, record.Record); err != nil {
			w.m.RecordRecordFailure()
			log.WithError(err).Warnf("Could not store record %s (source id %s), dropping it", record.Record.Token, record.ID)
			if spoolErr := w.deadLetter.Append(record.Record); spoolErr != nil {
				log.WithError(spoolErr).Errorf("Could not spool dead letter record %s", record.Record.Token)
			}
			batchErrs = multierror.Append(batchErrs, err)
		} else {
			stored++
		}
		processedIds = append(processedIds, record.ID)
	}
	return processedIds, stored, batchErrs.ErrorOrNil()
}

func (w *Worker) boundReached(start time.Time, transferred int) bool {
	if w.config.Timeout > 0 && w.clock.Now().Sub(start) >= w.config.Timeout {
		return true
	}
	if w.config.MaxMessages > 0 && transferred >= w.config.MaxMessages {
		return true
	}
	return false
}

func (w *Worker) backOff(ctx context.Context) {
	w.setState(StateBackingOff)
	sleepCtx(ctx, w.config.ErrorBackoff)
}

func (w *Worker) setState(state State) {
	if w.state != state {
		log.Debugf("Transfer worker: %s -> %s", w.state, state)
		w.state = state
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
