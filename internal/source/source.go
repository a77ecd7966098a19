package source

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/loupeproject/loupe/internal/model"
)

// SequencedRecord pairs a metric record with the sequence id assigned to it
// by the source store. Ids order reads and identify records for MarkProcessed.
type SequencedRecord struct {
	ID     string
	Record *model.MetricRecord
}

// Sink durably appends finished metric records to the source store. Appends
// from concurrent collectors must be serialised by the implementation.
type Sink interface {
	Append(ctx context.Context, record *model.MetricRecord) error
	Close() error
}

// Reader pulls batches of untransferred records from the source store.
type Reader interface {
	// Read returns the oldest limit unprocessed records in ascending
	// sequence order.
	Read(ctx context.Context, limit int) ([]*SequencedRecord, error)
	// MarkProcessed removes or flags the given ids. It is idempotent:
	// marking an already processed id is a no-op.
	MarkProcessed(ctx context.Context, ids []string) error
	// HasMore reports whether the last Read filled its limit. This is a
	// heuristic: a source holding exactly limit records is
	// indistinguishable from one holding more.
	HasMore() bool
	Close() error
}

// Store is a source backend usable both as a collector sink and a transfer
// worker reader.
type Store interface {
	Sink
	Reader
}

// parseSequenceIDs converts string sequence ids back to the numeric keys
// used by database backed stores.
func parseSequenceIDs(ids []string) ([]int64, error) {
	parsed := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid sequence id %q", id)
		}
		parsed = append(parsed, n)
	}
	return parsed, nil
}
