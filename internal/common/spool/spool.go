package spool

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/loupeproject/loupe/internal/model"
)

// Spool is a best effort local append-only JSONL file. It backs the
// collector's capture fallback and the transfer worker's dead letter path.
type Spool struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Spool {
	return &Spool{path: path}
}

// Append writes one record as a single JSON line.
func (s *Spool) Append(record *model.MetricRecord) error {
	payload, err := model.Marshal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening spool file")
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return errors.Wrap(err, "appending to spool file")
	}
	return nil
}
