package source

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/model"
)

// FileStore is an append-only JSONL source store. Each line holds one
// envelope of {id, record}; ids are ULIDs, so lexicographic order matches
// append order. Processed records are flagged in a sidecar file rather than
// rewritten in place. Concurrent writers are serialised with an advisory
// file lock, concurrent use within one process with a mutex.
type FileStore struct {
	path          string
	processedPath string
	lock          *flock.Flock
	mu            sync.Mutex
	hasMore       bool
}

type fileEnvelope struct {
	ID     string              `json:"id"`
	Record *model.MetricRecord `json:"record"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:          path,
		processedPath: path + ".processed",
		lock:          flock.New(path + ".lock"),
	}
}

func (s *FileStore) Append(ctx context.Context, record *model.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envelope := fileEnvelope{ID: util.NewULID(), Record: record}
	line, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshalling source envelope")
	}

	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquiring source file lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening source file")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "appending to source file")
	}
	return f.Sync()
}

func (s *FileStore) Read(ctx context.Context, limit int) ([]*SequencedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "acquiring source file lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	processed, err := s.readProcessed()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.hasMore = false
			return nil, nil
		}
		return nil, errors.Wrap(err, "opening source file")
	}
	defer f.Close()

	records := make([]*SequencedRecord, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() && len(records) < limit {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var envelope fileEnvelope
		if err := json.Unmarshal(line, &envelope); err != nil {
			return nil, errors.Wrap(err, "decoding source envelope")
		}
		if processed[envelope.ID] {
			continue
		}
		records = append(records, &SequencedRecord{ID: envelope.ID, Record: envelope.Record})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning source file")
	}

	s.hasMore = len(records) == limit
	return records, nil
}

func (s *FileStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquiring source file lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	processed, err := s.readProcessed()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.processedPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening processed flag file")
	}
	defer f.Close()

	for _, id := range ids {
		if processed[id] {
			continue
		}
		if _, err := f.WriteString(id + "\n"); err != nil {
			return errors.Wrap(err, "flagging processed record")
		}
	}
	return f.Sync()
}

func (s *FileStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *FileStore) Close() error {
	return nil
}

// readProcessed loads the set of flagged ids. Caller must hold the lock.
func (s *FileStore) readProcessed() (map[string]bool, error) {
	processed := map[string]bool{}
	f, err := os.Open(s.processedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return processed, nil
		}
		return nil, errors.Wrap(err, "opening processed flag file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := scanner.Text(); id != "" {
			processed[id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning processed flag file")
	}
	return processed, nil
}
