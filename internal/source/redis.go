package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loupeproject/loupe/internal/model"
)

const (
	redisSequenceKey = "loupe:source:seq"
	redisPayloadKey  = "loupe:source:payloads"
	redisIndexKey    = "loupe:source:index"
)

// RedisStore keeps untransferred records in redis: payloads live in a hash
// keyed by sequence id and a sorted set scored by the same id provides the
// read ordering. Appends are atomic per record via pipelining.
type RedisStore struct {
	db      redis.UniversalClient
	mu      sync.Mutex
	hasMore bool
}

func NewRedisStore(db redis.UniversalClient) *RedisStore {
	return &RedisStore{db: db}
}

func (s *RedisStore) Append(ctx context.Context, record *model.MetricRecord) error {
	payload, err := model.Marshal(record)
	if err != nil {
		return err
	}

	seq, err := s.db.Incr(ctx, redisSequenceKey).Result()
	if err != nil {
		return errors.Wrap(err, "allocating redis sequence id")
	}
	id := fmt.Sprintf("%d", seq)

	pipe := s.db.TxPipeline()
	pipe.HSet(ctx, redisPayloadKey, id, string(payload))
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(seq), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "appending to redis source")
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, limit int) ([]*SequencedRecord, error) {
	ids, err := s.db.ZRange(ctx, redisIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading redis source index")
	}
	if len(ids) == 0 {
		s.setHasMore(false)
		return nil, nil
	}

	payloads, err := s.db.HMGet(ctx, redisPayloadKey, ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading redis source payloads")
	}

	records := make([]*SequencedRecord, 0, len(ids))
	for i, id := range ids {
		payload, ok := payloads[i].(string)
		if !ok {
			// Index entry without a payload: a half applied append,
			// skip it and let MarkProcessed clean the index up.
			continue
		}
		record, err := model.Unmarshal([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, &SequencedRecord{ID: id, Record: record})
	}

	s.setHasMore(len(ids) == limit)
	return records, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := s.db.TxPipeline()
	pipe.ZRem(ctx, redisIndexKey, members...)
	pipe.HDel(ctx, redisPayloadKey, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "removing processed records from redis source")
	}
	return nil
}

func (s *RedisStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *RedisStore) Close() error {
	return s.db.Close()
}

func (s *RedisStore) setHasMore(hasMore bool) {
	s.mu.Lock()
	s.hasMore = hasMore
	s.mu.Unlock()
}
