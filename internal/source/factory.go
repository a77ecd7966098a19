package source

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loupeproject/loupe/internal/configuration"
)

// Open builds the source store described by config.
func Open(ctx context.Context, config configuration.SourceConfig) (Store, error) {
	switch config.Kind {
	case configuration.SourceKindFile:
		return NewFileStore(config.Path), nil
	case configuration.SourceKindEmbedded:
		return NewSqliteStore(config.Path)
	case configuration.SourceKindPostgres:
		return NewPostgresStore(ctx, config.ConnectionString)
	case configuration.SourceKindRedis:
		return NewRedisStore(redis.NewUniversalClient(&config.Redis)), nil
	default:
		return nil, errors.Errorf("unknown source kind: %q", config.Kind)
	}
}
