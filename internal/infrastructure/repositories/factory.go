package repositories

import (
	"context"

	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/repositories/memory"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	"rillcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis when it is enabled and reachable and falls
// back to memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisPresenceRepository(f.redisClient)
	}
	return memory.NewMemoryPresenceRepository()
}

// UsingRedis reports whether repositories are backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
