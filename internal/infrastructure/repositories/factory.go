package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"
)

// RepositoryFactory creates repositories, falling back to memory when redis
// is disabled or unreachable.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:        cfg,
		useRedis:   cfg.Redis.Enabled,
		instanceID: uuid.NewString(),
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis repositories", "instance_id", factory.instanceID)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) InstanceID() string {
	return f.instanceID
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoomRepository(f.redisClient)
	}
	return memory.NewMemoryRoomRepository()
}

func (f *RepositoryFactory) CreateUserRepository() ports.UserRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisUserRepository(f.redisClient, f.cfg.Redis.TTL)
	}
	return memory.NewMemoryUserRepository()
}

// CreateBroker returns the cross-instance fan-out, nil for a single instance.
func (f *RepositoryFactory) CreateBroker() ports.Broker {
	if f.useRedis && f.redisClient != nil {
		return distributed.NewEventBus(f.redisClient, f.instanceID, f.cfg.Redis.Channel, f.logger)
	}
	return nil
}

// CreatePeerDirectory returns nil for a single instance.
func (f *RepositoryFactory) CreatePeerDirectory() *distributed.PeerDirectory {
	if f.useRedis && f.redisClient != nil {
		return distributed.NewPeerDirectory(f.redisClient, f.instanceID, 3*f.cfg.Relay.PingInterval, f.logger)
	}
	return nil
}

// RedisClient is nil when the factory fell back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
