package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "intake:lock:"

// releaseScript deletes the key only when it still holds the caller's owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig describes the dependencies of a RedisStore.
type RedisStoreConfig struct {
	Client     *redis.Client
	IDProvider ids.Provider
	StaleAfter time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// RedisStore keeps locks as keys whose expiry equals the staleness threshold.
type RedisStore struct {
	client     *redis.Client
	idProvider ids.Provider
	staleAfter time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewRedisClient parses the URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore constructs a RedisStore around an existing client.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("locking: redis client is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:     cfg.Client,
		idProvider: idProvider,
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *RedisStore) key(lockID string) string {
	return redisKeyPrefix + lockID
}

// Acquire sets the key if absent. An expired key counts as reclaimed staleness.
func (s *RedisStore) Acquire(ctx context.Context, lockID string) (Lease, bool, error) {
	if lockID == "" {
		return Lease{}, false, errMissingLockID
	}
	owner, err := s.idProvider.NewID()
	if err != nil {
		return Lease{}, false, err
	}
	acquired, err := s.client.SetNX(ctx, s.key(lockID), owner, s.staleAfter).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire redis lock: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{LockID: lockID, Owner: owner, AcquiredAt: s.clock().UTC()}, true, nil
}

// Release removes the key if the lease still owns it.
func (s *RedisStore) Release(ctx context.Context, lease Lease) error {
	deleted, err := releaseScript.Run(ctx, s.client, []string{s.key(lease.LockID)}, lease.Owner).Int()
	if err != nil {
		return fmt.Errorf("release redis lock: %w", err)
	}
	if deleted == 0 {
		s.logger.Debug("redis lock already taken over or expired", zap.String("lock_id", lease.LockID))
	}
	return nil
}
