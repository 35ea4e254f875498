// Package redis is the multi-process metastore.Store backend: session
// metadata and, crucially, lease bookkeeping are visible to every process
// attached to the same Redis instance, so DeleteCommit (§3.2) can refuse to
// remove a commit any process anywhere still holds, not only the local one.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

const (
	keyPrefixMeta  = "crumble:meta:"
	keyPrefixLease = "crumble:lease:"
)

// Config holds the connection parameters for a Store.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed metastore.Store.
type Store struct {
	client    *goredis.Client
	logger    *zap.Logger
	keyPrefix string
}

// New connects to Redis and returns a ready Store.
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("metastore/redis: config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("metastore/redis: address cannot be empty")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("metastore/redis: connect to %s: %w", cfg.Address, err)
	}

	logger.Sugar().Infow("metastore redis backend connected", "address", cfg.Address, "db", cfg.DB)
	return &Store{client: client, logger: logger, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) prefixed(key string) string {
	return s.keyPrefix + key
}

func (s *Store) metaKey(sessionID uuid.UUID) string {
	return s.prefixed(keyPrefixMeta + sessionID.String())
}

func (s *Store) leaseKey(commitRoot vmtypes.Hash) string {
	return s.prefixed(keyPrefixLease + commitRoot.String())
}

func (s *Store) SetMeta(sessionID uuid.UUID, key string, value []byte) error {
	ctx := context.Background()
	if err := s.client.HSet(ctx, s.metaKey(sessionID), key, value).Err(); err != nil {
		return fmt.Errorf("metastore/redis: set meta: %w", err)
	}
	return nil
}

func (s *Store) GetMeta(sessionID uuid.UUID, key string) ([]byte, bool, error) {
	ctx := context.Background()
	data, err := s.client.HGet(ctx, s.metaKey(sessionID), key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metastore/redis: get meta: %w", err)
	}
	return data, true, nil
}

func (s *Store) RemoveMeta(sessionID uuid.UUID, key string) error {
	ctx := context.Background()
	if err := s.client.HDel(ctx, s.metaKey(sessionID), key).Err(); err != nil {
		return fmt.Errorf("metastore/redis: remove meta: %w", err)
	}
	return nil
}

func (s *Store) ClearSession(sessionID uuid.UUID) error {
	ctx := context.Background()
	if err := s.client.Del(ctx, s.metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("metastore/redis: clear session: %w", err)
	}
	return nil
}

// AcquireLease adds sessionID to commitRoot's holder set with a single
// SADD, which Redis applies atomically with respect to other processes'
// concurrent lease changes.
func (s *Store) AcquireLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	ctx := context.Background()
	if err := s.client.SAdd(ctx, s.leaseKey(commitRoot), sessionID.String()).Err(); err != nil {
		return fmt.Errorf("metastore/redis: acquire lease: %w", err)
	}
	return nil
}

func (s *Store) ReleaseLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	ctx := context.Background()
	pipe := s.client.Pipeline()
	key := s.leaseKey(commitRoot)
	pipe.SRem(ctx, key, sessionID.String())
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metastore/redis: release lease: %w", err)
	}
	if card.Val() == 0 {
		s.client.Del(ctx, key)
	}
	return nil
}

func (s *Store) IsHeld(commitRoot vmtypes.Hash) (bool, error) {
	ctx := context.Background()
	n, err := s.client.SCard(ctx, s.leaseKey(commitRoot)).Result()
	if err != nil {
		return false, fmt.Errorf("metastore/redis: check lease: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("metastore/redis: close: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("metastore/redis: health check: %w", err)
	}
	return nil
}
