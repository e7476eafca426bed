package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// RedisStore is a paycore.SettlementStore shared by every process talking
// to the same Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	config config
}

var _ paycore.SettlementStore = (*RedisStore)(nil)

// NewRedisStore creates a store on rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With(zap.String("component", "settlement_store"))
	return &RedisStore{rdb: rdb, config: cfg}
}

func (s *RedisStore) resultKey(key string) string   { return s.config.prefix + "result:" + key }
func (s *RedisStore) inFlightKey(key string) string { return s.config.prefix + "inflight:" + key }

func (s *RedisStore) load(ctx context.Context, key string) (*paycore.Proof, error) {
	data, err := s.rdb.Get(ctx, s.resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: %w", key, err)
	}
	var proof paycore.Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", key, err)
	}
	return &proof, nil
}

// CheckAndMark implements paycore.SettlementStore.
func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (paycore.SettlementStatus, *paycore.Proof, error) {
	proof, err := s.load(ctx, key)
	if err != nil {
		return paycore.StatusNotFound, nil, err
	}
	if proof != nil {
		return paycore.StatusCached, proof, nil
	}

	marked, err := s.rdb.SetNX(ctx, s.inFlightKey(key), time.Now().UTC().Format(time.RFC3339Nano), s.config.lease).Result()
	if err != nil {
		return paycore.StatusNotFound, nil, fmt.Errorf("mark settlement %s: %w", key, err)
	}
	if !marked {
		return paycore.StatusInFlight, nil, nil
	}

	// A Complete may have landed between the lookup and the mark.
	proof, err = s.load(ctx, key)
	if err != nil || proof == nil {
		return paycore.StatusNotFound, nil, err
	}
	if err := s.rdb.Del(ctx, s.inFlightKey(key)).Err(); err != nil {
		s.config.logger.Warn("failed to drop in-flight marker", zap.String("key", key), zap.Error(err))
	}
	return paycore.StatusCached, proof, nil
}

// WaitForResult polls until the in-flight attempt for key stores a proof or
// drops its marker.
func (s *RedisStore) WaitForResult(ctx context.Context, key string) (*paycore.Proof, error) {
	ticker := time.NewTicker(s.config.pollInterval)
	defer ticker.Stop()

	for {
		proof, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if proof != nil {
			return proof, nil
		}
		n, err := s.rdb.Exists(ctx, s.inFlightKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("check settlement %s: %w", key, err)
		}
		if n == 0 {
			// the marker may have been replaced by a result in between
			return s.load(ctx, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete implements paycore.SettlementStore.
func (s *RedisStore) Complete(ctx context.Context, key string, proof *paycore.Proof) error {
	data, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", key, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.resultKey(key), data, s.config.ttl)
		pipe.Del(ctx, s.inFlightKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete settlement %s: %w", key, err)
	}
	s.config.logger.Debug("settlement stored", zap.String("key", key), zap.Duration("ttl", s.config.ttl))
	return nil
}

// Fail implements paycore.SettlementStore.
func (s *RedisStore) Fail(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.inFlightKey(key)).Err(); err != nil {
		return fmt.Errorf("release settlement %s: %w", key, err)
	}
	return nil
}
