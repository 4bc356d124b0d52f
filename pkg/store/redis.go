package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pointerguard/shared/types"
)

const historyLimit = 20

// RedisModelStore keeps the current artifact per identity under one key, so
// publishing a retrain is a single atomic SET. A capped list of previous
// versions is kept alongside for auditing.
type RedisModelStore struct {
	client *redis.Client
	prefix string
}

// NewRedisModelStore connects to addr and verifies it with a ping.
func NewRedisModelStore(ctx context.Context, addr string, db int) (*RedisModelStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisModelStore{client: client, prefix: "pointerguard:model:"}, nil
}

func (s *RedisModelStore) modelKey(identity string) string   { return s.prefix + identity }
func (s *RedisModelStore) historyKey(identity string) string { return s.prefix + identity + ":versions" }

func (s *RedisModelStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.modelKey(art.IdentityID), data, 0)
		p.LPush(ctx, s.historyKey(art.IdentityID), art.Version)
		p.LTrim(ctx, s.historyKey(art.IdentityID), 0, historyLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store artifact in redis: %w", err)
	}
	return nil
}

func (s *RedisModelStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	data, err := s.client.Get(ctx, s.modelKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact from redis: %w", err)
	}
	art := &types.ModelArtifact{}
	if err := json.Unmarshal(data, art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return art, nil
}

// Versions lists the most recent artifact versions, newest first.
func (s *RedisModelStore) Versions(ctx context.Context, identity string) ([]string, error) {
	return s.client.LRange(ctx, s.historyKey(identity), 0, historyLimit-1).Result()
}

func (s *RedisModelStore) Close() error { return s.client.Close() }
