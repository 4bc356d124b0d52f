package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedTokenStore remembers revoked token IDs until they expire.
type RevokedTokenStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// InMemoryRevokedStore keeps revocations for the life of the process.
// Expired entries are swept on write.
type InMemoryRevokedStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewInMemoryRevokedStore() *InMemoryRevokedStore {
	return &InMemoryRevokedStore{revoked: make(map[string]time.Time)}
}

func (s *InMemoryRevokedStore) RevokeToken(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[tokenID] = expiresAt
	return nil
}

func (s *InMemoryRevokedStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.revoked[tokenID]
	return exists, nil
}

// RedisRevokedStore shares revocations between daemon restarts.
type RedisRevokedStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisRevokedStore(addr string, db int) *RedisRevokedStore {
	return &RedisRevokedStore{
		client:    redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		keyPrefix: "pointerguard:revoked:",
	}
}

func (s *RedisRevokedStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.keyPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *RedisRevokedStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return exists > 0, nil
}

func (s *RedisRevokedStore) Close() error {
	return s.client.Close()
}
