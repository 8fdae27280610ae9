package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
)

// DefaultProgressTTL bounds how long a progress record can outlive its writer.
// A crashed worker leaves at worst one TTL window of stale "in progress".
const DefaultProgressTTL = time.Hour

const progressKeyPrefix = "provisioning:"

// RedisProgressStore keeps ephemeral provisioning progress in Redis so the
// status endpoint can poll cheaply without touching the control-plane database.
type RedisProgressStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProgressStore constructs a store; ttl <= 0 falls back to the default.
func NewRedisProgressStore(client *redis.Client, ttl time.Duration) *RedisProgressStore {
	if client == nil {
		panic("progress store requires redis client")
	}
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisProgressStore{client: client, ttl: ttl}
}

func (s *RedisProgressStore) Set(ctx context.Context, tenantID uuid.UUID, p service.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(tenantID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	return nil
}

func (s *RedisProgressStore) Get(ctx context.Context, tenantID uuid.UUID) (service.Progress, bool, error) {
	raw, err := s.client.Get(ctx, progressKey(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return service.Progress{}, false, nil
		}
		return service.Progress{}, false, fmt.Errorf("load progress: %w", err)
	}

	var p service.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return service.Progress{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return p, true, nil
}

func (s *RedisProgressStore) Delete(ctx context.Context, tenantID uuid.UUID) error {
	if err := s.client.Del(ctx, progressKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

func progressKey(tenantID uuid.UUID) string {
	return progressKeyPrefix + tenantID.String()
}

// MemoryProgressStore mirrors the Redis store in memory, including TTL expiry,
// for tests and single-process development.
type MemoryProgressStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uuid.UUID]memoryProgressEntry
	now     func() time.Time
}

type memoryProgressEntry struct {
	progress  service.Progress
	expiresAt time.Time
}

// NewMemoryProgressStore constructs a store; ttl <= 0 falls back to the default.
func NewMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &MemoryProgressStore{
		ttl:     ttl,
		entries: make(map[uuid.UUID]memoryProgressEntry),
		now:     time.Now,
	}
}

func (s *MemoryProgressStore) Set(ctx context.Context, tenantID uuid.UUID, p service.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tenantID] = memoryProgressEntry{progress: p, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryProgressStore) Get(ctx context.Context, tenantID uuid.UUID) (service.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[tenantID]
	if !ok {
		return service.Progress{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, tenantID)
		return service.Progress{}, false, nil
	}
	return entry.progress, true, nil
}

func (s *MemoryProgressStore) Delete(ctx context.Context, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tenantID)
	return nil
}

var (
	_ service.ProgressStore = (*RedisProgressStore)(nil)
	_ service.ProgressStore = (*MemoryProgressStore)(nil)
)
