// Package device tracks which device identifiers have completed a scan in
// each phase of the live session. Usage is derivable state: it is never
// the source of truth and can always be rebuilt from the scan records.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Registry enforces one accepted scan per device per phase.
type Registry interface {
	// Used reports whether the device already scanned in the phase.
	Used(ctx context.Context, phase int, deviceID string) (bool, error)
	// Claim atomically marks the device as used for the phase. Returns
	// false when another submission claimed it first.
	Claim(ctx context.Context, phase int, deviceID string) (bool, error)
	// Release undoes a claim whose scan write ultimately failed.
	Release(ctx context.Context, phase int, deviceID string) error
	// Reset clears all usage at session end.
	Reset(ctx context.Context) error
	// Rebuild replaces usage with the device ids recovered from the
	// authoritative scan records, keyed by phase.
	Rebuild(ctx context.Context, usage map[int][]string) error
}

// Memory is a mutex-guarded in-process registry.
type Memory struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{used: make(map[string]bool)}
}

func key(phase int, deviceID string) string {
	return fmt.Sprintf("%d:%s", phase, deviceID)
}

func (m *Memory) Used(ctx context.Context, phase int, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[key(phase, deviceID)], nil
}

func (m *Memory) Claim(ctx context.Context, phase int, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(phase, deviceID)
	if m.used[k] {
		return false, nil
	}
	m.used[k] = true
	return true, nil
}

func (m *Memory) Release(ctx context.Context, phase int, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, key(phase, deviceID))
	return nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[string]bool)
	return nil
}

func (m *Memory) Rebuild(ctx context.Context, usage map[int][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[string]bool)
	for phase, devices := range usage {
		for _, id := range devices {
			m.used[key(phase, id)] = true
		}
	}
	return nil
}

// maxPhases bounds the Redis key sweep on Reset.
const maxPhases = 3

// Redis backs the registry with one set per phase, so claims stay atomic
// across API processes. Keys live only for the session and are deleted at
// session end.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed registry.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "presence:devices"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) setKey(phase int) string {
	return fmt.Sprintf("%s:%d", r.prefix, phase)
}

func (r *Redis) Used(ctx context.Context, phase int, deviceID string) (bool, error) {
	return r.client.SIsMember(ctx, r.setKey(phase), deviceID).Result()
}

func (r *Redis) Claim(ctx context.Context, phase int, deviceID string) (bool, error) {
	added, err := r.client.SAdd(ctx, r.setKey(phase), deviceID).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (r *Redis) Release(ctx context.Context, phase int, deviceID string) error {
	return r.client.SRem(ctx, r.setKey(phase), deviceID).Err()
}

func (r *Redis) Reset(ctx context.Context) error {
	keys := make([]string, 0, maxPhases)
	for phase := 1; phase <= maxPhases; phase++ {
		keys = append(keys, r.setKey(phase))
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Rebuild(ctx context.Context, usage map[int][]string) error {
	if err := r.Reset(ctx); err != nil {
		return err
	}
	for phase, devices := range usage {
		if len(devices) == 0 {
			continue
		}
		members := make([]interface{}, len(devices))
		for i, id := range devices {
			members[i] = id
		}
		if err := r.client.SAdd(ctx, r.setKey(phase), members...).Err(); err != nil {
			return err
		}
	}
	return nil
}
