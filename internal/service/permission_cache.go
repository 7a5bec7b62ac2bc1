package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
)

// PermissionCache short-circuits the credential-store permission lookup on
// hot introspection paths. Invalidation is epoch-based: bumping an epoch
// orphans every key minted under the old one, which then ages out by TTL.
type PermissionCache interface {
	Get(ctx context.Context, userID uint) (domain.PermissionMap, bool, error)
	Set(ctx context.Context, userID uint, perms domain.PermissionMap, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID uint) error
	InvalidateAll(ctx context.Context) error
}

type NoopPermissionCache struct{}

func NewNoopPermissionCache() *NoopPermissionCache { return &NoopPermissionCache{} }

func (NoopPermissionCache) Get(context.Context, uint) (domain.PermissionMap, bool, error) {
	return nil, false, nil
}
func (NoopPermissionCache) Set(context.Context, uint, domain.PermissionMap, time.Duration) error {
	return nil
}
func (NoopPermissionCache) InvalidateUser(context.Context, uint) error { return nil }
func (NoopPermissionCache) InvalidateAll(context.Context) error        { return nil }

type permCacheEntry struct {
	perms     domain.PermissionMap
	expiresAt time.Time
}

type InMemoryPermissionCache struct {
	mu          sync.RWMutex
	data        map[string]permCacheEntry
	globalEpoch uint64
	userEpoch   map[uint]uint64
}

func NewInMemoryPermissionCache() *InMemoryPermissionCache {
	return &InMemoryPermissionCache{
		data:      make(map[string]permCacheEntry),
		userEpoch: make(map[uint]uint64),
	}
}

func (s *InMemoryPermissionCache) Get(_ context.Context, userID uint) (domain.PermissionMap, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	key := s.cacheKeyLocked(userID)
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return clonePermissionMap(entry.perms), true, nil
}

func (s *InMemoryPermissionCache) Set(_ context.Context, userID uint, perms domain.PermissionMap, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.cacheKeyLocked(userID)] = permCacheEntry{
		perms:     clonePermissionMap(perms),
		expiresAt: time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryPermissionCache) InvalidateUser(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userEpoch[userID]++
	return nil
}

func (s *InMemoryPermissionCache) InvalidateAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

func (s *InMemoryPermissionCache) cacheKeyLocked(userID uint) string {
	return buildPermissionCacheKey(s.globalEpoch, s.userEpoch[userID], userID)
}

func buildPermissionCacheKey(globalEpoch, userEpoch uint64, userID uint) string {
	return fmt.Sprintf("g%d:u%d:id%d", globalEpoch, userEpoch, userID)
}

func clonePermissionMap(in domain.PermissionMap) domain.PermissionMap {
	out := make(domain.PermissionMap, len(in))
	for resource, actions := range in {
		out[resource] = append([]string(nil), actions...)
	}
	return out
}
