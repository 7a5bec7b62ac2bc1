package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docg1701/iam-dashboard/internal/domain"
)

type RedisPermissionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPermissionCache(client redis.UniversalClient, prefix string) *RedisPermissionCache {
	if prefix == "" {
		prefix = "perm_cache"
	}
	return &RedisPermissionCache{client: client, prefix: prefix}
}

func (s *RedisPermissionCache) Get(ctx context.Context, userID uint) (domain.PermissionMap, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	key, err := s.dataKey(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms domain.PermissionMap
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

func (s *RedisPermissionCache) Set(ctx context.Context, userID uint, perms domain.PermissionMap, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	key, err := s.dataKey(ctx, userID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *RedisPermissionCache) InvalidateUser(ctx context.Context, userID uint) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.userEpochKey(userID)).Err()
}

func (s *RedisPermissionCache) InvalidateAll(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.globalEpochKey()).Err()
}

func (s *RedisPermissionCache) dataKey(ctx context.Context, userID uint) (string, error) {
	pipe := s.client.Pipeline()
	globalEpochCmd := pipe.Get(ctx, s.globalEpochKey())
	userEpochCmd := pipe.Get(ctx, s.userEpochKey(userID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	globalEpoch, err := parseEpoch(globalEpochCmd)
	if err != nil {
		return "", err
	}
	userEpoch, err := parseEpoch(userEpochCmd)
	if err != nil {
		return "", err
	}
	return s.prefix + ":data:" + buildPermissionCacheKey(globalEpoch, userEpoch, userID), nil
}

func parseEpoch(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) || v == "" {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cache epoch: %w", err)
	}
	return n, nil
}

func (s *RedisPermissionCache) globalEpochKey() string {
	return s.prefix + ":epoch:global"
}

func (s *RedisPermissionCache) userEpochKey(userID uint) string {
	return fmt.Sprintf("%s:epoch:user:%d", s.prefix, userID)
}
