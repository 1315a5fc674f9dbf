/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache is the content cache and the sink that invalidates it.
//
// Entries are addressed by record type and id. Every key embeds a global
// generation and a per-type generation kept in Redis, so a whole type (or
// everything) can be dropped by bumping a counter instead of scanning keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// cacheSize defines the size of the local cache (in number of entries) used alongside Redis.
	cacheSize = 128000
	localTTL  = time.Minute

	keyPrefix  = "contentsync"
	globalGen  = keyPrefix + ":gen:global"
	typeGenFmt = keyPrefix + ":gen:type:%s"
)

// RedisCache stores rendered content in Redis with a TinyLFU local tier.
type RedisCache struct {
	redis redis.UniversalClient
	cache *cache.Cache
}

func NewCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		redis: client,
		cache: cache.New(&cache.Options{
			Redis:        client,
			LocalCache:   cache.NewTinyLFU(cacheSize, localTTL),
			StatsEnabled: true,
		}),
	}
}

func (r *RedisCache) Name() string { return "cache" }

// Key returns the current cache key for a record.
func (r *RedisCache) Key(ctx context.Context, recordType, id string) (string, error) {
	gens, err := r.redis.MGet(ctx, globalGen, typeGenKey(recordType)).Result()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d:%s:g%d:%s", keyPrefix, generation(gens[0]), recordType, generation(gens[1]), id), nil
}

// Set caches value for a record.
func (r *RedisCache) Set(ctx context.Context, recordType, id string, value interface{}, ttl time.Duration) error {
	key, err := r.Key(ctx, recordType, id)
	if err != nil {
		return err
	}
	return r.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: value, TTL: ttl})
}

// Get loads a cached record into data. It reports false on a miss.
func (r *RedisCache) Get(ctx context.Context, recordType, id string, data interface{}) (bool, error) {
	key, err := r.Key(ctx, recordType, id)
	if err != nil {
		return false, err
	}
	err = r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	return err == nil, err
}

// Stats reports local and remote hit counters.
func (r *RedisCache) Stats() *cache.Stats {
	return r.cache.Stats()
}

// Invalidate drops the entries the messages refer to. Deleting a missing
// entry and bumping a generation twice are both harmless, so replays are
// safe.
func (r *RedisCache) Invalidate(ctx context.Context, messages []model.InvalidationMessage) error {
	ctx, span := otel.Tracer("contentsync.cache").Start(ctx, "Invalidating cache")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(messages)))

	for _, msg := range messages {
		if err := r.invalidate(ctx, msg); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (r *RedisCache) invalidate(ctx context.Context, msg model.InvalidationMessage) error {
	if msg.IsMetadataRefresh() {
		if err := r.redis.Incr(ctx, globalGen).Err(); err != nil {
			return err
		}
		logrus.Info("cache: metadata refresh, global generation bumped")
		return nil
	}

	refs := append([]model.EntityReference{{Type: msg.TargetType, ID: msg.TargetID}}, msg.RelatedEntities...)
	for _, ref := range refs {
		if ref.Type == "" {
			continue
		}
		if ref.ID == "" {
			if err := r.BumpType(ctx, ref.Type); err != nil {
				return err
			}
			continue
		}
		key, err := r.Key(ctx, ref.Type, ref.ID)
		if err != nil {
			return err
		}
		if err := r.cache.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			return err
		}
	}
	return nil
}

// BumpType invalidates every cached entry of recordType.
func (r *RedisCache) BumpType(ctx context.Context, recordType string) error {
	if err := r.redis.Incr(ctx, typeGenKey(recordType)).Err(); err != nil {
		return err
	}
	logrus.WithField("record_type", recordType).Debug("cache: type generation bumped")
	return nil
}

func typeGenKey(recordType string) string {
	return fmt.Sprintf(typeGenFmt, recordType)
}

func generation(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
