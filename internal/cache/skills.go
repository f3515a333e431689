// Package cache puts a Redis read-through cache in front of a skill
// repository.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "ipagent:skill:"
	genPrefix = "ipagent:skillgen:"
)

// storeScript writes a skill entry only if the skill's generation still
// matches the one read before the repository fetch. KEYS[1] is the entry,
// KEYS[2] the generation; ARGV is the seen generation, payload and TTL in ms.
var storeScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Recorder receives cache hit/miss metrics. *metrics.Collector implements it.
type Recorder interface {
	ObserveCache(hits, misses int)
	ObserveCacheError()
}

// NewClient connects to the Redis instance at url.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// SkillCache caches enabled skills in Redis and reads misses from next.
// Only enabled skills are cached; disabling or editing a skill must call
// Invalidate. Invalidate bumps a per-skill generation, and a miss that read
// next before the bump does not write its copy back. A Redis failure
// degrades to reading from next.
type SkillCache struct {
	rdb     *redis.Client
	next    skill.Repository
	ttl     time.Duration
	metrics Recorder
	logger  *zap.Logger
}

// NewSkillCache wraps next. rec may be nil.
func NewSkillCache(rdb *redis.Client, next skill.Repository, ttl time.Duration, rec Recorder, logger *zap.Logger) *SkillCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SkillCache{rdb: rdb, next: next, ttl: ttl, metrics: rec, logger: logger}
}

func key(id string) string { return keyPrefix + id }

func genKey(id string) string { return genPrefix + id }

// FetchEnabled implements skill.Repository.
func (c *SkillCache) FetchEnabled(ctx context.Context, ids []string) (map[string]*skill.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids = skill.Dedupe(ids)
	out := make(map[string]*skill.Skill, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	misses, gens := c.lookup(ctx, ids, out)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.observe(len(ids)-len(misses), len(misses))
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.next.FetchEnabled(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, s := range fetched {
		out[id] = s
	}
	c.store(ctx, fetched, gens)
	return out, nil
}

// lookup fills out from Redis and returns the ids it could not serve along
// with their current generations. gens is nil when Redis could not be read.
func (c *SkillCache) lookup(ctx context.Context, ids []string, out map[string]*skill.Skill) ([]string, map[string]string) {
	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, key(id))
	}
	for _, id := range ids {
		keys = append(keys, genKey(id))
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("skill cache read failed", zap.Error(err))
			c.observeError()
		}
		return ids, nil
	}

	var misses []string
	gens := make(map[string]string)
	for i, id := range ids {
		raw, ok := vals[i].(string)
		if ok {
			var s skill.Skill
			if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Enabled() {
				out[id] = &s
				continue
			}
			c.logger.Warn("dropping bad skill cache entry", zap.String("skill_id", id))
		}
		misses = append(misses, id)
		gens[id] = "0"
		if g, ok := vals[len(ids)+i].(string); ok {
			gens[id] = g
		}
	}
	return misses, gens
}

// store writes fetched skills back, skipping any whose generation moved
// since lookup.
func (c *SkillCache) store(ctx context.Context, skills map[string]*skill.Skill, gens map[string]string) {
	if len(skills) == 0 || gens == nil {
		return
	}
	pipe := c.rdb.Pipeline()
	for id, s := range skills {
		gen, ok := gens[id]
		if !ok {
			continue
		}
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		storeScript.Eval(ctx, pipe, []string{key(id), genKey(id)}, gen, data, c.ttl.Milliseconds())
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("skill cache write failed", zap.Error(err))
		c.observeError()
	}
}

// FetchStatuses implements skill.StatusReader when next does. Statuses
// are never cached.
func (c *SkillCache) FetchStatuses(ctx context.Context, ids []string) (map[string]skill.Status, error) {
	if sr, ok := c.next.(skill.StatusReader); ok {
		return sr.FetchStatuses(ctx, ids)
	}
	return map[string]skill.Status{}, nil
}

// Invalidate drops the cached entries for ids and bumps their generations
// so in-flight misses do not restore them.
func (c *SkillCache) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Incr(ctx, genKey(id))
		pipe.Del(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate skills: %w", err)
	}
	return nil
}

func (c *SkillCache) observe(hits, misses int) {
	if c.metrics != nil {
		c.metrics.ObserveCache(hits, misses)
	}
}

func (c *SkillCache) observeError() {
	if c.metrics != nil {
		c.metrics.ObserveCacheError()
	}
}
