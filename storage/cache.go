package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Cache wraps a domain.Store with a Redis read-through cache of board listings.
// Every scope of an organization lives in one hash so a single DEL evicts them all.
// Reads used to plan moves always go to the backing store.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, orgID, scope); ok {
		return tasks, nil
	}

	gen, cacheable := c.generation(ctx, orgID)
	tasks, err := c.Store.ListTasks(ctx, orgID, scope)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.store(ctx, orgID, scope, tasks, gen)
	}
	return tasks, nil
}

func (c *Cache) ApplyMove(ctx context.Context, orgID string, plan domain.MovePlan) error {
	if err := c.Store.ApplyMove(ctx, orgID, plan); err != nil {
		return err
	}
	c.evict(ctx, orgID)
	return nil
}

func (c *Cache) InsertTask(ctx context.Context, t *domain.Task) error {
	if err := c.Store.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OrganizationID)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, t *domain.Task, appendToColumn bool) error {
	if err := c.Store.UpdateTask(ctx, t, appendToColumn); err != nil {
		return err
	}
	c.evict(ctx, t.OrganizationID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, orgID, taskID string) error {
	if err := c.Store.DeleteTask(ctx, orgID, taskID); err != nil {
		return err
	}
	c.evict(ctx, orgID)
	return nil
}

func (c *Cache) load(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := boardCacheKey(orgID)
	data, err := c.redis.HGet(ctx, key, scope.Key()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).WithField("org", orgID).Warn("board cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

// fillScript writes a board field only while the organization's generation still
// matches the one read before the backing store was queried.
var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// generation returns the organization's eviction counter. ok is false when the
// result of a backing read must not be cached.
func (c *Cache) generation(ctx context.Context, orgID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, boardGenerationKey(orgID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		log.WithError(err).WithField("org", orgID).Debug("board cache generation read failed")
		return 0, false
	}
	return gen, true
}

func (c *Cache) store(ctx context.Context, orgID string, scope domain.Scope, tasks []domain.Task, gen int64) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	keys := []string{boardCacheKey(orgID), boardGenerationKey(orgID)}
	written, err := fillScript.Run(ctx, c.redis, keys, strconv.FormatInt(gen, 10), scope.Key(), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		log.WithError(err).WithField("org", orgID).Debug("board cache write failed")
		return
	}
	if written == 0 {
		log.WithField("org", orgID).Debug("board changed during cache fill, skipped")
	}
}

// evict bumps the generation before dropping the hash so that fills started
// before the mutation are discarded.
func (c *Cache) evict(ctx context.Context, orgID string) {
	if c.redis == nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, boardGenerationKey(orgID))
	pipe.Del(ctx, boardCacheKey(orgID))
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("org", orgID).Warn("board cache eviction failed")
	}
}

func boardCacheKey(orgID string) string {
	return "board:" + orgID
}

func boardGenerationKey(orgID string) string {
	return "board-gen:" + orgID
}
