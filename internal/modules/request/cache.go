// README: Request cache in Redis with optimistic updates and the per-requester side index.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convoy/internal/apperr"
	"convoy/internal/infra"
	"convoy/internal/types"
)

const (
	requestKeyPrefix = "requests:"
	activeKeyPrefix  = "activeRequest:"
)

// errNoChange returned from a mutate function ends Update without writing.
var errNoChange = errors.New("no change")

var clearActiveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func requestKey(id types.ID) string { return requestKeyPrefix + string(id) }

func activeKey(requesterID types.ID) string { return activeKeyPrefix + string(requesterID) }

type RedisCache struct {
	redis       *redis.Client
	metrics     *infra.Metrics
	timeout     time.Duration
	budget      time.Duration
	activeTTL   time.Duration
	terminalTTL time.Duration
}

// NewRedisCache builds the cache. Updates pick activeTTL or terminalTTL from
// the resulting status; budget bounds retries of contended updates.
func NewRedisCache(client *redis.Client, m *infra.Metrics, timeout, budget, activeTTL, terminalTTL time.Duration) *RedisCache {
	return &RedisCache{
		redis:       client,
		metrics:     m,
		timeout:     timeout,
		budget:      budget,
		activeTTL:   activeTTL,
		terminalTTL: terminalTTL,
	}
}

func (c *RedisCache) ttlFor(s Status) time.Duration {
	if s.Terminal() {
		return c.terminalTTL
	}
	return c.activeTTL
}

func decode(id types.ID, raw []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, apperr.Infra("decode request "+string(id), err)
	}
	r.normalize()
	return &r, nil
}

func (c *RedisCache) Get(ctx context.Context, id types.ID) (*Request, error) {
	return infra.Timed(ctx, c.metrics, "request.get", c.timeout, func(ctx context.Context) (*Request, error) {
		raw, err := c.redis.Get(ctx, requestKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return nil, apperr.Infra("request get", err)
		}
		return decode(id, raw)
	})
}

func (c *RedisCache) Set(ctx context.Context, r *Request, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", r.ID, err)
	}
	_, err = infra.Timed(ctx, c.metrics, "request.set", c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, apperr.Infra("request set", c.redis.Set(ctx, requestKey(r.ID), raw, ttl).Err())
	})
	return err
}

func (c *RedisCache) Delete(ctx context.Context, id types.ID) error {
	_, err := infra.Timed(ctx, c.metrics, "request.delete", c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, apperr.Infra("request delete", c.redis.Del(ctx, requestKey(id)).Err())
	})
	return err
}

// ActiveID follows the side index. An empty id means none is recorded.
func (c *RedisCache) ActiveID(ctx context.Context, requesterID types.ID) (types.ID, error) {
	return infra.Timed(ctx, c.metrics, "request.active_id", c.timeout, func(ctx context.Context) (types.ID, error) {
		v, err := c.redis.Get(ctx, activeKey(requesterID)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", apperr.Infra("request active index", err)
		}
		return types.ID(v), nil
	})
}

// Insert writes the entry and the side index in one MULTI.
func (c *RedisCache) Insert(ctx context.Context, r *Request, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", r.ID, err)
	}
	_, err = infra.Timed(ctx, c.metrics, "request.insert", c.timeout, func(ctx context.Context) (struct{}, error) {
		_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, requestKey(r.ID), raw, ttl)
			pipe.Set(ctx, activeKey(r.RequesterID), string(r.ID), ttl)
			return nil
		})
		return struct{}{}, apperr.Infra("request insert", err)
	})
	return err
}

// Update applies mutate under WATCH and commits with MULTI; concurrent writers
// force a re-read. The entry is never created: an absent key is ErrNotFound.
// Contention past the retry budget is ErrBusy.
func (c *RedisCache) Update(ctx context.Context, id types.ID, mutate func(*Request) error) (*Request, error) {
	key := requestKey(id)
	var out *Request
	txn := func(ctx context.Context) func(tx *redis.Tx) error {
		return func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
			}
			if err != nil {
				return apperr.Infra("request update read", err)
			}
			r, err := decode(id, raw)
			if err != nil {
				return err
			}
			if err := mutate(r); err != nil {
				if errors.Is(err, errNoChange) {
					out = r
					return nil
				}
				return err
			}
			r.normalize()
			next, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode request %s: %w", id, err)
			}
			ttl := c.ttlFor(r.Status)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				if !r.Status.Terminal() {
					pipe.Expire(ctx, activeKey(r.RequesterID), ttl)
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = r
			return nil
		}
	}

	_, err := infra.Timed(ctx, c.metrics, "request.update", 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, infra.Retry(ctx, c.budget, func() error {
			opCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := c.redis.Watch(opCtx, txn(opCtx), key)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, redis.TxFailedErr):
				return err
			case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrConflict),
				errors.Is(err, apperr.ErrForbidden), errors.Is(err, apperr.ErrBadRequest),
				errors.Is(err, apperr.ErrInfrastructure):
				return infra.Permanent(err)
			default:
				return infra.Permanent(apperr.Infra("request update", err))
			}
		})
	})
	if errors.Is(err, redis.TxFailedErr) {
		c.metrics.LockBusy("request.update")
		return nil, fmt.Errorf("request %s update contended: %w", id, apperr.ErrBusy)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearActive drops the side index only while it still points at id.
func (c *RedisCache) ClearActive(ctx context.Context, requesterID, id types.ID) error {
	_, err := infra.Timed(ctx, c.metrics, "request.clear_active", c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, apperr.Infra("request clear active", clearActiveScript.Run(ctx, c.redis, []string{activeKey(requesterID)}, string(id)).Err())
	})
	return err
}
