// README: Location store backed by Redis GEO and per-worker metadata hashes.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"convoy/internal/apperr"
	"convoy/internal/infra"
	"convoy/internal/types"
)

const (
	workerGeoKey     = "workers:geo"
	workerMetaPrefix = "workerMetadata:"
	fieldStatus      = "status"
	fieldLat         = "lat"
	fieldLng         = "lng"
	fieldLastSeen    = "lastSeen"
	fieldLastJobAt   = "lastJobAt"
	fieldDailyJobs   = "dailyJobCount"
	fieldRating      = "rating"
)

// updatePositionScript compares, indexes and refreshes in one round trip so
// out-of-order deliveries from the same worker cannot interleave.
//
// KEYS[1] metadata hash, KEYS[2] geo set
// ARGV[1] worker id, ARGV[2] lat, ARGV[3] lng, ARGV[4] observed unix ms, ARGV[5] ttl seconds
var updatePositionScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'lastSeen')
if prev and tonumber(prev) >= tonumber(ARGV[4]) then
	return 0
end
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'lastSeen', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// setStatusScript writes only the status field. With ARGV[3] == "0" an expired
// worker is not resurrected.
//
// KEYS[1] metadata hash; ARGV[1] status, ARGV[2] ttl seconds, ARGV[3] create flag
var setStatusScript = redis.NewScript(`
if ARGV[3] == '0' and redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// jobCompletedScript: KEYS[1] metadata hash; ARGV[1] unix ms, ARGV[2] ttl seconds
var jobCompletedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'lastJobAt', ARGV[1], 'status', 'AVAILABLE')
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

type Store struct {
	redis   *redis.Client
	metrics *infra.Metrics
	timeout time.Duration
}

func NewStore(client *redis.Client, m *infra.Metrics, timeout time.Duration) *Store {
	return &Store{redis: client, metrics: m, timeout: timeout}
}

func metaKey(id types.ID) string {
	return workerMetaPrefix + string(id)
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (s *Store) UpdatePosition(ctx context.Context, u PositionUpdate, ttl time.Duration) (bool, error) {
	return infra.Timed(ctx, s.metrics, "geo.update_position", s.timeout, func(ctx context.Context) (bool, error) {
		n, err := updatePositionScript.Run(ctx, s.redis,
			[]string{metaKey(u.WorkerID), workerGeoKey},
			string(u.WorkerID),
			strconv.FormatFloat(u.Position.Lat, 'f', -1, 64),
			strconv.FormatFloat(u.Position.Lng, 'f', -1, 64),
			u.ObservedAt.UnixMilli(),
			ttlSeconds(ttl),
		).Int()
		if err != nil {
			return false, apperr.Infra("geo update position", err)
		}
		return n == 1, nil
	})
}

// Nearby returns workers within radiusKm of p, closest first.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]Nearby, error) {
	return infra.Timed(ctx, s.metrics, "geo.search", s.timeout, func(ctx context.Context) ([]Nearby, error) {
		results, err := s.redis.GeoSearchLocation(ctx, workerGeoKey, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  p.Lng,
				Latitude:   p.Lat,
				Radius:     radiusKm,
				RadiusUnit: "km",
				Sort:       "ASC",
			},
			WithDist: true,
		}).Result()
		if err != nil {
			return nil, apperr.Infra("geo search", err)
		}
		out := make([]Nearby, len(results))
		for i, r := range results {
			out[i] = Nearby{WorkerID: types.ID(r.Name), DistanceKm: r.Dist}
		}
		return out, nil
	})
}

func (s *Store) Exists(ctx context.Context, id types.ID) (bool, error) {
	return infra.Timed(ctx, s.metrics, "geo.exists", s.timeout, func(ctx context.Context) (bool, error) {
		n, err := s.redis.Exists(ctx, metaKey(id)).Result()
		if err != nil {
			return false, apperr.Infra("worker exists", err)
		}
		return n == 1, nil
	})
}

// Metadata fetches all ids in one pipeline. Workers whose key has expired are
// absent from the result.
func (s *Store) Metadata(ctx context.Context, ids []types.ID) (map[types.ID]WorkerMetadata, error) {
	return infra.Timed(ctx, s.metrics, "geo.metadata", s.timeout, func(ctx context.Context) (map[types.ID]WorkerMetadata, error) {
		out := make(map[types.ID]WorkerMetadata, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		pipe := s.redis.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, metaKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, apperr.Infra("worker metadata", err)
		}
		for i, id := range ids {
			fields := cmds[i].Val()
			if len(fields) == 0 {
				continue
			}
			md, err := parseMetadata(id, fields)
			if err != nil {
				return nil, err
			}
			out[id] = md
		}
		return out, nil
	})
}

func (s *Store) SetStatus(ctx context.Context, id types.ID, status WorkerStatus, ttl time.Duration, create bool) (bool, error) {
	flag := "0"
	if create {
		flag = "1"
	}
	return infra.Timed(ctx, s.metrics, "geo.set_status", s.timeout, func(ctx context.Context) (bool, error) {
		n, err := setStatusScript.Run(ctx, s.redis, []string{metaKey(id)}, string(status), ttlSeconds(ttl), flag).Int()
		if err != nil {
			return false, apperr.Infra("worker set status", err)
		}
		return n == 1, nil
	})
}

// Remove takes the worker offline: metadata deleted and GEO member dropped.
func (s *Store) Remove(ctx context.Context, id types.ID) error {
	_, err := infra.Timed(ctx, s.metrics, "geo.remove", s.timeout, func(ctx context.Context) (struct{}, error) {
		pipe := s.redis.TxPipeline()
		pipe.Del(ctx, metaKey(id))
		pipe.ZRem(ctx, workerGeoKey, string(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return struct{}{}, apperr.Infra("worker remove", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) RecordJobCompleted(ctx context.Context, id types.ID, at time.Time, ttl time.Duration) (bool, error) {
	return infra.Timed(ctx, s.metrics, "geo.job_completed", s.timeout, func(ctx context.Context) (bool, error) {
		n, err := jobCompletedScript.Run(ctx, s.redis, []string{metaKey(id)}, at.UnixMilli(), ttlSeconds(ttl)).Int()
		if err != nil {
			return false, apperr.Infra("worker job completed", err)
		}
		return n == 1, nil
	})
}

// parseMetadata decodes a metadata hash. A missing status reads as OFFLINE;
// missing numeric fields read as zero.
func parseMetadata(id types.ID, fields map[string]string) (WorkerMetadata, error) {
	md := WorkerMetadata{WorkerID: id, Status: StatusOffline}
	if v, ok := fields[fieldStatus]; ok && WorkerStatus(v).Valid() {
		md.Status = WorkerStatus(v)
	}
	var err error
	if md.Position.Lat, err = parseFloat(fields, fieldLat); err != nil {
		return md, err
	}
	if md.Position.Lng, err = parseFloat(fields, fieldLng); err != nil {
		return md, err
	}
	if md.Rating, err = parseFloat(fields, fieldRating); err != nil {
		return md, err
	}
	jobs, err := parseInt(fields, fieldDailyJobs)
	if err != nil {
		return md, err
	}
	md.DailyJobCount = int(jobs)
	seen, err := parseInt(fields, fieldLastSeen)
	if err != nil {
		return md, err
	}
	if seen > 0 {
		md.LastSeen = time.UnixMilli(seen)
	}
	lastJob, err := parseInt(fields, fieldLastJobAt)
	if err != nil {
		return md, err
	}
	if lastJob > 0 {
		md.LastJobAt = time.UnixMilli(lastJob)
	}
	return md, nil
}

func parseFloat(fields map[string]string, key string) (float64, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("worker metadata field %s=%q: %w", key, v, err)
	}
	return f, nil
}

func parseInt(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("worker metadata field %s=%q: %w", key, v, err)
	}
	return n, nil
}
