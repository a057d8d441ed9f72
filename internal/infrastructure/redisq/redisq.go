// Package redisq realizes the store port on Redis for the queue-broker
// role. Each queue is a list of job ids popped tail-first; deferred jobs
// wait in a scheduled sorted set scored by fire time and a Lua script
// promotes them when due; results live in their own keys and expire on
// their own. Schedules are not hosted here, the scheduler store runs on
// SQL, MongoDB or memory.
package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.Store = (*Store)(nil)

const (
	// keyPrefix namespaces every key so one Redis can serve several apps.
	keyPrefix = "flowerpower:"

	// acquireBlock bounds the blocking pop in AcquireNext; an empty queue
	// returns no job after this long.
	acquireBlock = time.Second

	// promoteBatch caps how many due deferred jobs one promotion moves.
	promoteBatch = 100
)

// promoteScript atomically moves due members of the scheduled set onto the
// queue list. KEYS[1] is the scheduled set, KEYS[2] the queue list;
// ARGV[1] the current unix-milli time, ARGV[2] the batch limit.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

type Option func(*Store)

// WithNow injects the clock used for due checks and claims.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type keys struct{}

func (keys) job(id string) string       { return keyPrefix + "job:" + id }
func (keys) result(id string) string    { return keyPrefix + "results:" + id }
func (keys) queue(q string) string      { return keyPrefix + "queue:" + q }
func (keys) processing(q string) string { return keyPrefix + "processing:" + q }
func (keys) scheduled(q string) string  { return keyPrefix + "scheduled:" + q }
func (keys) claim(worker string) string { return keyPrefix + "claim:" + worker }
func (keys) dedup(key string) string    { return keyPrefix + "dedup:" + key }
func (keys) jobs() string               { return keyPrefix + "jobs" }
func (keys) queues() string             { return keyPrefix + "queues" }
func (keys) seq() string                { return keyPrefix + "seq" }

// Store implements repository.Store on a Redis client.
type Store struct {
	client *redis.Client
	keys   keys
	logger *slog.Logger
	now    func() time.Time
	events repository.EventBroker
}

// NewClient builds a Redis client tuned for queue traffic: a pool sized
// for many concurrent workers and a read timeout long enough for blocking
// pops.
func NewClient(desc *backend.Descriptor) (*redis.Client, error) {
	opts, err := redis.ParseURL(desc.URI)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	return redis.NewClient(opts), nil
}

// New connects to the Redis named by the descriptor and returns the ready
// store.
func New(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger, opts ...Option) (*Store, error) {
	client, err := NewClient(desc)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := &Store{
		client: client,
		logger: logger.With("component", "redis-store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// BindBroker attaches the event broker the store publishes on for the
// transitions only it witnesses, such as lease-expiry requeues during a
// sweep. Without one those transitions happen silently.
func (s *Store) BindBroker(b repository.EventBroker) {
	s.events = b
}

// Client exposes the underlying connection so the pub/sub broker can ride
// the same pool.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("dropping event", "type", event.Type, "entity", event.EntityID, "error", err)
	}
}

// promote moves due deferred jobs of one queue onto its list.
func (s *Store) promote(ctx context.Context, queue string, now time.Time) error {
	err := promoteScript.Run(ctx, s.client,
		[]string{s.keys.scheduled(queue), s.keys.queue(queue)},
		now.UnixMilli(), promoteBatch).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("promote due jobs of %s: %w", queue, err)
	}
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (repository.SweepResult, error) {
	var result repository.SweepResult
	now = now.UTC()

	queues, err := s.client.SMembers(ctx, s.keys.queues()).Result()
	if err != nil {
		return result, fmt.Errorf("list queues: %w", err)
	}
	for _, q := range queues {
		if err := s.promote(ctx, q, now); err != nil {
			return result, err
		}
	}

	ids, err := s.client.SMembers(ctx, s.keys.jobs()).Result()
	if err != nil {
		return result, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return result, nil
	}
	sort.Strings(ids)

	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		jobKeys[i] = s.keys.job(id)
	}
	records, err := s.client.MGet(ctx, jobKeys...).Result()
	if err != nil {
		return result, fmt.Errorf("load jobs: %w", err)
	}

	for i, raw := range records {
		id := ids[i]
		if raw == nil {
			// The record reached its purge deadline and expired on its
			// own; reclaim the registry entry.
			if err := s.client.SRem(ctx, s.keys.jobs(), id).Err(); err != nil {
				return result, fmt.Errorf("unregister job %s: %w", id, err)
			}
			result.Evicted++
			continue
		}
		job, seq, err := decodeJob(raw.(string))
		if err != nil {
			s.logger.Warn("dropping undecodable job record", "job_id", id, "error", err)
			if err := s.evict(ctx, &domain.Job{ID: id}); err != nil {
				return result, err
			}
			result.Evicted++
			continue
		}
		if job.Evictable(now) {
			if err := s.evict(ctx, job); err != nil {
				return result, err
			}
			result.Evicted++
			continue
		}
		if job.Status == domain.StatusStarted &&
			job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			if err := s.requeueStale(ctx, job, seq, now); err != nil {
				return result, err
			}
			result.Requeued++
		}
	}

	if result.Evicted > 0 || result.Requeued > 0 {
		s.logger.Debug("sweep finished",
			"evicted", result.Evicted,
			"requeued", result.Requeued,
			"exhausted", result.Exhausted)
	}
	return result, nil
}

// evict removes every trace of a job. Fields missing from the record, as
// for an undecodable one, just make the matching deletes no-ops.
func (s *Store) evict(ctx context.Context, job *domain.Job) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.job(job.ID), s.keys.result(job.ID))
	pipe.SRem(ctx, s.keys.jobs(), job.ID)
	if job.Queue != "" {
		pipe.LRem(ctx, s.keys.queue(job.Queue), 1, job.ID)
		pipe.LRem(ctx, s.keys.processing(job.Queue), 1, job.ID)
		pipe.ZRem(ctx, s.keys.scheduled(job.Queue), job.ID)
	}
	if job.DedupKey != "" {
		pipe.Del(ctx, s.keys.dedup(job.DedupKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("evict job %s: %w", job.ID, err)
	}
	return nil
}

// requeueStale returns a job whose lease lapsed to its queue.
func (s *Store) requeueStale(ctx context.Context, job *domain.Job, seq int64, now time.Time) error {
	job.Status = domain.StatusQueued
	job.ScheduledAt = &now
	job.StartedAt = nil
	job.WorkerID = ""
	job.LeaseExpiresAt = nil

	raw, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(job.ID), raw, expiryFor(job))
	pipe.LRem(ctx, s.keys.processing(job.Queue), 1, job.ID)
	pipe.LPush(ctx, s.keys.queue(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue stale job %s: %w", job.ID, err)
	}

	s.publish(ctx, domain.NewEvent(domain.EventJobEnqueued, job.ID, map[string]any{
		"queue":  job.Queue,
		"reason": "lease-expired",
	}))
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
