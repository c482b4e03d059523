package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Redis is a Queue backed by Redis, shareable across processes.
//
// Layout: each lane keeps one sorted set per capability scored by the
// instant the entry becomes deliverable, plus a set naming the capabilities
// with entries. Entry bodies live under their own keys. In-flight entries
// sit in a sorted set scored by their visibility deadline, dead-lettered
// ones in a sorted set scored by when they dead-lettered. Claims race
// through ZRem: whoever removes the member owns the delivery. The
// round-robin cursor is process-local, so rotation fairness is per
// consumer, not global.
type Redis struct {
	cfg    config.QueueConfig
	logger *zap.Logger
	client *redis.Client
	prefix string

	mu      sync.Mutex
	next    map[types.Priority]int
	closed  bool
	started bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a Redis-backed queue and verifies connectivity.
// Zero-valued config fields fall back to defaults.
func NewRedis(cfg config.QueueConfig, rcfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	def := config.DefaultQueueConfig()
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = def.MaxDeliveryAttempts
	}
	if cfg.RedeliverInterval <= 0 {
		cfg.RedeliverInterval = def.RedeliverInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	rdef := config.DefaultRedisConfig()
	if rcfg.Addr == "" {
		rcfg.Addr = rdef.Addr
	}
	if rcfg.KeyPrefix == "" {
		rcfg.KeyPrefix = rdef.KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rcfg.Addr,
		Password:     rcfg.Password,
		DB:           rcfg.DB,
		PoolSize:     rcfg.PoolSize,
		MinIdleConns: rcfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: failed to connect to redis: %w", err)
	}

	return &Redis{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "queue")),
		client: client,
		prefix: rcfg.KeyPrefix,
		next:   make(map[types.Priority]int),
		done:   make(chan struct{}),
	}, nil
}

func (q *Redis) entryKey(taskID string) string {
	return q.prefix + "queue:entry:" + taskID
}

func (q *Redis) laneKey(p types.Priority, c types.Capability) string {
	return q.prefix + "queue:lane:" + string(p) + ":" + string(c)
}

func (q *Redis) capsKey(p types.Priority) string {
	return q.prefix + "queue:lane:" + string(p) + ":caps"
}

func (q *Redis) inflightKey() string {
	return q.prefix + "queue:inflight"
}

func (q *Redis) deadKey() string {
	return q.prefix + "queue:dead"
}

// Start launches the redelivery sweep. Safe to call once.
func (q *Redis) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.sweepLoop(ctx)

	q.logger.Info("queue started",
		zap.String("backend", BackendRedis),
		zap.Duration("visibility_timeout", q.cfg.VisibilityTimeout),
		zap.Int("max_delivery_attempts", q.cfg.MaxDeliveryAttempts),
	)
	return nil
}

// Close stops the sweep and releases the client.
func (q *Redis) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	err := q.client.Close()
	q.logger.Info("queue closed")
	return err
}

func (q *Redis) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue adds an entry to its priority lane.
func (q *Redis) Enqueue(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}
	in := e.Clone()
	if in.EnqueuedAt.IsZero() {
		in.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	// The entry body is the uniqueness gate: SetNX loses against any live
	// copy of the task id, queued or in flight or dead.
	ok, err := q.client.SetNX(ctx, q.entryKey(in.TaskID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}

	pipe := q.client.Pipeline()
	pipe.SAdd(ctx, q.capsKey(in.Priority), string(in.Capability))
	pipe.ZAdd(ctx, q.laneKey(in.Priority, in.Capability), redis.Z{
		Score:  float64(in.readyAt().UnixNano()),
		Member: in.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue claims up to max deliverable entries in strict priority order.
func (q *Redis) Dequeue(ctx context.Context, max int) ([]*Entry, error) {
	return q.dequeueAt(ctx, time.Now(), types.Priorities(), max)
}

// DequeueLane claims up to max deliverable entries from a single lane.
func (q *Redis) DequeueLane(ctx context.Context, lane types.Priority, max int) ([]*Entry, error) {
	if !lane.IsValid() {
		return nil, fmt.Errorf("queue: unknown lane %q", lane)
	}
	return q.dequeueAt(ctx, time.Now(), []types.Priority{lane}, max)
}

func (q *Redis) dequeueAt(ctx context.Context, now time.Time, lanes []types.Priority, max int) ([]*Entry, error) {
	if max <= 0 || max > q.cfg.MaxBatch {
		max = q.cfg.MaxBatch
	}
	if q.isClosed() {
		return nil, ErrClosed
	}

	var out []*Entry
	for _, p := range lanes {
		got, err := q.drainLane(ctx, p, now, max-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// drainLane claims ready entries from one lane, rotating across its
// capability sub-queues.
func (q *Redis) drainLane(ctx context.Context, p types.Priority, now time.Time, max int) ([]*Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	caps, err := q.client.SMembers(ctx, q.capsKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(caps) == 0 {
		return nil, nil
	}
	sort.Strings(caps)

	q.mu.Lock()
	cursor := q.next[p]
	q.mu.Unlock()

	var out []*Entry
	idle := 0
	for len(out) < max && idle < len(caps) {
		c := types.Capability(caps[cursor%len(caps)])
		cursor++
		e, err := q.claimOne(ctx, p, c, now)
		if err != nil {
			return nil, err
		}
		if e == nil {
			idle++
			continue
		}
		idle = 0
		out = append(out, e)
	}

	q.mu.Lock()
	q.next[p] = cursor % len(caps)
	q.mu.Unlock()
	return out, nil
}

// claimOne pops the oldest ready entry from one capability sub-queue and
// moves it in flight. Returns nil when nothing is ready.
func (q *Redis) claimOne(ctx context.Context, p types.Priority, c types.Capability, now time.Time) (*Entry, error) {
	key := q.laneKey(p, c)
	maxScore := strconv.FormatInt(now.UnixNano(), 10)

	for {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: 0,
			Count:  1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id := ids[0]

		removed, err := q.client.ZRem(ctx, key, id).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if removed == 0 {
			// Lost the claim race; try the next candidate.
			continue
		}

		e, err := q.loadEntry(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.logger.Warn("queued entry has no body, dropping", zap.String("task_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		e.Attempts++
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal entry: %w", err)
		}
		pipe := q.client.Pipeline()
		pipe.Set(ctx, q.entryKey(id), data, 0)
		pipe.ZAdd(ctx, q.inflightKey(), redis.Z{
			Score:  float64(now.Add(q.cfg.VisibilityTimeout).UnixNano()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}

		q.cleanupSub(ctx, p, c)
		return e, nil
	}
}

// cleanupSub drops the capability from the lane rotation once its
// sub-queue is empty. Best effort; a concurrent enqueue re-adds it.
func (q *Redis) cleanupSub(ctx context.Context, p types.Priority, c types.Capability) {
	n, err := q.client.ZCard(ctx, q.laneKey(p, c)).Result()
	if err != nil || n > 0 {
		return
	}
	_ = q.client.SRem(ctx, q.capsKey(p), string(c)).Err()
}

// Ack confirms a delivery and removes the entry permanently.
func (q *Redis) Ack(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrClosed
	}
	removed, err := q.client.ZRem(ctx, q.inflightKey(), taskID).Result()
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if removed == 0 {
		return ErrNotInFlight
	}
	if err := q.client.Del(ctx, q.entryKey(taskID)).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack returns a delivered entry to its lane after delay, or dead-letters
// it when its attempts are exhausted. Reports the dead-letter move.
func (q *Redis) Nack(ctx context.Context, taskID string, delay time.Duration) (bool, error) {
	if q.isClosed() {
		return false, ErrClosed
	}
	now := time.Now()

	removed, err := q.client.ZRem(ctx, q.inflightKey(), taskID).Result()
	if err != nil {
		return false, fmt.Errorf("queue: nack: %w", err)
	}
	if removed == 0 {
		return false, ErrNotInFlight
	}

	e, err := q.loadEntry(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		q.logger.Warn("in-flight entry has no body", zap.String("task_id", taskID))
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return q.requeue(ctx, e, now, delay)
}

// requeue returns a failed or expired delivery to its lane, or moves it to
// the dead-letter lane when its attempts are exhausted.
func (q *Redis) requeue(ctx context.Context, e *Entry, now time.Time, delay time.Duration) (bool, error) {
	if e.Attempts >= q.cfg.MaxDeliveryAttempts {
		err := q.client.ZAdd(ctx, q.deadKey(), redis.Z{
			Score:  float64(now.UnixNano()),
			Member: e.TaskID,
		}).Err()
		if err != nil {
			return false, fmt.Errorf("queue: dead-letter: %w", err)
		}
		q.logger.Warn("entry dead-lettered",
			zap.String("task_id", e.TaskID),
			zap.String("priority", string(e.Priority)),
			zap.Int("attempts", e.Attempts),
		)
		return true, nil
	}

	ready := now
	if delay > 0 {
		e.NotBefore = now.Add(delay)
		ready = e.NotBefore
	} else {
		e.NotBefore = time.Time{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("queue: marshal entry: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, q.entryKey(e.TaskID), data, 0)
	pipe.SAdd(ctx, q.capsKey(e.Priority), string(e.Capability))
	pipe.ZAdd(ctx, q.laneKey(e.Priority, e.Capability), redis.Z{
		Score:  float64(ready.UnixNano()),
		Member: e.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: requeue: %w", err)
	}
	return false, nil
}

// Remove drops a queued entry before it is delivered.
func (q *Redis) Remove(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrClosed
	}

	_, err := q.client.ZScore(ctx, q.inflightKey(), taskID).Result()
	if err == nil {
		return ErrInFlight
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: remove: %w", err)
	}

	_, err = q.client.ZScore(ctx, q.deadKey(), taskID).Result()
	if err == nil {
		return ErrNotFound
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: remove: %w", err)
	}

	e, err := q.loadEntry(ctx, taskID)
	if err != nil {
		return err
	}

	removed, err := q.client.ZRem(ctx, q.laneKey(e.Priority, e.Capability), taskID).Result()
	if err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	if removed == 0 {
		// Claimed by a consumer between the checks.
		return ErrInFlight
	}
	if err := q.client.Del(ctx, q.entryKey(taskID)).Err(); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	q.cleanupSub(ctx, e.Priority, e.Capability)
	return nil
}

// DeadLetters lists up to limit dead-lettered entries, oldest first.
func (q *Redis) DeadLetters(ctx context.Context, limit int) ([]*Entry, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.client.ZRange(ctx, q.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := q.loadEntry(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.logger.Warn("dead-lettered entry has no body", zap.String("task_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AckDead removes a dead-lettered entry.
func (q *Redis) AckDead(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrClosed
	}
	removed, err := q.client.ZRem(ctx, q.deadKey(), taskID).Result()
	if err != nil {
		return fmt.Errorf("queue: ack dead: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	if err := q.client.Del(ctx, q.entryKey(taskID)).Err(); err != nil {
		return fmt.Errorf("queue: ack dead: %w", err)
	}
	return nil
}

// Stats reports lane depths and delivery state counts.
func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	if q.isClosed() {
		return Stats{}, ErrClosed
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)

	st := Stats{Ready: make(map[types.Priority]int, 4)}
	for _, p := range types.Priorities() {
		caps, err := q.client.SMembers(ctx, q.capsKey(p)).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("queue: stats: %w", err)
		}
		for _, c := range caps {
			key := q.laneKey(p, types.Capability(c))
			ready, err := q.client.ZCount(ctx, key, "-inf", now).Result()
			if err != nil {
				return Stats{}, fmt.Errorf("queue: stats: %w", err)
			}
			delayed, err := q.client.ZCount(ctx, key, "("+now, "+inf").Result()
			if err != nil {
				return Stats{}, fmt.Errorf("queue: stats: %w", err)
			}
			st.Ready[p] += int(ready)
			st.Delayed += int(delayed)
		}
	}

	inflight, err := q.client.ZCard(ctx, q.inflightKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	dead, err := q.client.ZCard(ctx, q.deadKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	st.InFlight = int(inflight)
	st.DeadLetter = int(dead)
	return st, nil
}

func (q *Redis) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.RedeliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.redeliverOnce(ctx, time.Now())
		}
	}
}

// redeliverOnce returns expired in-flight entries to their lanes, dead-
// lettering any whose attempts are exhausted.
func (q *Redis) redeliverOnce(ctx context.Context, now time.Time) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		q.logger.Error("redelivery sweep failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.inflightKey(), id).Result()
		if err != nil {
			q.logger.Error("redelivery sweep failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if removed == 0 {
			continue
		}
		e, err := q.loadEntry(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.logger.Warn("in-flight entry has no body", zap.String("task_id", id))
			continue
		}
		if err != nil {
			q.logger.Error("redelivery sweep failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		dead, err := q.requeue(ctx, e, now, 0)
		if err != nil {
			q.logger.Error("redelivery sweep failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if !dead {
			q.logger.Debug("redelivered expired delivery",
				zap.String("task_id", id),
				zap.Int("attempts", e.Attempts),
			)
		}
	}
}

func (q *Redis) loadEntry(ctx context.Context, taskID string) (*Entry, error) {
	data, err := q.client.Get(ctx, q.entryKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("queue: decode entry: %w", err)
	}
	return &e, nil
}
