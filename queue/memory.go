package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Memory is an in-process Queue. Suitable for single-node deployments and
// tests; state is lost on restart.
type Memory struct {
	cfg    config.QueueConfig
	logger *zap.Logger

	mu       sync.Mutex
	lanes    map[types.Priority]*lane
	queued   map[string]types.Priority
	inflight map[string]*delivery
	dead     []*Entry
	closed   bool
	started  bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Queue = (*Memory)(nil)

// delivery is an in-flight entry with its visibility deadline.
type delivery struct {
	entry    *Entry
	deadline time.Time
}

// lane holds one priority level: ready entries grouped per capability and
// drained round-robin, plus entries parked on a future not-before.
type lane struct {
	subs   map[types.Capability][]*Entry
	order  []types.Capability
	next   int
	parked []*Entry
}

func newLane() *lane {
	return &lane{subs: make(map[types.Capability][]*Entry)}
}

func (l *lane) push(e *Entry) {
	c := e.Capability
	if _, ok := l.subs[c]; !ok {
		l.order = append(l.order, c)
	}
	l.subs[c] = append(l.subs[c], e)
}

// pop removes and returns the next entry in round-robin rotation, or nil
// when the lane has no ready entries.
func (l *lane) pop() *Entry {
	if len(l.order) == 0 {
		return nil
	}
	if l.next >= len(l.order) {
		l.next = 0
	}
	c := l.order[l.next]
	sub := l.subs[c]
	e := sub[0]
	sub = sub[1:]
	if len(sub) == 0 {
		delete(l.subs, c)
		l.dropOrder(c)
	} else {
		l.subs[c] = sub
		l.next++
	}
	return e
}

// promote moves parked entries whose not-before has passed into their
// capability sub-queue.
func (l *lane) promote(now time.Time) {
	if len(l.parked) == 0 {
		return
	}
	var keep []*Entry
	for _, e := range l.parked {
		if e.NotBefore.After(now) {
			keep = append(keep, e)
			continue
		}
		l.push(e)
	}
	l.parked = keep
}

func (l *lane) remove(taskID string) bool {
	for c, sub := range l.subs {
		for i, e := range sub {
			if e.TaskID != taskID {
				continue
			}
			sub = append(sub[:i], sub[i+1:]...)
			if len(sub) == 0 {
				delete(l.subs, c)
				l.dropOrder(c)
			} else {
				l.subs[c] = sub
			}
			return true
		}
	}
	for i, e := range l.parked {
		if e.TaskID == taskID {
			l.parked = append(l.parked[:i], l.parked[i+1:]...)
			return true
		}
	}
	return false
}

// dropOrder removes a capability from the rotation, keeping the cursor on
// the element that shifts into its place.
func (l *lane) dropOrder(c types.Capability) {
	for i, oc := range l.order {
		if oc == c {
			if i < l.next {
				l.next--
			}
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

func (l *lane) depth() int {
	n := 0
	for _, sub := range l.subs {
		n += len(sub)
	}
	return n
}

// NewMemory creates an in-process queue. Zero-valued config fields fall
// back to defaults.
func NewMemory(cfg config.QueueConfig, logger *zap.Logger) *Memory {
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
	if logger == nil {
		logger = zap.NewNop()
	}

	lanes := make(map[types.Priority]*lane, 4)
	for _, p := range types.Priorities() {
		lanes[p] = newLane()
	}
	return &Memory{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "queue")),
		lanes:    lanes,
		queued:   make(map[string]types.Priority),
		inflight: make(map[string]*delivery),
		done:     make(chan struct{}),
	}
}

// Start launches the redelivery sweep. Safe to call once.
func (q *Memory) Start(ctx context.Context) error {
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
		zap.String("backend", BackendMemory),
		zap.Duration("visibility_timeout", q.cfg.VisibilityTimeout),
		zap.Int("max_delivery_attempts", q.cfg.MaxDeliveryAttempts),
	)
	return nil
}

// Close stops the sweep and rejects further operations.
func (q *Memory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue closed")
	return nil
}

// Enqueue adds an entry to its priority lane.
func (q *Memory) Enqueue(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	in := e.Clone()
	now := time.Now()
	if in.EnqueuedAt.IsZero() {
		in.EnqueuedAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.knownLocked(in.TaskID) {
		return ErrDuplicate
	}

	l := q.lanes[in.Priority]
	if in.NotBefore.After(now) {
		l.parked = append(l.parked, in)
	} else {
		l.push(in)
	}
	q.queued[in.TaskID] = in.Priority
	return nil
}

// Dequeue claims up to max deliverable entries in strict priority order.
func (q *Memory) Dequeue(ctx context.Context, max int) ([]*Entry, error) {
	return q.dequeueAt(time.Now(), types.Priorities(), max)
}

// DequeueLane claims up to max deliverable entries from a single lane.
func (q *Memory) DequeueLane(ctx context.Context, lane types.Priority, max int) ([]*Entry, error) {
	if !lane.IsValid() {
		return nil, fmt.Errorf("queue: unknown lane %q", lane)
	}
	return q.dequeueAt(time.Now(), []types.Priority{lane}, max)
}

func (q *Memory) dequeueAt(now time.Time, lanes []types.Priority, max int) ([]*Entry, error) {
	if max <= 0 || max > q.cfg.MaxBatch {
		max = q.cfg.MaxBatch
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	var out []*Entry
	for _, p := range lanes {
		l := q.lanes[p]
		l.promote(now)
		for len(out) < max {
			e := l.pop()
			if e == nil {
				break
			}
			e.Attempts++
			delete(q.queued, e.TaskID)
			q.inflight[e.TaskID] = &delivery{entry: e, deadline: now.Add(q.cfg.VisibilityTimeout)}
			out = append(out, e.Clone())
		}
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Ack confirms a delivery and removes the entry permanently.
func (q *Memory) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.inflight[taskID]; !ok {
		return ErrNotInFlight
	}
	delete(q.inflight, taskID)
	return nil
}

// Nack returns a delivered entry to its lane after delay, or dead-letters
// it when its attempts are exhausted. Reports the dead-letter move.
func (q *Memory) Nack(ctx context.Context, taskID string, delay time.Duration) (bool, error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	d, ok := q.inflight[taskID]
	if !ok {
		return false, ErrNotInFlight
	}
	delete(q.inflight, taskID)
	return q.requeueLocked(d.entry, now, delay), nil
}

// requeueLocked returns a failed or expired delivery to its lane, or moves
// it to the dead-letter lane when its attempts are exhausted.
func (q *Memory) requeueLocked(e *Entry, now time.Time, delay time.Duration) bool {
	if e.Attempts >= q.cfg.MaxDeliveryAttempts {
		q.dead = append(q.dead, e)
		q.logger.Warn("entry dead-lettered",
			zap.String("task_id", e.TaskID),
			zap.String("priority", string(e.Priority)),
			zap.Int("attempts", e.Attempts),
		)
		return true
	}

	l := q.lanes[e.Priority]
	if delay > 0 {
		e.NotBefore = now.Add(delay)
		l.parked = append(l.parked, e)
	} else {
		e.NotBefore = time.Time{}
		l.push(e)
	}
	q.queued[e.TaskID] = e.Priority
	return false
}

// Remove drops a queued entry before it is delivered.
func (q *Memory) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.inflight[taskID]; ok {
		return ErrInFlight
	}
	p, ok := q.queued[taskID]
	if !ok {
		return ErrNotFound
	}
	q.lanes[p].remove(taskID)
	delete(q.queued, taskID)
	return nil
}

// DeadLetters lists up to limit dead-lettered entries, oldest first.
func (q *Memory) DeadLetters(ctx context.Context, limit int) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*Entry, 0, limit)
	for _, e := range q.dead[:limit] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// AckDead removes a dead-lettered entry.
func (q *Memory) AckDead(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for i, e := range q.dead {
		if e.TaskID == taskID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Stats reports lane depths and delivery state counts.
func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{Ready: make(map[types.Priority]int, len(q.lanes))}
	for p, l := range q.lanes {
		st.Ready[p] = l.depth()
		st.Delayed += len(l.parked)
	}
	st.InFlight = len(q.inflight)
	st.DeadLetter = len(q.dead)
	return st, nil
}

func (q *Memory) sweepLoop(ctx context.Context) {
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
			q.redeliverOnce(time.Now())
		}
	}
}

// redeliverOnce returns expired in-flight entries to their lanes, dead-
// lettering any whose attempts are exhausted.
func (q *Memory) redeliverOnce(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for id, d := range q.inflight {
		if now.Before(d.deadline) {
			continue
		}
		delete(q.inflight, id)
		if q.requeueLocked(d.entry, now, 0) {
			continue
		}
		q.logger.Debug("redelivered expired delivery",
			zap.String("task_id", id),
			zap.Int("attempts", d.entry.Attempts),
		)
	}
}

func (q *Memory) knownLocked(taskID string) bool {
	if _, ok := q.queued[taskID]; ok {
		return true
	}
	if _, ok := q.inflight[taskID]; ok {
		return true
	}
	for _, e := range q.dead {
		if e.TaskID == taskID {
			return true
		}
	}
	return false
}
