// Package agenthive provides a top-level convenience entry point for
// assembling a coordinator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agenthive"
//
//	hive, err := agenthive.New()
//	hive, err := agenthive.New(agenthive.WithConfig(cfg), agenthive.WithLogger(logger))
//
// New wires the whole coordination stack from one config: agent registry,
// health monitor, breaker set, outage detector, balancer, task queue,
// protocol client, and the task lifecycle manager. With no options it
// builds a fully in-memory coordinator (memory queue, in-process
// transport), which is the intended shape for embedding and examples.
// The production binary under cmd/agenthive builds on the same facade.
package agenthive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/balancer"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/fault"
	"github.com/BaSui01/agenthive/health"
	"github.com/BaSui01/agenthive/lifecycle"
	"github.com/BaSui01/agenthive/protocol"
	"github.com/BaSui01/agenthive/queue"
	"github.com/BaSui01/agenthive/registry"
	"github.com/BaSui01/agenthive/types"
)

// Option configures the hive created by [New].
type Option func(*options)

type options struct {
	cfg     *config.Config
	logger  *zap.Logger
	queue   queue.Queue
	archive lifecycle.ArchiveStore
	sinks   []lifecycle.Sink
}

// WithConfig sets the full configuration. Defaults to [config.DefaultConfig].
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithQueue injects a pre-built queue instead of the one the config
// would open. The hive takes ownership and closes it on Close.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithArchive sets the store that keeps terminal task snapshots. Without
// it tasks are forgotten once evicted from the active set.
func WithArchive(store lifecycle.ArchiveStore) Option {
	return func(o *options) { o.archive = store }
}

// WithSink adds an escalation delivery sink. May be given multiple times.
func WithSink(s lifecycle.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// Hive bundles one fully wired coordination stack. Components are
// exported so embedders can reach past the convenience methods when
// they need the full API of a part.
type Hive struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry  *registry.Registry
	Monitor   *health.Monitor
	Breakers  *fault.Set
	Outages   *fault.OutageDetector
	Balancer  *balancer.Balancer
	Queue     queue.Queue
	Protocol  *protocol.Client
	Lifecycle *lifecycle.Manager

	mu      sync.Mutex
	started bool
	closed  bool
}

// New assembles a hive from the given options. The result is inert
// until [Hive.Start] is called.
func New(opts ...Option) (*Hive, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(cfg.Registry, logger)
	monitor := health.New(cfg.Health, reg, logger)
	breakers := fault.NewSet(cfg.Fault, logger)
	outages := fault.NewOutageDetector(breakers, reg, logger)
	bal := balancer.New(cfg.Balancer, reg, breakers, logger)

	q := o.queue
	opened := q == nil
	if opened {
		var err error
		q, err = queue.Open(cfg.Queue, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
	}

	proto, err := protocol.NewClient(cfg.Protocol, logger)
	if err != nil {
		if opened {
			q.Close()
		}
		return nil, fmt.Errorf("create protocol client: %w", err)
	}

	mgr, err := lifecycle.New(cfg.Lifecycle, lifecycle.Deps{
		Queue:    q,
		Balancer: bal,
		Breakers: breakers,
		Protocol: proto,
		Monitor:  monitor,
		Outages:  outages,
		Archive:  o.archive,
		Fault:    cfg.Fault,
	}, logger)
	if err != nil {
		proto.Close()
		if opened {
			q.Close()
		}
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}
	for _, s := range o.sinks {
		mgr.AddSink(s)
	}

	return &Hive{
		cfg:       cfg,
		logger:    logger,
		Registry:  reg,
		Monitor:   monitor,
		Breakers:  breakers,
		Outages:   outages,
		Balancer:  bal,
		Queue:     q,
		Protocol:  proto,
		Lifecycle: mgr,
	}, nil
}

// Start brings the background loops up: registry sweeper, health
// monitor, outage detector, then the lifecycle dispatch workers. On
// error the hive is left partially started and should be closed.
func (h *Hive) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("agenthive: hive is closed")
	}
	if h.started {
		return nil
	}

	if err := h.Registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := h.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	if err := h.Outages.Start(ctx); err != nil {
		return fmt.Errorf("start outage detector: %w", err)
	}
	if err := h.Lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start lifecycle manager: %w", err)
	}

	h.started = true
	return nil
}

// Close tears the stack down in reverse dependency order. It is safe to
// call more than once and closes injected components too.
func (h *Hive) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	return errors.Join(
		h.Lifecycle.Close(),
		h.Protocol.Close(),
		h.Queue.Close(),
		h.Outages.Close(),
		h.Monitor.Close(),
		h.Registry.Close(),
	)
}

// Submit is shorthand for h.Lifecycle.Submit.
func (h *Hive) Submit(ctx context.Context, req lifecycle.SubmitRequest) (string, error) {
	return h.Lifecycle.Submit(ctx, req)
}

// Status is shorthand for h.Lifecycle.Status.
func (h *Hive) Status(ctx context.Context, taskID string) (types.TaskStatus, error) {
	return h.Lifecycle.Status(ctx, taskID)
}

// Cancel is shorthand for h.Lifecycle.Cancel.
func (h *Hive) Cancel(ctx context.Context, taskID string) error {
	return h.Lifecycle.Cancel(ctx, taskID)
}

// Escalations is shorthand for h.Lifecycle.Escalations.
func (h *Hive) Escalations() <-chan lifecycle.Escalation {
	return h.Lifecycle.Escalations()
}
