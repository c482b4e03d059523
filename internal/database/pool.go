package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agenthive/config"
)

// ErrPoolClosed is returned by pool operations after Close.
var ErrPoolClosed = errors.New("database: pool closed")

// ConnRecorder receives connection pool gauge updates. Satisfied by
// *metrics.Collector.
type ConnRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// Pool bounds the archive database's connection usage and pings it in
// the background. The ping loop refreshes the connection gauges when a
// recorder is attached.
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    config.DatabaseConfig
	rec    ConnRecorder
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPool applies cfg's connection limits to db and starts the health
// loop when a check interval is configured. rec may be nil.
func NewPool(db *gorm.DB, cfg config.DatabaseConfig, rec ConnRecorder, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: unwrap sql handle: %w", err)
	}

	def := config.DefaultDatabaseConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = def.ConnMaxIdleTime
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		cfg:    cfg,
		rec:    rec,
		logger: logger.With(zap.String("component", "db_pool")),
		done:   make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop(cfg.HealthCheckInterval)
	}

	p.logger.Info("database pool initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return p, nil
}

// DB returns the managed GORM handle.
func (p *Pool) DB() *gorm.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// Ping checks connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// PoolStats is a point-in-time view of the connection pool.
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// Stats reports the pool's current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
		MaxIdleClosed:      s.MaxIdleClosed,
		MaxLifetimeClosed:  s.MaxLifetimeClosed,
	}
}

// Close stops the health loop and closes the underlying connections.
// Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("closing database pool")
	return p.sqlDB.Close()
}

func (p *Pool) healthLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return
			}
			p.logger.Error("database health check failed", zap.Error(err))
			continue
		}

		s := p.sqlDB.Stats()
		if p.rec != nil {
			p.rec.RecordDBConnections(p.cfg.Driver, s.OpenConnections, s.Idle)
		}
		p.logger.Debug("database health check passed",
			zap.Int("open_connections", s.OpenConnections),
			zap.Int("in_use", s.InUse),
			zap.Int("idle", s.Idle),
		)
	}
}

// TransactionFunc runs inside a transaction. Returning an error rolls
// the transaction back.
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction runs fn in a single transaction.
func (p *Pool) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	db := p.db
	p.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry runs fn in a transaction, retrying transient
// failures with exponential backoff. Non-retryable errors and context
// cancellation return immediately.
func (p *Pool) WithTransactionRetry(ctx context.Context, maxRetries int, fn TransactionFunc) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := p.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		p.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("database: transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError reports whether a transaction is worth repeating:
// deadlocks, serialization failures (SQLSTATE 40001), lock timeouts,
// and dropped connections.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "deadlock"):
		return true
	case strings.Contains(msg, "serialization failure"), strings.Contains(msg, "40001"):
		return true
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"):
		return true
	case strings.Contains(msg, "lock timeout"), strings.Contains(msg, "lock wait timeout"):
		return true
	case strings.Contains(msg, "bad connection"):
		return true
	}
	return false
}
