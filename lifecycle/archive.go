package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agenthive/types"
)

// ArchiveStore persists terminal task snapshots. Tasks are archived, not
// deleted, so Status keeps answering after the active record is evicted.
type ArchiveStore interface {
	// Save upserts the snapshot; later writes for the same task win.
	Save(ctx context.Context, t *types.Task) error
	// Load returns the archived task or a NOT_FOUND error.
	Load(ctx context.Context, taskID string) (*types.Task, error)
	Close() error
}

// archiveRecord is the relational shape of an archived task. Variable
// shape fields travel as JSON text so one schema serves every driver.
type archiveRecord struct {
	TaskID              string    `gorm:"column:task_id;primaryKey;size:64"`
	Capability          string    `gorm:"column:capability;size:64;index"`
	Priority            string    `gorm:"column:priority;size:16"`
	Stage               string    `gorm:"column:stage;size:16;index"`
	PayloadRef          string    `gorm:"column:payload_ref;size:512"`
	Context             string    `gorm:"column:context;type:text"`
	ConfidenceThreshold float64   `gorm:"column:confidence_threshold"`
	ClinicallyCritical  bool      `gorm:"column:clinically_critical"`
	Attempts            int       `gorm:"column:attempts"`
	MaxAttempts         int       `gorm:"column:max_attempts"`
	AssignedAgent       string    `gorm:"column:assigned_agent;size:64"`
	ResultRef           string    `gorm:"column:result_ref;size:512"`
	Confidence          float64   `gorm:"column:confidence"`
	LastError           string    `gorm:"column:last_error;type:text"`
	EscalationReason    string    `gorm:"column:escalation_reason;size:32"`
	Trail               string    `gorm:"column:trail;type:text"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	DispatchedAt        time.Time `gorm:"column:dispatched_at"`
	Deadline            time.Time `gorm:"column:deadline"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
	ArchivedAt          time.Time `gorm:"column:archived_at"`
}

func (archiveRecord) TableName() string { return "task_archive" }

func toRecord(t *types.Task) (*archiveRecord, error) {
	trail, err := json.Marshal(t.Trail)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: encode trail: %w", err)
	}
	return &archiveRecord{
		TaskID:              t.ID,
		Capability:          string(t.Capability),
		Priority:            string(t.Priority),
		Stage:               string(t.Stage),
		PayloadRef:          t.PayloadRef,
		Context:             string(t.Context),
		ConfidenceThreshold: t.ConfidenceThreshold,
		ClinicallyCritical:  t.ClinicallyCritical,
		Attempts:            t.Attempts,
		MaxAttempts:         t.MaxAttempts,
		AssignedAgent:       t.AssignedAgent,
		ResultRef:           t.ResultRef,
		Confidence:          t.Confidence,
		LastError:           t.LastError,
		EscalationReason:    string(t.EscalationReason),
		Trail:               string(trail),
		CreatedAt:           t.CreatedAt,
		DispatchedAt:        t.DispatchedAt,
		Deadline:            t.Deadline,
		UpdatedAt:           t.UpdatedAt,
		ArchivedAt:          time.Now().UTC(),
	}, nil
}

func (r *archiveRecord) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:                  r.TaskID,
		Capability:          types.Capability(r.Capability),
		Priority:            types.Priority(r.Priority),
		Stage:               types.TaskStage(r.Stage),
		PayloadRef:          r.PayloadRef,
		ConfidenceThreshold: r.ConfidenceThreshold,
		ClinicallyCritical:  r.ClinicallyCritical,
		Attempts:            r.Attempts,
		MaxAttempts:         r.MaxAttempts,
		AssignedAgent:       r.AssignedAgent,
		ResultRef:           r.ResultRef,
		Confidence:          r.Confidence,
		LastError:           r.LastError,
		EscalationReason:    types.EscalationReason(r.EscalationReason),
		CreatedAt:           r.CreatedAt,
		DispatchedAt:        r.DispatchedAt,
		Deadline:            r.Deadline,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.Context != "" {
		t.Context = json.RawMessage(r.Context)
	}
	if r.Trail != "" {
		if err := json.Unmarshal([]byte(r.Trail), &t.Trail); err != nil {
			return nil, fmt.Errorf("lifecycle: decode trail: %w", err)
		}
	}
	return t, nil
}

// GormArchive stores archived tasks through GORM, so the archive follows
// whatever database the deployment already runs.
type GormArchive struct {
	db     *gorm.DB
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewGormArchive migrates the archive schema and returns the store.
func NewGormArchive(db *gorm.DB, logger *zap.Logger) (*GormArchive, error) {
	if db == nil {
		return nil, errors.New("lifecycle: archive db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&archiveRecord{}); err != nil {
		return nil, fmt.Errorf("lifecycle: migrate archive schema: %w", err)
	}
	return &GormArchive{
		db:     db,
		logger: logger.With(zap.String("component", "archive")),
		done:   make(chan struct{}),
	}, nil
}

// StartRetention launches a janitor that deletes archive rows older
// than maxAge. Archived tasks are kept forever when maxAge is zero;
// retention is an operator opt-in. Close stops the janitor.
func (a *GormArchive) StartRetention(maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true

	a.wg.Add(1)
	go a.retentionLoop(maxAge, interval)
	a.logger.Info("archive retention enabled",
		zap.Duration("max_age", maxAge),
		zap.Duration("interval", interval),
	)
}

func (a *GormArchive) retentionLoop(maxAge, interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.sweepRetention(maxAge)
		}
	}
}

func (a *GormArchive) sweepRetention(maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res := a.db.Where("archived_at < ?", cutoff).Delete(&archiveRecord{})
	if res.Error != nil {
		a.logger.Error("archive retention sweep failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		a.logger.Info("archive retention sweep",
			zap.Int64("deleted", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
}

func (a *GormArchive) Save(ctx context.Context, t *types.Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return err
	}
	err = a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("lifecycle: archive save: %w", err)
	}
	a.logger.Debug("task archived",
		zap.String("task_id", t.ID),
		zap.String("stage", string(t.Stage)),
	)
	return nil
}

func (a *GormArchive) Load(ctx context.Context, taskID string) (*types.Task, error) {
	var rec archiveRecord
	err := a.db.WithContext(ctx).First(&rec, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("lifecycle: task not archived: " + taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: archive load: %w", err)
	}
	return rec.toTask()
}

func (a *GormArchive) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
	a.mu.Unlock()
	a.wg.Wait()

	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
