package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RunRepository interface {
	Create(ctx context.Context, run *domain.ExplorationRun) error
	FindByID(ctx context.Context, id string) (*domain.ExplorationRun, error)
	ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.ExplorationRun, int64, error)
	MarkRunning(ctx context.Context, id string, deviceSerial string) error
	// Finish 写入最终状态与统计
	Finish(ctx context.Context, id string, status domain.RunStatus, steps, uniqueStates int, errMsg string) error
	ListStates(ctx context.Context, runID string) ([]*domain.StateRecord, error)
	ListTransitions(ctx context.Context, runID string) ([]*domain.TransitionRecord, error)
	ListJournal(ctx context.Context, runID string) ([]*domain.JournalRecord, error)
	// Store 绑定到一次运行的结果写入器
	Store(runID, taskName string) *RunStore
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{
		db:     db,
		logger: logger,
	}
}

func (r *runRepo) Create(ctx context.Context, run *domain.ExplorationRun) error {
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.ExplorationRun, error) {
	var run domain.ExplorationRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.ExplorationRun, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.ExplorationRun{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.ExplorationRun
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	return runs, total, err
}

func (r *runRepo) MarkRunning(ctx context.Context, id string, deviceSerial string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.ExplorationRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusRunning,
			"device_serial": deviceSerial,
			"started_at":    &now,
		}).Error
}

func (r *runRepo) Finish(ctx context.Context, id string, status domain.RunStatus, steps, uniqueStates int, errMsg string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&domain.ExplorationRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"steps":         steps,
			"unique_states": uniqueStates,
			"error_message": errMsg,
			"finished_at":   &now,
		}).Error
	if err != nil {
		r.logger.WithError(err).WithField("run_id", id).Error("Run update failed")
	}
	return err
}

func (r *runRepo) ListStates(ctx context.Context, runID string) ([]*domain.StateRecord, error) {
	var states []*domain.StateRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&states).Error
	return states, err
}

func (r *runRepo) ListTransitions(ctx context.Context, runID string) ([]*domain.TransitionRecord, error) {
	var transitions []*domain.TransitionRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&transitions).Error
	return transitions, err
}

func (r *runRepo) ListJournal(ctx context.Context, runID string) ([]*domain.JournalRecord, error) {
	var records []*domain.JournalRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step ASC").
		Find(&records).Error
	return records, err
}

func (r *runRepo) Store(runID, taskName string) *RunStore {
	return &RunStore{db: r.db, runID: runID, taskName: taskName}
}

// RunStore 单次运行的屏幕、跳转与决策记录写入
type RunStore struct {
	db       *gorm.DB
	runID    string
	taskName string

	mu   sync.Mutex
	step int
}

// SaveState 同一运行内重复的屏幕忽略
func (s *RunStore) SaveState(ctx context.Context, rec *domain.StateRecord) error {
	rec.RunID = s.runID
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
}

func (s *RunStore) SaveTransition(ctx context.Context, rec *domain.TransitionRecord) error {
	rec.RunID = s.runID
	return s.db.WithContext(ctx).Create(rec).Error
}

// Append 实现 journal.Sink
func (s *RunStore) Append(ctx context.Context, rec journal.Record) error {
	s.mu.Lock()
	step := s.step
	s.step++
	s.mu.Unlock()

	return s.db.WithContext(ctx).Create(&domain.JournalRecord{
		RunID:    s.runID,
		TaskName: s.taskName,
		Step:     step,
		State:    rec.State,
		Choice:   rec.Choice,
		Input:    rec.Input,
		StateStr: strings.Join(rec.StateStr, ","),
	}).Error
}
