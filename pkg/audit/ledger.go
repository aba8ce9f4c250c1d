// Package audit is a write-only record of dispatch history: one row per
// job start and one row per terminal outcome, kept purely for operator
// forensics. It is never read back by the dispatch core to resume or
// reconcile state — the core's decisions always come from the
// orchestration server and the worker's own exit code, never from this
// ledger. Adapted from the teacher's postgres.PostgresStore connection and
// migration conventions, with the mutable job-scheduling schema replaced by
// two append-mostly tables.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forgeagent/pkg/models"
)

// StartedRecord is a row written when a dispatch begins.
type StartedRecord struct {
	JobID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID int64     `gorm:"index"`
	Name      string
	PlanType  string
	StartedAt time.Time
}

// OutcomeRecord is a row written when a dispatch reaches Done.
type OutcomeRecord struct {
	JobID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID  int64     `gorm:"index"`
	Outcome    string
	Detail     string
	FinishedAt time.Time
}

// Ledger wraps a GORM/Postgres connection scoped to the two audit tables.
type Ledger struct {
	db *gorm.DB
}

// NewLedger opens the connection and auto-migrates the audit schema.
func NewLedger(connString string) (*Ledger, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("audit: connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("audit: acquire sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&StartedRecord{}, &OutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("audit: schema migration failed: %w", err)
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordStarted satisfies notify.AuditRecorder.
func (l *Ledger) RecordStarted(ctx context.Context, job models.JobRequest) error {
	rec := StartedRecord{
		JobID:     job.JobID,
		RequestID: job.RequestID,
		Name:      job.Name,
		PlanType:  job.Plan.Type,
		StartedAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("audit: record job start: %w", err)
	}
	return nil
}

// RecordOutcome writes the terminal result of a dispatch.
func (l *Ledger) RecordOutcome(ctx context.Context, result models.Result) error {
	rec := OutcomeRecord{
		JobID:      result.JobID,
		RequestID:  result.RequestID,
		Outcome:    string(result.Outcome),
		Detail:     result.Detail,
		FinishedAt: result.FinishedAt,
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("audit: record outcome: %w", err)
	}
	return nil
}
