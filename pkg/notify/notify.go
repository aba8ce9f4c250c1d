// Package notify provides a reference NotificationSink: it logs
// job-started/job-completed events and forwards a durable copy of each
// completion to the audit ledger collaborator, in the same spirit as the
// teacher's metrics.RecordExecution side-effect-on-completion pattern.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeagent/pkg/models"
)

// AuditRecorder is the narrow slice of the audit ledger this sink needs —
// kept separate from the full pkg/audit.Ledger type so notify doesn't need
// to import gorm just to log a job start or outcome.
type AuditRecorder interface {
	RecordStarted(ctx context.Context, job models.JobRequest) error
	RecordOutcome(ctx context.Context, result models.Result) error
}

// Sink is the reference NotificationSink (§6): structured-log every
// lifecycle event and hand job starts to the audit ledger.
type Sink struct {
	log    *zap.Logger
	ledger AuditRecorder
}

func NewSink(log *zap.Logger, ledger AuditRecorder) *Sink {
	return &Sink{log: log, ledger: ledger}
}

func (s *Sink) JobStarted(ctx context.Context, job models.JobRequest) {
	s.log.Info("job started",
		zap.String("job_id", job.JobID.String()),
		zap.Int64("request_id", job.RequestID),
		zap.String("name", job.Name))

	if s.ledger == nil {
		return
	}
	if err := s.ledger.RecordStarted(ctx, job); err != nil {
		s.log.Warn("failed to record job start in audit ledger", zap.Error(err))
	}
}

func (s *Sink) JobCompleted(ctx context.Context, result models.Result) {
	s.log.Info("job completed notification fired",
		zap.String("job_id", result.JobID.String()),
		zap.String("outcome", string(result.Outcome)))

	if s.ledger == nil || result.JobID == uuid.Nil {
		return
	}
	if err := s.ledger.RecordOutcome(ctx, result); err != nil {
		s.log.Warn("failed to record outcome in audit ledger", zap.Error(err))
	}
}
