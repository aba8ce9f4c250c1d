// Package report implements the completion reporter (component C): a single
// best-effort call to the orchestration server's finish-request endpoint,
// retried on transient failure and silently skipped where the job's own
// protocol already makes a report redundant or impossible.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/metrics"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
)

const (
	maxAttempts = 5
	retryDelay  = 5 * time.Second
)

// Reporter wraps an orchestration.Client with the finish-request retry
// envelope.
type Reporter struct {
	client orchestration.Client
	log    *zap.Logger
}

func New(client orchestration.Client, log *zap.Logger) *Reporter {
	return &Reporter{client: client, log: log}
}

// Report calls Finish, retrying up to maxAttempts times with a fixed delay
// on any error other than ErrJobNotFound/ErrJobTokenExpired, both of which
// are absorbed silently — the server already considers the job terminal.
//
// If plan advertises models.FlagJobCompletedPlanEvent, reporting is skipped
// entirely: the worker has already emitted the terminal event itself, and a
// second report would be a protocol violation from the server's point of
// view. baseURL is the job's own system connection URL.
func (r *Reporter) Report(ctx context.Context, plan models.Plan, baseURL, pool string, requestID int64, result models.Result) error {
	if plan.HasFlag(models.FlagJobCompletedPlanEvent) {
		r.log.Debug("skipping completion report: plan advertises JobCompletedPlanEvent",
			zap.Int64("request_id", requestID))
		return nil
	}

	var errs []error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.client.Finish(ctx, baseURL, pool, requestID, result)
		if err == nil {
			metrics.ReportAttempts.Observe(float64(attempt))
			return nil
		}
		if errors.Is(err, models.ErrJobNotFound) || errors.Is(err, models.ErrJobTokenExpired) {
			r.log.Debug("completion report absorbed: server already considers job terminal",
				zap.Int64("request_id", requestID), zap.Error(err))
			metrics.ReportAttempts.Observe(float64(attempt))
			return nil
		}

		errs = append(errs, err)
		r.log.Warn("completion report attempt failed",
			zap.Int64("request_id", requestID), zap.Int("attempt", attempt), zap.Error(err))

		if attempt == maxAttempts {
			break
		}
		if !sleep(ctx, retryDelay) {
			errs = append(errs, ctx.Err())
			break
		}
	}

	metrics.ReportAttempts.Observe(float64(maxAttempts))
	metrics.ReportFailuresTotal.Inc()
	return fmt.Errorf("report: exhausted %d attempts: %w", maxAttempts, errors.Join(errs...))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
