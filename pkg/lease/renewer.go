// Package lease runs the per-job lease-renewal loop (component B): keep the
// server-side lock on a job request alive for as long as the dispatcher owns
// it, signal the executor the moment the first renewal lands, and give up
// cleanly — never touching the job's outcome itself — when the lease can no
// longer be held.
package lease

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/metrics"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
)

const (
	steadyStateInterval = 60 * time.Second

	preSuccessAttempts = 5
	preSuccessMinDelay = 1 * time.Second
	preSuccessMaxDelay = 10 * time.Second

	postSuccessErrorThreshold = 5
	postSuccessMinDelayLow    = 5 * time.Second
	postSuccessMaxDelayLow    = 15 * time.Second
	postSuccessMinDelayHigh   = 15 * time.Second
	postSuccessMaxDelayHigh   = 30 * time.Second

	postSuccessGiveUpAfter = 5 * time.Minute

	errorConnectionTimeout = 30 * time.Second
	normalConnectionTimeout = 60 * time.Second
)

// Renewer owns the renewal loop for a single job request. It is one-shot:
// construct one per job, call Run once, then discard it.
type Renewer struct {
	client    orchestration.Client
	log       *zap.Logger
	baseURL   string
	pool      string
	requestID int64
	token     string

	// FirstRenewalSucceeded closes exactly once, the first time a renewal
	// call returns successfully. Callers select on this to gate whether the
	// job is allowed to start.
	FirstRenewalSucceeded chan struct{}
	firstSuccessOnce      sync.Once
}

func New(client orchestration.Client, log *zap.Logger, baseURL, pool string, requestID int64, token string) *Renewer {
	return &Renewer{
		client:                client,
		log:                   log.With(zap.Int64("request_id", requestID)),
		baseURL:               baseURL,
		pool:                  pool,
		requestID:             requestID,
		token:                 token,
		FirstRenewalSucceeded: make(chan struct{}),
	}
}

func (r *Renewer) signalFirstSuccess() {
	r.firstSuccessOnce.Do(func() { close(r.FirstRenewalSucceeded) })
}

// Run drives the renewal loop until ctx is canceled or the lease can no
// longer be sustained. It never returns an error the caller must act on:
// any return (other than via ctx cancellation) means the executor should
// treat the job as having lost its lease.
func (r *Renewer) Run(ctx context.Context) {
	if err := orchestration.CheckTokenExpiry(r.token); err != nil {
		r.log.Warn("system connection token already expired, skipping renewal entirely", zap.Error(err))
		return
	}

	firstSuccess := false
	errorCount := 0
	var lockedUntil time.Time

	for {
		info, err := r.client.Renew(ctx, r.baseURL, r.pool, r.requestID, r.token)
		if err == nil {
			metrics.RecordRenewal("success")
			r.client.SetConnectionTimeout(orchestration.SystemConnection, normalConnectionTimeout)
			lockedUntil = info.LockedUntil
			errorCount = 0
			if !firstSuccess {
				firstSuccess = true
				r.signalFirstSuccess()
			}
			if !r.sleep(ctx, steadyStateInterval) {
				return
			}
			continue
		}

		if errors.Is(err, models.ErrJobNotFound) {
			metrics.RecordRenewal("not_found")
			r.log.Info("lease renewal stopped: job is gone", zap.Error(err))
			return
		}
		if errors.Is(err, models.ErrJobTokenExpired) {
			metrics.RecordRenewal("token_expired")
			r.log.Info("lease renewal stopped: job is gone", zap.Error(err))
			return
		}

		metrics.RecordRenewal("transient_error")
		errorCount++
		r.log.Warn("lease renewal failed, retrying", zap.Error(err), zap.Int("error_count", errorCount))
		_ = r.client.RefreshConnection(ctx, orchestration.SystemConnection, errorConnectionTimeout)
		r.client.SetConnectionTimeout(orchestration.SystemConnection, errorConnectionTimeout)

		if !firstSuccess {
			if errorCount >= preSuccessAttempts {
				r.log.Error("lease renewal exhausted retries before first success, job will not start")
				return
			}
			if !r.sleep(ctx, randomBetween(preSuccessMinDelay, preSuccessMaxDelay)) {
				return
			}
			continue
		}

		if !lockedUntil.IsZero() && time.Now().After(lockedUntil.Add(postSuccessGiveUpAfter)) {
			r.log.Error("lease renewal exhausted retry window, lease lost")
			return
		}

		delay := randomBetween(postSuccessMinDelayLow, postSuccessMaxDelayLow)
		if errorCount > postSuccessErrorThreshold {
			delay = randomBetween(postSuccessMinDelayHigh, postSuccessMaxDelayHigh)
		}
		if !r.sleep(ctx, delay) {
			return
		}
	}
}

// sleep waits for d or returns false promptly if ctx is canceled first.
func (r *Renewer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
