// Package orchestration defines the consumed OrchestrationClient interface
// (§6) and a resilient reference implementation wrapping the teacher's
// circuit breaker around the transport.
package orchestration

import (
	"context"
	"time"

	"forgeagent/pkg/models"
)

// ConnectionKind names which of the job's endpoints a timeout/refresh call
// applies to (the dispatch core only ever deals with one: the system
// connection used for lease/report traffic).
type ConnectionKind string

const SystemConnection ConnectionKind = "system"

// Client is the OrchestrationClient consumed interface (§6): renew/finish/get
// against the server, plus connection-lifecycle hooks the lease renewer uses
// when it resets the transport after an error. baseURL is the job's own
// system connection URL (models.Endpoint.URL) — every call targets that
// server, not some agent-wide default.
type Client interface {
	// Renew refreshes the job lease. Returns models.ErrJobNotFound or
	// models.ErrJobTokenExpired when the job is gone, models.ErrTransient
	// for anything the caller should retry.
	Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error)

	// Finish reports the job's terminal result.
	Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error

	// Get queries the current status of a (possibly still-active) request.
	// A nil *models.Result with a nil error means the server has no result
	// yet — the distilled spec's "should never happen" case the executor
	// treats as models.ErrProtocolViolation.
	Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error)

	// RefreshConnection forcibly resets the underlying transport for kind,
	// used by the lease renewer after a retriable error.
	RefreshConnection(ctx context.Context, kind ConnectionKind, timeout time.Duration) error

	// SetConnectionTimeout adjusts the timeout used for kind's requests.
	SetConnectionTimeout(kind ConnectionKind, timeout time.Duration)
}
