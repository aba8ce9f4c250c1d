// Package dispatch implements the job executor (component D) and the
// dispatcher front-end (component E): the state machine that owns one job
// dispatch end-to-end, and the thin, intentionally-not-thread-safe facade
// the message-queue loop drives it through.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"forgeagent/pkg/models"
)

// FeatureFlagState is the two-valued result of a feature flag lookup.
type FeatureFlagState string

const (
	FlagStateOn  FeatureFlagState = "On"
	FlagStateOff FeatureFlagState = "Off"
)

// FeatureFlagProvider is the consumed feature-flag collaborator (§6). Unlike
// models.Plan.Flags (per-job, carried in the job payload), flags read
// through this interface are agent-wide and can change between jobs.
type FeatureFlagProvider interface {
	Get(ctx context.Context, name string) (FeatureFlagState, error)
}

// FailJobWhenAgentDiesFlag is the agent-wide flag the executor checks during
// TerminatingGracefully when the termination reason is agent or operating
// system shutdown (any reason other than TerminationJobCancel).
const FailJobWhenAgentDiesFlag = "FailJobWhenAgentDies"

// NotificationSink is the consumed notification collaborator (§6): told when
// a job starts and, in a guaranteed-execute region, when it completes. The
// result handed to JobCompleted is the zero value if the executor exited
// before any outcome was decided.
type NotificationSink interface {
	JobStarted(ctx context.Context, job models.JobRequest)
	JobCompleted(ctx context.Context, result models.Result)
}

// TelemetryEvent is a single fact worth publishing to the telemetry
// collaborator: a shutdown-forced-failure, a timeline issue, and so on.
type TelemetryEvent struct {
	Name       string
	JobID      uuid.UUID
	Attributes map[string]string
}

// TelemetryPublisher is the consumed telemetry collaborator (§6). Failures
// publishing telemetry are an ancillary concern: logged and swallowed by the
// caller, never allowed to affect the dispatch outcome.
type TelemetryPublisher interface {
	Publish(ctx context.Context, event TelemetryEvent)
}

// TerminationReason distinguishes why TerminatingGracefully was entered, so
// the executor can pick the right cancel-family control message.
type TerminationReason int

const (
	// TerminationJobCancel means an external Cancel() call or renewer-driven
	// lease loss; the worker receives CancelRequest.
	TerminationJobCancel TerminationReason = iota
	// TerminationAgentShutdown means the agent process itself is shutting
	// down; the worker receives AgentShutdown.
	TerminationAgentShutdown
	// TerminationOperatingSystemShutdown means the host OS is shutting down;
	// the worker receives OperatingSystemShutdown.
	TerminationOperatingSystemShutdown
)
