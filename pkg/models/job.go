package models

import (
	"time"

	"github.com/google/uuid"
)

// Endpoint describes one system connection a job was handed: a base URL plus
// the bearer token the orchestration client authenticates with.
type Endpoint struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// Plan describes the kind of work a job carries and the feature flags that
// change how the dispatch core treats it. It is opaque payload as far as the
// core is concerned except for FlagJobCompletedPlanEvent, which the
// completion reporter reads.
type Plan struct {
	Type    string   `json:"type"`
	Version string   `json:"version"`
	Flags   []string `json:"flags"`
}

// HasFlag reports whether the named feature flag is present on the plan.
func (p Plan) HasFlag(name string) bool {
	for _, f := range p.Flags {
		if f == name {
			return true
		}
	}
	return false
}

const (
	// FlagJobCompletedPlanEvent means the worker itself emits the terminal
	// event; the completion reporter must not report a second time.
	FlagJobCompletedPlanEvent = "JobCompletedPlanEvent"
	// FlagFailJobWhenAgentDies names the flag that overrides the outcome to
	// Failed, instead of Canceled, when the agent is shutting down mid-job.
	// The executor reads it through the agent-wide FeatureFlagProvider
	// (dispatch.FailJobWhenAgentDiesFlag), not from Plan.Flags.
	FlagFailJobWhenAgentDies = "FailJobWhenAgentDies"
)

// JobRequest is the immutable message that kicks off one dispatch. Nothing
// in the dispatch core mutates a JobRequest after NewExecutor receives it.
type JobRequest struct {
	JobID     uuid.UUID         `json:"job_id"`
	RequestID int64             `json:"request_id"`
	Name      string            `json:"name"`
	Plan      Plan              `json:"plan"`
	Variables map[string]string `json:"variables"`
	Endpoints []Endpoint        `json:"endpoints"`
}

// SystemConnection returns the endpoint the orchestration client should use
// to renew the lease and report results for this job: the endpoint named
// "SystemVssConnection" by convention, or the first endpoint if that name is
// absent.
func (j *JobRequest) SystemConnection() (Endpoint, bool) {
	for _, ep := range j.Endpoints {
		if ep.Name == "SystemVssConnection" {
			return ep, true
		}
	}
	if len(j.Endpoints) > 0 {
		return j.Endpoints[0], true
	}
	return Endpoint{}, false
}

// Outcome is the terminal classification of one dispatch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeCanceled  Outcome = "Canceled"
	OutcomeAbandoned Outcome = "Abandoned"
)

// Result is what the completion reporter sends to the server: the decided
// outcome plus any detail worth recording (a crash stdio reference, the
// reason a job was abandoned, and so on).
type Result struct {
	JobID      uuid.UUID `json:"job_id"`
	RequestID  int64     `json:"request_id"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// LeaseInfo is returned by a successful renewal.
type LeaseInfo struct {
	LockedUntil time.Time
}
