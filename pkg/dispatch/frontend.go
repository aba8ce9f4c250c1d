package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeagent/pkg/models"
)

const (
	// graceDeadlinePadding is how much earlier kill_deadline fires than the
	// caller-supplied cancel timeout, leaving the reporter time to run.
	graceDeadlinePadding = 15 * time.Second
	minCancelTimeout     = 60 * time.Second
	// maxKillDelay caps the kill delay at 35,790 minutes, just under 2^31
	// milliseconds.
	maxKillDelay = 35790 * time.Minute

	waitInjectedGraceTimeout = 60 * time.Second

	// shutdownGraceTimeout is how long Shutdown gives the worker to react to
	// the AgentShutdown/OperatingSystemShutdown message before it is force
	// killed — short, since the agent process itself is already on its way
	// out and has no time to wait out a normal cancel grace window.
	shutdownGraceTimeout = 5 * time.Second
)

// Dispatcher is the front-end (component E): the facade the message-queue
// loop drives sequentially. It is intentionally not safe for concurrent use
// across Run/Cancel/MetadataUpdate/Wait/Shutdown — callers must serialize
// their own calls, exactly as the message-queue loop already does.
type Dispatcher struct {
	deps     Dependencies
	registry *DispatchRegistry
	rootCtx  context.Context

	queue   *JobContext // single-element "previous dispatch" slot
	current *JobContext

	fatalCh chan error

	runOnce         bool
	runOnceOnce     sync.Once
	runOnceComplete chan struct{}
}

func NewDispatcher(rootCtx context.Context, deps Dependencies) *Dispatcher {
	return &Dispatcher{
		deps:            deps,
		registry:        NewDispatchRegistry(),
		rootCtx:         rootCtx,
		fatalCh:         make(chan error, 1),
		runOnceComplete: make(chan struct{}),
	}
}

// FatalErrors surfaces the error Executor.Run returns — models.ErrProtocolViolation,
// a failed status query on the previous request, or a job payload that cannot
// be marshaled — from a dispatch that could not be resolved safely.
func (d *Dispatcher) FatalErrors() <-chan error { return d.fatalCh }

// RunOnceComplete closes after the first dispatch finishes when runOnce mode
// was requested on it.
func (d *Dispatcher) RunOnceComplete() <-chan struct{} { return d.runOnceComplete }

// Run accepts a new job, handing the executor whatever dispatch it
// supersedes (if any) so AwaitingPreviousJob can drain it first. In
// runOnce mode, the dispatcher signals RunOnceComplete when this dispatch
// reaches Done, success or failure alike.
func (d *Dispatcher) Run(job models.JobRequest, runOnce bool) {
	previous := d.queue

	jc := NewJobContext(d.rootCtx, job)
	d.registry.Store(jc)
	d.queue = jc
	d.current = jc

	if runOnce {
		d.runOnce = true
	}

	go func() {
		executor := NewExecutor(d.deps, d.registry)
		if err := executor.Run(context.Background(), jc, previous); err != nil {
			select {
			case d.fatalCh <- err:
			default:
			}
		}
		if runOnce {
			d.runOnceOnce.Do(func() { close(d.runOnceComplete) })
		}
	}()
}

// Cancel fires job_cancel for job_id and schedules kill_deadline to fire
// after max(timeout, 60s) - 15s, clamped to maxKillDelay. Returns false if
// job_id names no live dispatch.
func (d *Dispatcher) Cancel(jobID uuid.UUID, timeout time.Duration) bool {
	jc, ok := d.registry.Lookup(jobID)
	if !ok {
		return false
	}
	jc.Cancel()
	jc.ScheduleKillDeadline(killDelay(timeout))
	return true
}

func killDelay(timeout time.Duration) time.Duration {
	effective := timeout
	if effective < minCancelTimeout {
		effective = minCancelTimeout
	}
	delay := effective - graceDeadlinePadding
	if delay > maxKillDelay {
		delay = maxKillDelay
	}
	return delay
}

// MetadataUpdate fulfils job_id's pending-metadata slot. A no-op if the job
// is no longer registered.
func (d *Dispatcher) MetadataUpdate(jobID uuid.UUID, body []byte) {
	jc, ok := d.registry.Lookup(jobID)
	if !ok {
		return
	}
	jc.Metadata.Set(body)
}

// Wait awaits the currently-running executor. If token fires first, it
// injects a graceful cancel (equivalent to Cancel(current, 60s)) and awaits
// again. The executor removes itself from the registry as it finishes; Wait
// does not touch the registry.
func (d *Dispatcher) Wait(token context.Context) {
	jc := d.current
	if jc == nil {
		return
	}

	select {
	case <-jc.Done():
		return
	case <-token.Done():
	}

	jc.Cancel()
	jc.ScheduleKillDeadline(killDelay(waitInjectedGraceTimeout))
	<-jc.Done()
}

// Shutdown tears the current dispatch down for reason — TerminationAgentShutdown
// or TerminationOperatingSystemShutdown — recording it on the job context so
// TerminatingGracefully sends the matching cancel-family message and gives
// FailJobWhenAgentDies a chance to apply, instead of the ordinary
// TerminationJobCancel path a plain Cancel() takes. The worker gets
// shutdownGraceTimeout to react before the kill deadline forces a hard
// worker_cancel, since the agent process itself is already on its way out.
func (d *Dispatcher) Shutdown(reason TerminationReason) {
	jc := d.current
	if jc == nil {
		return
	}

	jc.SetTerminationReason(reason)
	jc.Cancel()
	jc.ScheduleKillDeadline(shutdownGraceTimeout)
	<-jc.Done()
}

// WaitUntilIdle blocks until no executor is running (or ctx is canceled).
func (d *Dispatcher) WaitUntilIdle(ctx context.Context) error {
	jc := d.current
	if jc == nil {
		return nil
	}
	select {
	case <-jc.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
