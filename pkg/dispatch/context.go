package dispatch

import (
	"context"
	"sync"
	"time"

	"forgeagent/pkg/models"
)

// JobContext owns the three cancellation signals and the metadata mailbox
// for one dispatch. job_cancel and kill_deadline are driven from outside
// (the dispatcher front-end); worker_cancel is driven only by the executor
// itself, as the design rule in §4.D requires.
type JobContext struct {
	Job      models.JobRequest
	Metadata *PendingMetadata

	jobCancelCtx context.Context
	jobCancel    context.CancelFunc

	killCtx    context.Context
	killCancel context.CancelFunc

	workerCtx    context.Context
	workerCancel context.CancelFunc

	killTimerMu sync.Mutex
	killTimer   *time.Timer

	doneCh  chan struct{}
	outcome models.Outcome

	workerExitedOnce sync.Once
	workerExitedCh   chan struct{}

	terminationReason TerminationReason
}

// NewJobContext derives all three signals from parent so a dispatcher-wide
// shutdown tears every live job down with it.
func NewJobContext(parent context.Context, job models.JobRequest) *JobContext {
	jobCtx, jobCancel := context.WithCancel(parent)
	killCtx, killCancel := context.WithCancel(parent)
	workerCtx, workerCancel := context.WithCancel(parent)
	return &JobContext{
		Job:          job,
		Metadata:     NewPendingMetadata(),
		jobCancelCtx: jobCtx,
		jobCancel:    jobCancel,
		killCtx:      killCtx,
		killCancel:   killCancel,
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
		doneCh:       make(chan struct{}),
		workerExitedCh: make(chan struct{}),
	}
}

// SetTerminationReason records which cancel-family message TerminatingGracefully
// should send when job_cancel fires for this context. Defaults to
// TerminationJobCancel (ordinary external cancel or lease loss).
func (jc *JobContext) SetTerminationReason(r TerminationReason) { jc.terminationReason = r }

// TerminationReason reports the reason recorded via SetTerminationReason.
func (jc *JobContext) TerminationReason() TerminationReason { return jc.terminationReason }

// MarkWorkerExited records that the worker process (if one was ever
// spawned) is no longer running. Safe to call multiple times or never spawn
// a worker at all — AwaitingPreviousJob's 45s grace window waits on this.
func (jc *JobContext) MarkWorkerExited() {
	jc.workerExitedOnce.Do(func() { close(jc.workerExitedCh) })
}

// WorkerExited is closed once MarkWorkerExited has been called.
func (jc *JobContext) WorkerExited() <-chan struct{} { return jc.workerExitedCh }

// Cancel fires job_cancel: the cooperative, graceful-cancel signal.
func (jc *JobContext) Cancel() { jc.jobCancel() }

// JobCancelDone is closed once job_cancel has fired.
func (jc *JobContext) JobCancelDone() <-chan struct{} { return jc.jobCancelCtx.Done() }

// ScheduleKillDeadline arranges for KillDeadlineDone to fire after d,
// replacing any previously scheduled timer — Cancel() may be called at most
// once logically but this keeps the primitive safe against repeated calls.
func (jc *JobContext) ScheduleKillDeadline(d time.Duration) {
	jc.killTimerMu.Lock()
	defer jc.killTimerMu.Unlock()
	if jc.killTimer != nil {
		jc.killTimer.Stop()
	}
	jc.killTimer = time.AfterFunc(d, jc.killCancel)
}

// ForceKillDeadline fires kill_deadline immediately, without waiting for a
// scheduled timer.
func (jc *JobContext) ForceKillDeadline() { jc.killCancel() }

// KillDeadlineDone is closed once kill_deadline has fired.
func (jc *JobContext) KillDeadlineDone() <-chan struct{} { return jc.killCtx.Done() }

// TriggerWorkerCancel fires worker_cancel: the executor-internal signal that
// actually tears down the child process tree.
func (jc *JobContext) TriggerWorkerCancel() { jc.workerCancel() }

// WorkerCancelCtx is handed to the process invoker so cancellation kills the
// worker's whole process group.
func (jc *JobContext) WorkerCancelCtx() context.Context { return jc.workerCtx }

// MarkDone records the final outcome and unblocks any Wait()/Wait(token)
// caller. Safe to call at most once per JobContext; the executor calls it
// exactly once, from the Done state.
func (jc *JobContext) MarkDone(outcome models.Outcome) {
	jc.outcome = outcome
	close(jc.doneCh)
}

// Done is closed when the executor reaches its Done state.
func (jc *JobContext) Done() <-chan struct{} { return jc.doneCh }

// Outcome is only meaningful after Done() has closed.
func (jc *JobContext) Outcome() models.Outcome { return jc.outcome }
