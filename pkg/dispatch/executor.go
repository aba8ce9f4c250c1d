package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/ipc"
	"forgeagent/pkg/lease"
	"forgeagent/pkg/logstore"
	"forgeagent/pkg/metrics"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
	"forgeagent/pkg/report"
)

// previousWorkerGrace is how long AwaitingPreviousJob waits for a superseded
// worker to exit once it has fired worker_cancel against it.
const previousWorkerGrace = 45 * time.Second

// Dependencies bundles every collaborator the executor needs injected —
// the OrchestrationClient, ProcessInvoker (via Spawn), feature flags,
// notifications, and telemetry consumed interfaces from §6.
type Dependencies struct {
	Client         orchestration.Client
	Pool           string
	Spawn          ipc.SpawnFunc
	ChannelTimeout time.Duration
	ExitCodes      ipc.ExitCodes
	FeatureFlags   FeatureFlagProvider
	Notify         NotificationSink
	Telemetry      TelemetryPublisher
	CrashLogs      logstore.Store
	Log            *zap.Logger
}

// Executor drives one job dispatch through the state machine in §4.D. It is
// single-use: construct one, call Run once, then discard it.
type Executor struct {
	deps     Dependencies
	reporter *report.Reporter
	registry *DispatchRegistry
}

func NewExecutor(deps Dependencies, registry *DispatchRegistry) *Executor {
	return &Executor{deps: deps, reporter: report.New(deps.Client, deps.Log), registry: registry}
}

// Run executes jc end-to-end. previous, if non-nil, is the still-registered
// context of a dispatch the server considers superseded; it is driven to
// completion (AwaitingPreviousJob) before jc's own work begins. Run returns
// a non-nil error for models.ErrProtocolViolation, for a failed status query
// on the previous request, and for a job payload that cannot be marshaled
// (each of these ends jc Abandoned) — every other terminal condition is
// folded into jc's Outcome instead of a returned error.
func (e *Executor) Run(ctx context.Context, jc *JobContext, previous *JobContext) error {
	log := e.deps.Log.With(zap.String("job_id", jc.Job.JobID.String()), zap.Int64("request_id", jc.Job.RequestID))

	dispatchStart := time.Now()
	metrics.ActiveDispatches.Inc()

	var finalResult models.Result
	finish := func(outcome models.Outcome, detail string) {
		finalResult = models.Result{
			JobID:      jc.Job.JobID,
			RequestID:  jc.Job.RequestID,
			Outcome:    outcome,
			Detail:     detail,
			FinishedAt: time.Now(),
		}
		jc.MarkDone(outcome)
		metrics.RecordOutcome(string(outcome), time.Since(dispatchStart).Seconds())
	}

	// The executor removes its own entry; the front-end never deletes from
	// the registry — so Cancel/MetadataUpdate against a finished job fail the
	// Lookup instead of silently resolving to a stale context.
	defer e.registry.Delete(jc.Job.JobID)
	defer metrics.ActiveDispatches.Dec()
	defer jc.MarkWorkerExited()
	defer func() { e.deps.Notify.JobCompleted(context.Background(), finalResult) }()

	if previous != nil {
		if err := e.awaitPrevious(ctx, previous, log); err != nil {
			finish(models.OutcomeAbandoned, "")
			return err
		}
	}

	// 2. AwaitingFirstRenewal.
	endpoint, ok := jc.Job.SystemConnection()
	if !ok {
		log.Error("job carries no usable system connection")
		finish(models.OutcomeAbandoned, "")
		return nil
	}
	_ = e.deps.Client.RefreshConnection(ctx, orchestration.SystemConnection, 30*time.Second)

	renewer := lease.New(e.deps.Client, log, endpoint.URL, e.deps.Pool, jc.Job.RequestID, endpoint.AccessToken)
	renewerStart := time.Now()
	renewerCtx, renewerCancel := context.WithCancel(ctx)
	renewerDone := make(chan struct{})
	go func() {
		renewer.Run(renewerCtx)
		close(renewerDone)
	}()
	stopRenewer := func() {
		renewerCancel()
		<-renewerDone
	}

	select {
	case <-renewer.FirstRenewalSucceeded:
		metrics.FirstRenewalDuration.Observe(time.Since(renewerStart).Seconds())
	case <-renewerDone:
		renewerCancel()
		log.Warn("first lease renewal never succeeded, job will not be started")
		finish(models.OutcomeAbandoned, "")
		return nil
	case <-jc.JobCancelDone():
		stopRenewer()
		e.reportSafely(ctx, jc, models.OutcomeCanceled, "", log)
		finish(models.OutcomeCanceled, "")
		return nil
	}

	e.deps.Notify.JobStarted(ctx, jc.Job)

	// 3. SendingJobPayload.
	channel, err := ipc.StartServer(jc.WorkerCancelCtx(), log, e.deps.Spawn)
	if err != nil {
		stopRenewer()
		log.Error("failed to spawn worker", zap.Error(err))
		finish(models.OutcomeAbandoned, "")
		return nil
	}

	payload, err := json.Marshal(jc.Job)
	if err != nil {
		jc.TriggerWorkerCancel()
		_, _ = channel.WaitExit(context.Background())
		stopRenewer()
		finish(models.OutcomeAbandoned, "")
		return fmt.Errorf("dispatch: marshal job payload: %w", err)
	}

	if err := channel.Send(ctx, ipc.MessageNewJobRequest, payload, e.deps.ChannelTimeout); err != nil {
		log.Warn("sending NewJobRequest failed, worker never started the job", zap.Error(err))
		jc.TriggerWorkerCancel()
		_, _ = channel.WaitExit(context.Background())
		stopRenewer()
		// The worker never started; nothing to report — the server will
		// observe lease expiration on its own.
		finish(models.OutcomeAbandoned, "")
		return nil
	}

	// 4. Running.
	var outcomeOnCancel models.Outcome
runLoop:
	for {
		select {
		case <-channel.ExitedChan():
			code, _ := channel.ExitResult()
			outcome, ok := e.deps.ExitCodes.Translate(code)
			stopRenewer()
			var detail string
			if !ok {
				metrics.WorkerCrashesTotal.Inc()
				detail = e.archiveCrashStdio(ctx, jc, channel.DrainStdio(), log)
				e.deps.Telemetry.Publish(ctx, TelemetryEvent{
					Name:       "worker_crash",
					JobID:      jc.Job.JobID,
					Attributes: map[string]string{"exit_code": strconv.Itoa(code)},
				})
			}
			e.reportSafely(ctx, jc, outcome, detail, log)
			finish(outcome, detail)
			return nil

		case <-renewerDone:
			outcomeOnCancel = models.OutcomeAbandoned
			break runLoop

		case <-jc.JobCancelDone():
			outcomeOnCancel = models.OutcomeCanceled
			break runLoop

		case <-jc.Metadata.Filled():
			body := jc.Metadata.Take()
			if err := channel.Send(ctx, ipc.MessageJobMetadataUpdate, body, e.deps.ChannelTimeout); err != nil {
				log.Warn("metadata update send failed", zap.Error(err))
			}
		}
	}
	stopRenewer()

	// 5. TerminatingGracefully.
	msgType := ipc.MessageCancelRequest
	switch jc.TerminationReason() {
	case TerminationAgentShutdown:
		msgType = ipc.MessageAgentShutdown
	case TerminationOperatingSystemShutdown:
		msgType = ipc.MessageOperatingSystemShutdown
	}
	if jc.TerminationReason() != TerminationJobCancel {
		if state, ferr := e.deps.FeatureFlags.Get(ctx, FailJobWhenAgentDiesFlag); ferr == nil && state == FlagStateOn {
			outcomeOnCancel = models.OutcomeFailed
			e.deps.Telemetry.Publish(ctx, TelemetryEvent{Name: "shutdown_forced_failure", JobID: jc.Job.JobID})
		}
	}
	if err := channel.Send(ctx, msgType, nil, e.deps.ChannelTimeout); err != nil {
		log.Warn("cancel-family send failed, forcing worker kill", zap.Error(err))
		jc.TriggerWorkerCancel()
	}

	// 6. WaitingForWorkerExit.
	select {
	case <-channel.ExitedChan():
	case <-jc.KillDeadlineDone():
		jc.TriggerWorkerCancel()
		<-channel.ExitedChan()
	}

	// 7. Reporting.
	e.reportSafely(ctx, jc, outcomeOnCancel, "", log)
	finish(outcomeOnCancel, "")
	return nil
}

// awaitPrevious implements step 1, AwaitingPreviousJob: drive a superseded
// dispatch to completion before this one is allowed to touch the worker
// binary, the server, or anything else shared across dispatches.
func (e *Executor) awaitPrevious(ctx context.Context, previous *JobContext, log *zap.Logger) error {
	select {
	case <-previous.WorkerExited():
		return nil
	default:
	}

	previousEndpoint, _ := previous.Job.SystemConnection()
	result, err := e.deps.Client.Get(ctx, previousEndpoint.URL, e.deps.Pool, previous.Job.RequestID)
	if err != nil {
		previous.TriggerWorkerCancel()
		e.awaitPreviousExit(previous)
		return fmt.Errorf("dispatch: query previous request status: %w", err)
	}
	if result == nil {
		// "Should never happen" per the design notes: the server claims the
		// previous request is still outstanding but returns no result when
		// queried, while local state says it has a new job. Fatal by design.
		return fmt.Errorf("%w: server returned no result for outstanding previous request", models.ErrProtocolViolation)
	}

	previous.TriggerWorkerCancel()
	if !e.awaitPreviousExit(previous) {
		return fmt.Errorf("%w: previous dispatch task cannot be canceled", models.ErrProtocolViolation)
	}
	log.Info("previous dispatch superseded and drained", zap.Int64("previous_request_id", previous.Job.RequestID))
	return nil
}

// archiveCrashStdio hands the drained crash buffer to the configured
// logstore, falling back to embedding the raw bytes in the report detail if
// no store is configured or the archive write itself fails — a reporting
// problem must never hide a crash from the server.
func (e *Executor) archiveCrashStdio(ctx context.Context, jc *JobContext, stdio []byte, log *zap.Logger) string {
	if e.deps.CrashLogs == nil {
		return string(stdio)
	}
	reference, err := e.deps.CrashLogs.Archive(ctx, jc.Job.JobID, stdio)
	if err != nil {
		log.Warn("failed to archive crash stdio, embedding raw buffer in report", zap.Error(err))
		return string(stdio)
	}
	return reference
}

func (e *Executor) awaitPreviousExit(previous *JobContext) bool {
	select {
	case <-previous.WorkerExited():
		return true
	case <-time.After(previousWorkerGrace):
		return false
	}
}

func (e *Executor) reportSafely(ctx context.Context, jc *JobContext, outcome models.Outcome, detail string, log *zap.Logger) {
	endpoint, _ := jc.Job.SystemConnection()
	result := models.Result{
		JobID:      jc.Job.JobID,
		RequestID:  jc.Job.RequestID,
		Outcome:    outcome,
		Detail:     detail,
		FinishedAt: time.Now(),
	}
	if err := e.reporter.Report(ctx, jc.Job.Plan, endpoint.URL, e.deps.Pool, jc.Job.RequestID, result); err != nil {
		log.Error("completion report failed after retries", zap.Error(err))
	}
	log.Info("JobCompleted",
		zap.Time("finished_at", result.FinishedAt),
		zap.String("name", jc.Job.Name),
		zap.String("result", string(outcome)))
}
