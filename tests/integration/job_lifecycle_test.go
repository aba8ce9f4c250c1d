package integration

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"forgeagent/pkg/dispatch"
	"forgeagent/pkg/ipc"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
)

// fakeClient is a minimal orchestration.Client that never fails a renewal
// and records every Finish call, standing in for the orchestration server
// across the whole dispatcher, not just one executor run.
type fakeClient struct {
	finishCalls int32
	lastOutcome models.Outcome
}

func (f *fakeClient) Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error) {
	return models.LeaseInfo{LockedUntil: time.Now().Add(time.Hour)}, nil
}

func (f *fakeClient) Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error {
	atomic.AddInt32(&f.finishCalls, 1)
	f.lastOutcome = result.Outcome
	return nil
}

func (f *fakeClient) Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error) {
	return nil, nil
}

func (f *fakeClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}

func (f *fakeClient) SetConnectionTimeout(kind orchestration.ConnectionKind, timeout time.Duration) {}

type fakeFlags struct{}

func (fakeFlags) Get(ctx context.Context, name string) (dispatch.FeatureFlagState, error) {
	return dispatch.FlagStateOff, nil
}

type fakeNotify struct {
	started   int32
	completed int32
}

func (n *fakeNotify) JobStarted(ctx context.Context, job models.JobRequest) {
	atomic.AddInt32(&n.started, 1)
}
func (n *fakeNotify) JobCompleted(ctx context.Context, result models.Result) {
	atomic.AddInt32(&n.completed, 1)
}

type fakeTelemetry struct{ published int32 }

func (t *fakeTelemetry) Publish(ctx context.Context, event dispatch.TelemetryEvent) {
	atomic.AddInt32(&t.published, 1)
}

// fakeProcess exits with a fixed code once its exitCh fires; it does not
// watch its spawn context.
type fakeProcess struct {
	exitCode int
	exitCh   chan struct{}
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exitCh
	return p.exitCode, nil
}

// gracefulCancelSpawn simulates a worker that reads the initial
// NewJobRequest frame, keeps running, and exits as soon as it receives the
// next frame — the cancel-family message the executor sends once
// TerminatingGracefully begins — without waiting for a hard kill.
func gracefulCancelSpawn() ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		p := &fakeProcess{exitCode: 0, exitCh: make(chan struct{})}
		go func() {
			buf := make([]byte, 4096)
			_, _ = outRead.Read(buf) // NewJobRequest
			_, _ = outRead.Read(buf) // cancel-family frame
			close(p.exitCh)
		}()
		return p, nil
	}
}

// immediateExitSpawn simulates a worker that finishes the job and exits on
// its own, without waiting on any cancellation signal.
func immediateExitSpawn(code int) ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		p := &fakeProcess{exitCode: code, exitCh: make(chan struct{})}
		go func() {
			buf := make([]byte, 4096)
			_, _ = outRead.Read(buf)
			close(p.exitCh)
		}()
		return p, nil
	}
}

func newJob(name string) models.JobRequest {
	return models.JobRequest{
		JobID:     uuid.New(),
		RequestID: 1,
		Name:      name,
		Plan:      models.Plan{Type: "build"},
		Endpoints: []models.Endpoint{{Name: "SystemVssConnection", URL: "https://example/", AccessToken: "tok"}},
	}
}

// DispatchLifecycleSuite drives the full front-end (dispatch.Dispatcher)
// rather than the executor directly, exercising Run, Cancel, and
// WaitUntilIdle the way the message-queue poll loop in cmd/agent does.
type DispatchLifecycleSuite struct {
	suite.Suite
	client    *fakeClient
	notify    *fakeNotify
	telemetry *fakeTelemetry
}

func (s *DispatchLifecycleSuite) SetupTest() {
	s.client = &fakeClient{}
	s.notify = &fakeNotify{}
	s.telemetry = &fakeTelemetry{}
}

func (s *DispatchLifecycleSuite) deps(spawn ipc.SpawnFunc) dispatch.Dependencies {
	return dispatch.Dependencies{
		Client:         s.client,
		Pool:           "default",
		Spawn:          spawn,
		ChannelTimeout: ipc.DefaultChannelTimeout,
		ExitCodes:      ipc.DefaultExitCodes,
		FeatureFlags:   fakeFlags{},
		Notify:         s.notify,
		Telemetry:      s.telemetry,
		Log:            zap.NewNop(),
	}
}

// TestJobLifecycle runs a job end-to-end through the dispatcher and waits
// for it to reach a terminal outcome, the same path the poll loop in
// cmd/agent takes for every message it pops off the queue.
func (s *DispatchLifecycleSuite) TestJobLifecycle() {
	ctx := context.Background()
	dispatcher := dispatch.NewDispatcher(ctx, s.deps(immediateExitSpawn(0)))

	dispatcher.Run(newJob("integration-test-job"), true)

	select {
	case <-dispatcher.RunOnceComplete():
	case <-time.After(5 * time.Second):
		s.T().Fatal("dispatch did not complete")
	}

	require.Equal(s.T(), int32(1), atomic.LoadInt32(&s.client.finishCalls))
	assert.Equal(s.T(), models.OutcomeSucceeded, s.client.lastOutcome)
	assert.Equal(s.T(), int32(1), atomic.LoadInt32(&s.notify.completed))
}

// TestCancelDrainsWorkerAndReportsCanceled exercises Dispatcher.Cancel
// against a job whose worker only exits once asked to, verifying the
// graceful-cancel path runs end-to-end (the worker exits on the cancel frame,
// well before the scheduled kill deadline).
func (s *DispatchLifecycleSuite) TestCancelDrainsWorkerAndReportsCanceled() {
	ctx := context.Background()
	dispatcher := dispatch.NewDispatcher(ctx, s.deps(gracefulCancelSpawn()))

	job := newJob("long-running-job")
	dispatcher.Run(job, false)

	time.Sleep(200 * time.Millisecond)
	require.True(s.T(), dispatcher.Cancel(job.JobID, 200*time.Millisecond))

	require.NoError(s.T(), dispatcher.WaitUntilIdle(context.Background()))
	require.Equal(s.T(), int32(1), atomic.LoadInt32(&s.client.finishCalls))
	assert.Equal(s.T(), models.OutcomeCanceled, s.client.lastOutcome)
}

// TestConsecutiveJobsSupersedePreviousDispatch verifies that a second Run
// call drains the first dispatch through AwaitingPreviousJob before the new
// one's own lifecycle begins, mirroring how the server can hand the agent a
// fresher request while an older one is still outstanding. The first
// worker exits on its own well before the second job is submitted, so
// AwaitingPreviousJob takes its already-exited shortcut rather than
// querying the server for the superseded request's status.
func (s *DispatchLifecycleSuite) TestConsecutiveJobsSupersedePreviousDispatch() {
	ctx := context.Background()
	dispatcher := dispatch.NewDispatcher(ctx, s.deps(immediateExitSpawn(0)))

	first := newJob("superseded-job")
	dispatcher.Run(first, false)
	time.Sleep(200 * time.Millisecond)

	second := newJob("superseding-job")
	dispatcher.Run(second, true)

	select {
	case <-dispatcher.RunOnceComplete():
	case <-time.After(5 * time.Second):
		s.T().Fatal("superseding dispatch did not complete")
	}

	require.Equal(s.T(), int32(2), atomic.LoadInt32(&s.client.finishCalls))
}

func TestDispatchLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping dispatch lifecycle integration test in short mode")
	}
	suite.Run(t, new(DispatchLifecycleSuite))
}
