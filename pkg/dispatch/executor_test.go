package dispatch_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeagent/pkg/dispatch"
	"forgeagent/pkg/ipc"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
)

type fakeOrchestrationClient struct {
	finishCalls int32
	lastOutcome models.Outcome

	mu             sync.Mutex
	lastResult     models.Result
	lastBaseURL    string
	lastGetBaseURL string
}

func (f *fakeOrchestrationClient) Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error) {
	f.mu.Lock()
	f.lastBaseURL = baseURL
	f.mu.Unlock()
	return models.LeaseInfo{LockedUntil: time.Now().Add(time.Hour)}, nil
}

func (f *fakeOrchestrationClient) Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error {
	atomic.AddInt32(&f.finishCalls, 1)
	f.mu.Lock()
	f.lastOutcome = result.Outcome
	f.lastResult = result
	f.lastBaseURL = baseURL
	f.mu.Unlock()
	return nil
}

func (f *fakeOrchestrationClient) Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error) {
	f.mu.Lock()
	f.lastGetBaseURL = baseURL
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeOrchestrationClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}

func (f *fakeOrchestrationClient) SetConnectionTimeout(kind orchestration.ConnectionKind, timeout time.Duration) {
}

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

// fakeProcess exits with a fixed code once told to, or immediately when its
// context is canceled (simulating a killed process tree).
type fakeProcess struct {
	exitCode int
	exitCh   chan struct{}
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exitCh
	return p.exitCode, nil
}

func newJob() models.JobRequest {
	return models.JobRequest{
		JobID:     uuid.New(),
		RequestID: 1,
		Name:      "build",
		Plan:      models.Plan{Type: "build"},
		Endpoints: []models.Endpoint{{Name: "SystemVssConnection", URL: "https://example/", AccessToken: "tok"}},
	}
}

func newDeps(client orchestration.Client, spawn ipc.SpawnFunc, notify *fakeNotify, telemetry *fakeTelemetry) dispatch.Dependencies {
	return dispatch.Dependencies{
		Client:         client,
		Pool:           "default",
		Spawn:          spawn,
		ChannelTimeout: ipc.DefaultChannelTimeout,
		ExitCodes:      ipc.DefaultExitCodes,
		FeatureFlags:   fakeFlags{},
		Notify:         notify,
		Telemetry:      telemetry,
		Log:            zap.NewNop(),
	}
}

// immediateExitSpawn returns a spawn function whose worker exits with code
// as soon as it is spawned, draining whatever was written to outRead so the
// dispatcher's Send doesn't block on a full pipe.
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

// crashSpawnWithStdio simulates a worker that writes a few lines to its
// stdio streams before dying with an undefined exit code, the way a panicking
// worker binary would.
func crashSpawnWithStdio(code int, lines ...string) ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		p := &fakeProcess{exitCode: code, exitCh: make(chan struct{})}
		go func() {
			buf := make([]byte, 4096)
			_, _ = outRead.Read(buf)
			for _, line := range lines {
				stdio([]byte(line))
			}
			close(p.exitCh)
		}()
		return p, nil
	}
}

// cancelAwareSpawn exits 0 only once its worker-cancel context is canceled,
// simulating a long-running worker that is killed by the executor.
func cancelAwareSpawn() ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		p := &fakeProcess{exitCode: 0, exitCh: make(chan struct{})}
		go func() {
			buf := make([]byte, 4096)
			_, _ = outRead.Read(buf)
			<-ctx.Done()
			close(p.exitCh)
		}()
		return p, nil
	}
}

func TestExecutor_HappyPath(t *testing.T) {
	client := &fakeOrchestrationClient{}
	notify := &fakeNotify{}
	telemetry := &fakeTelemetry{}
	deps := newDeps(client, immediateExitSpawn(0), notify, telemetry)

	jc := dispatch.NewJobContext(context.Background(), newJob())
	exec := dispatch.NewExecutor(deps, dispatch.NewDispatchRegistry())

	err := exec.Run(context.Background(), jc, nil)
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}

	select {
	case <-jc.Done():
	default:
		t.Fatal("expected jc to be marked Done")
	}
	if jc.Outcome() != models.OutcomeSucceeded {
		t.Fatalf("expected Succeeded, got %v", jc.Outcome())
	}
	if atomic.LoadInt32(&client.finishCalls) != 1 {
		t.Fatalf("expected exactly one Finish call, got %d", client.finishCalls)
	}
	if atomic.LoadInt32(&notify.completed) != 1 {
		t.Fatalf("expected exactly one JobCompleted notification, got %d", notify.completed)
	}
}

func TestExecutor_WorkerCrashAttachesStdioAndEmitsTelemetry(t *testing.T) {
	client := &fakeOrchestrationClient{}
	notify := &fakeNotify{}
	telemetry := &fakeTelemetry{}
	deps := newDeps(client, crashSpawnWithStdio(137, "panic: nil pointer\n", "goroutine 1 [running]:\n"), notify, telemetry)

	jc := dispatch.NewJobContext(context.Background(), newJob())
	exec := dispatch.NewExecutor(deps, dispatch.NewDispatchRegistry())

	if err := exec.Run(context.Background(), jc, nil); err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}

	if jc.Outcome() != models.OutcomeFailed {
		t.Fatalf("expected Failed for undefined exit code, got %v", jc.Outcome())
	}
	if atomic.LoadInt32(&telemetry.published) == 0 {
		t.Fatal("expected a timeline/telemetry event on the crash path")
	}
	if !strings.Contains(client.lastResult.Detail, "panic: nil pointer") {
		t.Fatalf("expected crash report detail to embed captured stdio, got %q", client.lastResult.Detail)
	}
}

func TestExecutor_ExternalCancelKillsWorkerAndReportsCanceled(t *testing.T) {
	client := &fakeOrchestrationClient{}
	notify := &fakeNotify{}
	telemetry := &fakeTelemetry{}
	deps := newDeps(client, cancelAwareSpawn(), notify, telemetry)

	jc := dispatch.NewJobContext(context.Background(), newJob())
	exec := dispatch.NewExecutor(deps, dispatch.NewDispatchRegistry())

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background(), jc, nil) }()

	// Give the executor a moment to reach Running before canceling.
	time.Sleep(200 * time.Millisecond)
	jc.Cancel()
	jc.ScheduleKillDeadline(200 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected fatal error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finish after cancellation")
	}

	if jc.Outcome() != models.OutcomeCanceled {
		t.Fatalf("expected Canceled, got %v", jc.Outcome())
	}
	if atomic.LoadInt32(&client.finishCalls) != 1 {
		t.Fatalf("expected exactly one Finish call, got %d", client.finishCalls)
	}
}
