package dispatch

import (
	"context"
	"encoding/binary"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeagent/pkg/ipc"
	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
)

func TestKillDelay_ZeroTimeoutClampsToSixtySecondFloor(t *testing.T) {
	got := killDelay(0)
	want := 45 * time.Second
	if got != want {
		t.Fatalf("killDelay(0) = %v, want %v", got, want)
	}
}

func TestKillDelay_HugeTimeoutClampsToMaxDelay(t *testing.T) {
	got := killDelay(10_000_000 * time.Minute)
	if got != maxKillDelay {
		t.Fatalf("killDelay(huge) = %v, want %v", got, maxKillDelay)
	}
}

func TestKillDelay_OrdinaryTimeoutPassesThroughWithPadding(t *testing.T) {
	got := killDelay(90 * time.Second)
	want := 75 * time.Second
	if got != want {
		t.Fatalf("killDelay(90s) = %v, want %v", got, want)
	}
}

type shutdownTestClient struct {
	lastOutcome models.Outcome
	finishCalls int32
}

func (c *shutdownTestClient) Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error) {
	return models.LeaseInfo{LockedUntil: time.Now().Add(time.Hour)}, nil
}
func (c *shutdownTestClient) Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error {
	atomic.AddInt32(&c.finishCalls, 1)
	c.lastOutcome = result.Outcome
	return nil
}
func (c *shutdownTestClient) Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error) {
	return nil, nil
}
func (c *shutdownTestClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}
func (c *shutdownTestClient) SetConnectionTimeout(kind orchestration.ConnectionKind, timeout time.Duration) {
}

// onFlag reports FlagStateOn for exactly one flag name, Off for everything
// else.
type onFlag struct{ name string }

func (f onFlag) Get(ctx context.Context, name string) (FeatureFlagState, error) {
	if name == f.name {
		return FlagStateOn, nil
	}
	return FlagStateOff, nil
}

type noopNotify struct{}

func (noopNotify) JobStarted(ctx context.Context, job models.JobRequest)  {}
func (noopNotify) JobCompleted(ctx context.Context, result models.Result) {}

type noopTelemetry struct{}

func (noopTelemetry) Publish(ctx context.Context, event TelemetryEvent) {}

type shutdownFakeProcess struct{ exitCh chan struct{} }

func (p *shutdownFakeProcess) Wait() (int, error) {
	<-p.exitCh
	return 0, nil
}

// shutdownSpawnRecorder simulates a worker that exits only once it receives
// the cancel-family frame following NewJobRequest, recording the message
// type byte it saw so the test can tell AgentShutdown apart from an ordinary
// CancelRequest.
type shutdownSpawnRecorder struct {
	gotMsgType int32
}

func (r *shutdownSpawnRecorder) spawn() ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		p := &shutdownFakeProcess{exitCh: make(chan struct{})}
		go func() {
			buf := make([]byte, 4096)
			_, _ = outRead.Read(buf) // NewJobRequest

			n, _ := outRead.Read(buf) // cancel-family frame: [len][type]
			if n >= 8 {
				atomic.StoreInt32(&r.gotMsgType, int32(binary.BigEndian.Uint32(buf[4:8])))
			}
			close(p.exitCh)
		}()
		return p, nil
	}
}

// TestDispatcherShutdown_RecordsReasonAndOverridesOutcomeWithFlag verifies
// that Shutdown(TerminationAgentShutdown) both drives the worker through the
// AgentShutdown cancel-family message (not the plain CancelRequest a
// Cancel() call would send) and, with FailJobWhenAgentDies on, reports the
// job Failed rather than Canceled.
func TestDispatcherShutdown_RecordsReasonAndOverridesOutcomeWithFlag(t *testing.T) {
	client := &shutdownTestClient{}
	recorder := &shutdownSpawnRecorder{}

	deps := Dependencies{
		Client:         client,
		Pool:           "default",
		Spawn:          recorder.spawn(),
		ChannelTimeout: ipc.DefaultChannelTimeout,
		ExitCodes:      ipc.DefaultExitCodes,
		FeatureFlags:   onFlag{name: FailJobWhenAgentDiesFlag},
		Notify:         noopNotify{},
		Telemetry:      noopTelemetry{},
		Log:            zap.NewNop(),
	}

	dispatcher := NewDispatcher(context.Background(), deps)
	job := models.JobRequest{
		JobID:     uuid.New(),
		RequestID: 1,
		Plan:      models.Plan{Type: "build"},
		Endpoints: []models.Endpoint{{Name: "SystemVssConnection", URL: "https://example/", AccessToken: "tok"}},
	}
	dispatcher.Run(job, false)
	time.Sleep(200 * time.Millisecond)

	dispatcher.Shutdown(TerminationAgentShutdown)

	if got := ipc.MessageType(atomic.LoadInt32(&recorder.gotMsgType)); got != ipc.MessageAgentShutdown {
		t.Fatalf("expected worker to receive MessageAgentShutdown, got %v", got)
	}
	if client.lastOutcome != models.OutcomeFailed {
		t.Fatalf("expected FailJobWhenAgentDies to override outcome to Failed, got %v", client.lastOutcome)
	}
	if _, ok := dispatcher.registry.Lookup(job.JobID); ok {
		t.Fatal("expected the executor to remove its own entry from the registry on exit")
	}
}
