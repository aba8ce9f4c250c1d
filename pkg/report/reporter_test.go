package report_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/models"
	"forgeagent/pkg/orchestration"
	"forgeagent/pkg/report"
)

type fakeClient struct {
	finishFunc func(n int) error
	calls      int32
}

func (f *fakeClient) Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error) {
	return models.LeaseInfo{}, nil
}

func (f *fakeClient) Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error {
	n := int(atomic.AddInt32(&f.calls, 1))
	return f.finishFunc(n)
}

func (f *fakeClient) Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error) {
	return nil, nil
}

func (f *fakeClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}

func (f *fakeClient) SetConnectionTimeout(kind orchestration.ConnectionKind, timeout time.Duration) {}

func TestReporter_SucceedsFirstTry(t *testing.T) {
	client := &fakeClient{finishFunc: func(n int) error { return nil }}
	r := report.New(client, zap.NewNop())

	err := r.Report(context.Background(), models.Plan{}, "https://example/", "default", 1, models.Result{Outcome: models.OutcomeSucceeded})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly one Finish call, got %d", client.calls)
	}
}

func TestReporter_SkipsWhenPlanAdvertisesJobCompletedEvent(t *testing.T) {
	client := &fakeClient{finishFunc: func(n int) error { return models.ErrTransient }}
	r := report.New(client, zap.NewNop())

	plan := models.Plan{Flags: []string{models.FlagJobCompletedPlanEvent}}
	err := r.Report(context.Background(), plan, "https://example/", "default", 1, models.Result{Outcome: models.OutcomeSucceeded})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected Finish never called, got %d calls", client.calls)
	}
}

func TestReporter_AbsorbsJobNotFound(t *testing.T) {
	client := &fakeClient{finishFunc: func(n int) error { return models.ErrJobNotFound }}
	r := report.New(client, zap.NewNop())

	err := r.Report(context.Background(), models.Plan{}, "https://example/", "default", 1, models.Result{})
	if err != nil {
		t.Fatalf("expected absorbed error, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected a single attempt before absorbing, got %d", client.calls)
	}
}

func TestReporter_AggregatesErrorsAfterExhaustion(t *testing.T) {
	client := &fakeClient{finishFunc: func(n int) error { return models.ErrTransient }}
	r := report.New(client, zap.NewNop())

	start := time.Now()
	err := r.Report(context.Background(), models.Plan{}, "https://example/", "default", 1, models.Result{})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an aggregate error after exhausting retries")
	}
	if client.calls != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", client.calls)
	}
	if elapsed < 4*5*time.Second {
		t.Fatalf("expected four 5s retry delays between attempts, elapsed only %v", elapsed)
	}
}
