package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/models"
	"forgeagent/pkg/resilience"
)

// HTTPClient is the reference Client implementation: a plain net/http
// transport per connection kind, each wrapped in its own circuit breaker so
// a flapping server stops being hammered by the renewer's retry loop.
type HTTPClient struct {
	log *zap.Logger

	mu        sync.RWMutex
	timeouts  map[ConnectionKind]time.Duration
	breakers  map[ConnectionKind]*resilience.CircuitBreaker
	transport map[ConnectionKind]*http.Client
}

func NewHTTPClient(log *zap.Logger) *HTTPClient {
	c := &HTTPClient{
		log:       log,
		timeouts:  make(map[ConnectionKind]time.Duration),
		breakers:  make(map[ConnectionKind]*resilience.CircuitBreaker),
		transport: make(map[ConnectionKind]*http.Client),
	}
	c.SetConnectionTimeout(SystemConnection, 60*time.Second)
	return c
}

func (c *HTTPClient) clientFor(kind ConnectionKind) *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport[kind]
}

func (c *HTTPClient) breakerFor(kind ConnectionKind) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[kind]
	if !ok {
		cb = resilience.NewCircuitBreaker(string(kind), resilience.DefaultCircuitBreakerConfig())
		c.breakers[kind] = cb
	}
	return cb
}

// SetConnectionTimeout rebuilds the transport for kind with the given
// timeout. Called by the lease renewer to drop to 30s on error and raise
// back to 60s on recovery.
func (c *HTTPClient) SetConnectionTimeout(kind ConnectionKind, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts[kind] = timeout
	c.transport[kind] = &http.Client{Timeout: timeout}
}

// RefreshConnection forcibly replaces the transport for kind, used by the
// lease renewer after a retriable error so a wedged TCP connection is never
// reused.
func (c *HTTPClient) RefreshConnection(ctx context.Context, kind ConnectionKind, timeout time.Duration) error {
	c.SetConnectionTimeout(kind, timeout)
	return nil
}

type renewRequest struct {
	RequestID int64 `json:"request_id"`
}

type renewResponse struct {
	LockedUntil time.Time `json:"locked_until"`
}

// requestURL joins baseURL (the job's system connection URL) with the
// dispatch-v1 request path, per §3's "system connection (URL + access
// token)" data model — callers never reuse the pool name as a host.
func requestURL(baseURL, pool string, requestID int64, suffix string) string {
	return fmt.Sprintf("%s/dispatch/v1/pools/%s/requests/%d%s", strings.TrimRight(baseURL, "/"), pool, requestID, suffix)
}

// Renew calls the server's lease-extend endpoint.
func (c *HTTPClient) Renew(ctx context.Context, baseURL, pool string, requestID int64, token string) (models.LeaseInfo, error) {
	url := requestURL(baseURL, pool, requestID, "")
	var resp renewResponse
	err := c.do(ctx, SystemConnection, http.MethodPatch, url, token, renewRequest{RequestID: requestID}, &resp)
	if err != nil {
		return models.LeaseInfo{}, err
	}
	return models.LeaseInfo{LockedUntil: resp.LockedUntil}, nil
}

// Finish calls the server's finish-request endpoint.
func (c *HTTPClient) Finish(ctx context.Context, baseURL, pool string, requestID int64, result models.Result) error {
	url := requestURL(baseURL, pool, requestID, "/finish")
	return c.do(ctx, SystemConnection, http.MethodPost, url, "", result, nil)
}

// Get queries the current status of a request.
func (c *HTTPClient) Get(ctx context.Context, baseURL, pool string, requestID int64) (*models.Result, error) {
	url := requestURL(baseURL, pool, requestID, "")
	var resp struct {
		Result *models.Result `json:"result"`
	}
	if err := c.do(ctx, SystemConnection, http.MethodGet, url, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *HTTPClient) do(ctx context.Context, kind ConnectionKind, method, url, token string, body, out interface{}) error {
	cb := c.breakerFor(kind)
	return cb.Execute(ctx, func() error {
		return c.doOnce(ctx, kind, method, url, token, body, out)
	})
}

func (c *HTTPClient) doOnce(ctx context.Context, kind ConnectionKind, method, url, token string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestration: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("orchestration: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.clientFor(kind)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return models.ErrJobNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrJobTokenExpired
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", models.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestration: server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	decoded := json.NewDecoder(resp.Body)
	if err := decoded.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("orchestration: decode response: %w", err)
	}
	return nil
}
