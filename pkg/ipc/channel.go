package ipc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeagent/pkg/metrics"
	"forgeagent/pkg/models"
)

// DefaultChannelTimeout and the clamp bounds come from the VSTS_AGENT_CHANNEL_TIMEOUT
// environment override (configs.Load clamps into this range before it
// ever reaches here; these constants are the authoritative bounds).
const (
	DefaultChannelTimeout = 30 * time.Second
	MinChannelTimeout     = 30 * time.Second
	MaxChannelTimeout     = 300 * time.Second
)

// ClampChannelTimeout enforces [MinChannelTimeout, MaxChannelTimeout].
func ClampChannelTimeout(d time.Duration) time.Duration {
	if d < MinChannelTimeout {
		return MinChannelTimeout
	}
	if d > MaxChannelTimeout {
		return MaxChannelTimeout
	}
	return d
}

// ProcessHandle is the minimal surface the channel needs from a spawned
// worker process: something it can wait on for an exit code.
type ProcessHandle interface {
	Wait() (exitCode int, err error)
}

// StdioSink receives captured worker stdout/stderr bytes as they arrive.
// The spawn callback is expected to wire both streams into it (interleaved,
// in arrival order) so the crash path has something to attach.
type StdioSink func(b []byte)

// SpawnFunc launches the worker child, given the pipe ends that belong to
// the child (outRead is where the worker reads NewJobRequest/cancel
// messages from; inWrite is where the worker writes frames back to the
// dispatcher). The callback is expected to pass both as extra file
// descriptors to the child and include their descriptor numbers in argv per
// the "spawnclient <out_pipe_handle> <in_pipe_handle>" convention, and to
// feed the worker's stdout/stderr into stdio.
type SpawnFunc func(ctx context.Context, outRead, inWrite *os.File, stdio StdioSink) (ProcessHandle, error)

// Channel is the bidirectional control pipe to one worker process. It
// implements component A of the dispatch core: start the worker, send it
// typed frames, and surface its exit.
type Channel struct {
	log *zap.Logger

	writeSide *os.File // dispatcher writes NewJobRequest/etc here
	readSide  *os.File // dispatcher reads frames the worker sends here (unused by this worker's protocol, reserved for symmetry/future use)

	proc ProcessHandle

	writeMu sync.Mutex

	exitOnce sync.Once
	exitCh   chan struct{}
	exitCode int
	exitErr  error

	stdioMu  sync.Mutex
	stdioBuf bytes.Buffer
	stdioCap int
}

// maxCapturedStdio bounds the crash-path stdio buffer so a worker that
// floods stderr before crashing cannot balloon agent memory.
const maxCapturedStdio = 10 * 1024 * 1024

// StartServer creates the anonymous pipe pair and invokes spawn with the
// child's ends of each pipe, matching the PipeChannelService consumed
// interface (§6): "creates two anonymous pipes and invokes the callback with
// their handles, returning a duplex message channel."
func StartServer(ctx context.Context, log *zap.Logger, spawn SpawnFunc) (*Channel, error) {
	// outR/outW: dispatcher -> worker. Worker reads outR (passed as a pipe
	// handle in argv); the dispatcher keeps outW to Send() on.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: create outbound pipe: %w", err)
	}
	// inR/inW: worker -> dispatcher. Worker writes inW (passed in argv); the
	// dispatcher keeps inR for future bidirectional use.
	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("ipc: create inbound pipe: %w", err)
	}

	ch := &Channel{
		log:       log,
		writeSide: outW,
		readSide:  inR,
		exitCh:    make(chan struct{}),
		stdioCap:  maxCapturedStdio,
	}

	proc, err := spawn(ctx, outR, inW, ch.AppendStdio)
	// The child has its own duplicated descriptors now (ExtraFiles dup2s
	// them); close the parent's copies of the child-side ends.
	outR.Close()
	inW.Close()
	if err != nil {
		outW.Close()
		inR.Close()
		return nil, fmt.Errorf("ipc: spawn worker: %w", err)
	}

	ch.proc = proc
	go ch.waitLoop()
	return ch, nil
}

func (c *Channel) waitLoop() {
	code, err := c.proc.Wait()
	c.exitOnce.Do(func() {
		c.exitCode = code
		c.exitErr = err
		close(c.exitCh)
	})
	c.writeSide.Close()
	c.readSide.Close()
}

// Send serializes {type, length-prefixed body} to the worker. It fails with
// models.ErrChannelTimeout if the write does not complete within timeout, or
// models.ErrChannelClosed if the worker has already exited.
func (c *Channel) Send(ctx context.Context, msgType MessageType, jsonBody []byte, timeout time.Duration) error {
	start := time.Now()
	result := "error"
	defer func() {
		metrics.RecordChannelSend(msgType.String(), result, time.Since(start).Seconds())
	}()

	select {
	case <-c.exitCh:
		return fmt.Errorf("ipc: send %s: %w", msgType, models.ErrChannelClosed)
	default:
	}

	var body []byte
	if len(jsonBody) > 0 {
		encoded, err := encodeJSONBody(jsonBody)
		if err != nil {
			return fmt.Errorf("ipc: encode %s body: %w", msgType, err)
		}
		body = encoded
	}

	done := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		done <- writeFrame(c.writeSide, msgType, body)
	}()

	timer := time.NewTimer(ClampChannelTimeout(timeout))
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ipc: send %s: %w", msgType, err)
		}
		result = "ok"
		return nil
	case <-timer.C:
		result = "timeout"
		return fmt.Errorf("ipc: send %s: %w", msgType, models.ErrChannelTimeout)
	case <-c.exitCh:
		result = "channel_closed"
		return fmt.Errorf("ipc: send %s: %w", msgType, models.ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitExit blocks until the worker terminates and returns its exit code.
// Concurrent callers observe the same result.
func (c *Channel) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-c.exitCh:
		return c.exitCode, c.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExitedChan is closed once the worker has exited, for use in a select loop
// alongside other cancellation signals.
func (c *Channel) ExitedChan() <-chan struct{} { return c.exitCh }

// ExitResult returns the worker's exit code. Only meaningful once ExitedChan
// has closed.
func (c *Channel) ExitResult() (int, error) { return c.exitCode, c.exitErr }

// AppendStdio feeds captured stdout/stderr bytes into the bounded crash
// buffer. Safe to call concurrently from separate stdout/stderr readers.
func (c *Channel) AppendStdio(b []byte) {
	c.stdioMu.Lock()
	defer c.stdioMu.Unlock()
	if c.stdioBuf.Len() >= c.stdioCap {
		return
	}
	remaining := c.stdioCap - c.stdioBuf.Len()
	if len(b) > remaining {
		b = b[:remaining]
	}
	c.stdioBuf.Write(b)
}

// DrainStdio returns (and clears) the captured stdio buffer. Only meant to
// be called once, on the crash path, per the invariant that stdio is "only
// consumed when the exit code is not a valid defined code".
func (c *Channel) DrainStdio() []byte {
	c.stdioMu.Lock()
	defer c.stdioMu.Unlock()
	out := make([]byte, c.stdioBuf.Len())
	copy(out, c.stdioBuf.Bytes())
	c.stdioBuf.Reset()
	return out
}

// PipeHandleArg renders an *os.File descriptor as the argv token the worker
// spawn contract expects ("spawnclient <out_pipe_handle> <in_pipe_handle>").
func PipeHandleArg(f *os.File) string {
	return strconv.FormatUint(uint64(f.Fd()), 10)
}
