package models

import "errors"

// Error taxonomy at the dispatch core's boundary. Orchestration-facing
// collaborators translate their own transport errors into these sentinels so
// the renewer, reporter, and executor can react by kind rather than by
// inspecting transport details.
var (
	// ErrJobNotFound means the server no longer knows this job; terminal,
	// treated as already finished.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTokenExpired means the job's lease token is no longer valid;
	// terminal, treated the same as ErrJobNotFound.
	ErrJobTokenExpired = errors.New("job token expired")
	// ErrTransient wraps a server error the caller should retry with backoff.
	ErrTransient = errors.New("transient server error")
	// ErrChannelTimeout means an IPC send did not complete within its
	// deadline.
	ErrChannelTimeout = errors.New("ipc channel timeout")
	// ErrChannelClosed means the worker has already exited.
	ErrChannelClosed = errors.New("ipc channel closed")
	// ErrProtocolViolation is fatal: the server's state is inconsistent with
	// what the agent believes locally. The agent must stop.
	ErrProtocolViolation = errors.New("protocol violation")
)
