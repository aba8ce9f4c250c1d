// Package process implements the ProcessInvoker consumed interface (§6):
// launching the worker binary, honoring a cancellation signal as a
// process-tree kill, and reporting host capacity the way the teacher's
// executor reports its own resource footprint at startup.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Capacity reports host resources, the same "resource discovery at startup"
// idiom the teacher's NewExecutor uses (detectTotalMemory, runtime.NumCPU).
type Capacity struct {
	CPUs   int
	MemMB  uint64
}

// DetectCapacity reports the host's CPU count and total memory in MB,
// defaulting to 1GB if memory detection fails (matching the teacher's
// fallback behaviour).
func DetectCapacity(log *zap.Logger) Capacity {
	v, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to detect host memory, defaulting to 1GB", zap.Error(err))
		return Capacity{CPUs: runtime.NumCPU(), MemMB: 1024}
	}
	return Capacity{CPUs: runtime.NumCPU(), MemMB: v.Total / 1024 / 1024}
}

// WorkerBinaryName returns the platform-suffixed worker executable name per
// the spawn contract (EXP-3): "Agent.Worker" plus ".exe" on Windows.
func WorkerBinaryName() string {
	if runtime.GOOS == "windows" {
		return "Agent.Worker.exe"
	}
	return "Agent.Worker"
}

// Handle adapts an *exec.Cmd to ipc.ProcessHandle.
type Handle struct {
	cmd *exec.Cmd
	log *zap.Logger
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	// Any other Wait error (a signal kill arrives above as an ExitError with
	// code -1 and a nil error): surface -1 together with the error, the same
	// "other error" bucket the teacher's ShellRunner uses.
	h.log.Warn("worker process ended abnormally", zap.Error(err))
	return -1, err
}

// Invoker spawns the worker binary with its pipe handles as argv, running it
// from binDir at elevated priority where the platform supports it, and kills
// its whole process group when ctx is canceled.
type Invoker struct {
	binDir string
	log    *zap.Logger
}

func NewInvoker(binDir string, log *zap.Logger) *Invoker {
	return &Invoker{binDir: binDir, log: log}
}

// Spawn launches the worker with argv `<binary> spawnclient 3 4`,
// passing both pipe ends through as extra file descriptors (fd 3 and 4 in
// the child) as the worker spawn contract in EXP-3 describes. Its stdout and
// stderr are piped into stdio so a crash has something for the dispatch core
// to attach to the completion report.
func (i *Invoker) Spawn(ctx context.Context, outRead, inWrite *os.File, stdio func([]byte)) (*Handle, error) {
	binPath := filepath.Join(i.binDir, WorkerBinaryName())

	cmd := exec.Command(binPath, "spawnclient", "3", "4")
	cmd.Dir = i.binDir
	cmd.Env = os.Environ()
	cmd.ExtraFiles = []*os.File{outRead, inWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start worker: %w", err)
	}
	raisePriority(cmd.Process.Pid, i.log)

	go pumpStdio(stdout, stdio)
	go pumpStdio(stderr, stdio)

	handle := &Handle{cmd: cmd, log: i.log}

	go func() {
		<-ctx.Done()
		killProcessGroup(cmd.Process.Pid, i.log)
	}()

	return handle, nil
}

// pumpStdio copies r into sink in chunks until the stream closes, which
// happens once the worker exits. Each chunk is copied out of the read
// buffer before the callback runs, since sink may retain it past the next
// Read.
func pumpStdio(r io.Reader, sink func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink(chunk)
		}
		if err != nil {
			return
		}
	}
}

// killProcessGroup sends SIGKILL to the worker's whole process group so
// grandchildren die with it. Best-effort: a process that already exited is
// not an error worth surfacing.
func killProcessGroup(pid int, log *zap.Logger) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		log.Debug("process group kill: process likely already gone", zap.Int("pid", pid), zap.Error(err))
	}
}

// raisePriority is best-effort; platforms (and permission levels) that don't
// support raising scheduling priority log and move on rather than failing
// the spawn.
func raisePriority(pid int, log *zap.Logger) {
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, pid, -5); err != nil {
		log.Debug("could not raise worker process priority", zap.Int("pid", pid), zap.Error(err))
	}
}

// WorkerSpawnTimeout is the window within which the worker must receive its
// NewJobRequest before it self-terminates (enforced worker-side); component
// A's default channel_timeout is set to match.
const WorkerSpawnTimeout = 30 * time.Second
