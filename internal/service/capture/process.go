package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrAbandoned is returned when a process ignored both TERM and KILL for the
// whole stop budget.
var ErrAbandoned = errors.New("process did not exit within stop budget")

// ProcessHandle owns one spawned subprocess.
type ProcessHandle struct {
	name    string
	cmd     *exec.Cmd
	mu      sync.Mutex
	pid     int
	started time.Time
	done    chan struct{}
	err     error
}

func newHandle(name string, cmd *exec.Cmd) *ProcessHandle {
	return &ProcessHandle{name: name, cmd: cmd, done: make(chan struct{})}
}

func (h *ProcessHandle) Name() string { return h.name }

// PID is 0 until the process has started.
func (h *ProcessHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *ProcessHandle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Done is closed once the process has exited and been reaped, or failed to start.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err is the exit error. Only meaningful after Done.
func (h *ProcessHandle) Err() error {
	<-h.done
	return h.err
}

// Terminate asks the process group to exit.
func (h *ProcessHandle) Terminate() error {
	return h.signal(sigTerm)
}

// Kill forces the process group to exit.
func (h *ProcessHandle) Kill() error {
	return h.signal(sigKill)
}

func (h *ProcessHandle) signal(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	h.mu.Lock()
	pid := h.pid
	h.mu.Unlock()

	if err := signalGroup(pid, sig); err != nil {
		return fmt.Errorf("signal %s %s (pid %d): %w", sig, h.name, pid, err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (h *ProcessHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor blocks until the process exits or d elapses. It reports whether it exited.
func (h *ProcessHandle) WaitFor(d time.Duration) bool {
	if d <= 0 {
		return h.Exited()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Stop sends TERM, waits grace, sends KILL, then waits until limit has
// passed in total.
func (h *ProcessHandle) Stop(grace, limit time.Duration) error {
	if h.Exited() {
		return nil
	}
	deadline := time.Now().Add(limit)

	_ = h.Terminate()
	if h.WaitFor(grace) {
		return nil
	}
	_ = h.Kill()
	if h.WaitFor(time.Until(deadline)) {
		return nil
	}
	return ErrAbandoned
}
