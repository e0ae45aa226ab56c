package capture

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

// ErrStopping is returned by Spawn while StopAll is in progress or after it.
var ErrStopping = errors.New("supervisor is stopping")

// maxStderrSize caps the stderr kept per subprocess for diagnostics.
const maxStderrSize = 4 * 1024

// ProcessInfo is a point-in-time view of a tracked subprocess.
type ProcessInfo struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	RSSBytes   uint64    `json:"rssBytes,omitempty"`
	CPUPercent float64   `json:"cpuPercent,omitempty"`
}

// Supervisor tracks every subprocess it spawns until the process has exited.
// A handle joins the set before the process starts and leaves it only after
// the process has been reaped, so StopAll never misses a live child.
type Supervisor struct {
	mu       sync.Mutex
	handles  map[*ProcessHandle]struct{}
	stopping bool
	logger   *zap.Logger
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		handles: make(map[*ProcessHandle]struct{}),
		logger:  logging.OrNop(logger).Named("supervisor"),
	}
}

// Spawn starts cmd in its own process group and tracks it.
func (s *Supervisor) Spawn(name string, cmd *exec.Cmd) (*ProcessHandle, error) {
	h := newHandle(name, cmd)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrStopping
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	setProcessGroup(cmd)
	if cmd.WaitDelay == 0 {
		// 孙进程可能继承 stderr 管道，避免 Wait 永久阻塞
		cmd.WaitDelay = time.Second
	}

	h.mu.Lock()
	err := cmd.Start()
	if err == nil {
		h.pid = cmd.Process.Pid
		h.started = time.Now()
	}
	h.mu.Unlock()

	if err != nil {
		h.err = err
		close(h.done)
		s.remove(h)
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	s.logger.Debug("process started",
		zap.String(logging.KeyComponent, name),
		zap.Int(logging.KeyPID, h.pid))

	go func() {
		h.err = cmd.Wait()
		close(h.done)
		s.remove(h)
		s.logger.Debug("process exited",
			zap.String(logging.KeyComponent, name),
			zap.Int(logging.KeyPID, h.pid),
			zap.Error(h.err))
	}()

	return h, nil
}

func (s *Supervisor) remove(h *ProcessHandle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// Len returns the number of tracked processes.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Resume lets Spawn succeed again after StopAll.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
}

// StopAll refuses new spawns, sends TERM to every tracked process, waits
// grace, sends KILL to the survivors and returns once all have exited or
// limit has elapsed.
func (s *Supervisor) StopAll(grace, limit time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	if grace > limit {
		grace = limit
	}
	deadline := time.Now().Add(limit)

	for _, h := range handles {
		if err := h.Terminate(); err != nil {
			s.logger.Warn("terminate failed", zap.String(logging.KeyComponent, h.Name()), zap.Error(err))
		}
	}
	if waitAll(handles, time.Now().Add(grace)) {
		return nil
	}

	for _, h := range handles {
		if h.Exited() {
			continue
		}
		s.logger.Warn("process ignored TERM, killing",
			zap.String(logging.KeyComponent, h.Name()),
			zap.Int(logging.KeyPID, h.PID()))
		_ = h.Kill()
	}
	if waitAll(handles, deadline) {
		return nil
	}

	remaining := 0
	for _, h := range handles {
		if !h.Exited() {
			remaining++
			s.logger.Error("abandoning process",
				zap.String(logging.KeyComponent, h.Name()),
				zap.Int(logging.KeyPID, h.PID()))
		}
	}
	return fmt.Errorf("%d process(es): %w", remaining, ErrAbandoned)
}

func waitAll(handles []*ProcessHandle, deadline time.Time) bool {
	for _, h := range handles {
		if !h.WaitFor(time.Until(deadline)) {
			return false
		}
	}
	return true
}

// Processes reports the tracked subprocesses with resource usage where the
// OS exposes it.
func (s *Supervisor) Processes() []ProcessInfo {
	s.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(handles))
	for _, h := range handles {
		pid := h.PID()
		if pid == 0 || h.Exited() {
			continue
		}
		info := ProcessInfo{Name: h.Name(), PID: pid, StartedAt: h.StartedAt()}
		if p, err := process.NewProcess(int32(pid)); err == nil {
			if mem, err := p.MemoryInfo(); err == nil && mem != nil {
				info.RSSBytes = mem.RSS
			}
			if cpu, err := p.CPUPercent(); err == nil {
				info.CPUPercent = cpu
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// limitedWriter keeps the first limit bytes written and discards the rest.
type limitedWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written >= w.limit {
		return len(p), nil
	}
	chunk := p
	if remaining := w.limit - w.written; len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	n, err := w.buf.Write(chunk)
	w.written += n
	return len(p), err
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.buf.Bytes()))
}
