package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

// ErrAttemptTimeout is returned when an attempt ran out of time without
// producing any output.
var ErrAttemptTimeout = errors.New("capture attempt timed out")

// Argument placeholders substituted into Stage args.
const (
	PlaceholderURL      = "{url}"
	PlaceholderQuality  = "{quality}"
	PlaceholderOut      = "{out}"
	PlaceholderDuration = "{duration}"
)

// AttemptState is the lifecycle of a single capture attempt.
type AttemptState int32

const (
	StateIdle AttemptState = iota
	StateAcquiring
	StateExtracting
	StateDelivered
	StateAbandoned
)

func (s AttemptState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateExtracting:
		return "extracting"
	case StateDelivered:
		return "delivered"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("AttemptState(%d)", int32(s))
	}
}

// Stage is one external command of a pipeline.
type Stage struct {
	Path string
	Args []string
}

func (s Stage) command(vars map[string]string) *exec.Cmd {
	args := make([]string, len(s.Args))
	for i, arg := range s.Args {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		args[i] = arg
	}
	return exec.Command(s.Path, args...)
}

// PipelineOptions configures a two-stage capture.
type PipelineOptions struct {
	Name    string
	Acquire Stage
	Extract Stage
	// Ext is the temp file extension, including the dot.
	Ext            string
	TempDir        string
	AttemptTimeout time.Duration
	// FlushGrace is how long the extract stage may keep running after the
	// acquire stage was stopped.
	FlushGrace time.Duration
	StopGrace  time.Duration
	Vars       map[string]string
	Logger     *zap.Logger
}

// Pipeline pipes the acquire stage's stdout into the extract stage, which
// writes its result to a temp file.
type Pipeline struct {
	opts   PipelineOptions
	sup    *Supervisor
	state  atomic.Int32
	last   atomic.Int32
	logger *zap.Logger
}

func NewPipeline(sup *Supervisor, opts PipelineOptions) *Pipeline {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 20 * time.Second
	}
	if opts.FlushGrace <= 0 {
		opts.FlushGrace = 2 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "capture"
	}
	return &Pipeline{
		opts:   opts,
		sup:    sup,
		logger: logging.OrNop(opts.Logger).Named(opts.Name),
	}
}

// State returns the state of the current or most recent attempt.
func (p *Pipeline) State() AttemptState {
	return AttemptState(p.state.Load())
}

// LastOutcome is StateDelivered or StateAbandoned for the most recent
// finished attempt, StateIdle if none has finished.
func (p *Pipeline) LastOutcome() AttemptState {
	return AttemptState(p.last.Load())
}

func (p *Pipeline) setState(s AttemptState) {
	p.state.Store(int32(s))
}

// Capture runs one attempt and returns the extracted bytes. When the attempt
// times out, whatever the extract stage flushed is returned without error.
func (p *Pipeline) Capture(ctx context.Context) (data []byte, err error) {
	p.setState(StateAcquiring)
	defer func() {
		outcome := StateDelivered
		if err != nil {
			outcome = StateAbandoned
			p.logger.Debug("attempt abandoned", zap.Error(err))
		}
		p.setState(outcome)
		p.last.Store(int32(outcome))
		p.setState(StateIdle)
	}()

	out, err := os.CreateTemp(p.opts.TempDir, "clawstream-*"+p.opts.Ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer os.Remove(outPath)

	vars := map[string]string{PlaceholderOut: outPath}
	for k, v := range p.opts.Vars {
		vars[k] = v
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	acquireErr := &limitedWriter{limit: maxStderrSize}
	acquireCmd := p.opts.Acquire.command(vars)
	acquireCmd.Stdout = pw
	acquireCmd.Stderr = acquireErr

	acquire, err := p.sup.Spawn(p.opts.Name+"/acquire", acquireCmd)
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	p.setState(StateExtracting)
	extractErr := &limitedWriter{limit: maxStderrSize}
	extractCmd := p.opts.Extract.command(vars)
	extractCmd.Stdin = pr
	extractCmd.Stderr = extractErr

	extract, err := p.sup.Spawn(p.opts.Name+"/extract", extractCmd)
	// 子进程已持有管道两端，父进程需关闭自己的副本，否则读端收不到 EOF
	pr.Close()
	pw.Close()
	if err != nil {
		_ = acquire.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
		return nil, err
	}

	timer := time.NewTimer(p.opts.AttemptTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-extract.Done():
		_ = acquire.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
	case <-timer.C:
		timedOut = true
		_ = acquire.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
		if !extract.WaitFor(p.opts.FlushGrace) {
			_ = extract.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
		}
	case <-ctx.Done():
		_ = acquire.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
		_ = extract.Stop(p.opts.StopGrace, 2*p.opts.StopGrace)
		return nil, ctx.Err()
	}

	data, readErr := os.ReadFile(outPath)
	if readErr != nil {
		return nil, fmt.Errorf("read output: %w", readErr)
	}

	if timedOut {
		if len(data) == 0 {
			return nil, ErrAttemptTimeout
		}
		p.logger.Debug("using partial output after timeout", zap.Int("bytes", len(data)))
		return data, nil
	}

	if exitErr := extract.Err(); exitErr != nil {
		if stderr := extractErr.String(); stderr != "" {
			return nil, fmt.Errorf("extract: %w: %s", exitErr, stderr)
		}
		if stderr := acquireErr.String(); stderr != "" {
			return nil, fmt.Errorf("extract: %w (acquire: %s)", exitErr, stderr)
		}
		return nil, fmt.Errorf("extract: %w", exitErr)
	}
	if len(data) == 0 {
		return nil, errors.New("extract produced no output")
	}
	return data, nil
}
