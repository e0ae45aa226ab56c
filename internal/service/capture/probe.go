package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

// Prober checks whether the upstream stream is live by running a one-shot
// command. Exit status 0 means live.
type Prober struct {
	stage   Stage
	vars    map[string]string
	timeout time.Duration
	sup     *Supervisor
	logger  *zap.Logger
}

func NewProber(sup *Supervisor, stage Stage, vars map[string]string, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prober{
		stage:   stage,
		vars:    vars,
		timeout: timeout,
		sup:     sup,
		logger:  logging.OrNop(logger).Named("probe"),
	}
}

// IsLive returns false with a nil error when the command ran and reported
// the stream offline. Errors mean the probe itself could not complete.
func (p *Prober) IsLive(ctx context.Context) (bool, error) {
	cmd := p.stage.command(p.vars)
	stderr := &limitedWriter{limit: maxStderrSize}
	cmd.Stderr = stderr

	h, err := p.sup.Spawn("probe", cmd)
	if err != nil {
		return false, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-h.Done():
	case <-timer.C:
		_ = h.Stop(time.Second, 2*time.Second)
		return false, fmt.Errorf("probe: %w", ErrAttemptTimeout)
	case <-ctx.Done():
		_ = h.Stop(time.Second, 2*time.Second)
		return false, ctx.Err()
	}

	err = h.Err()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		p.logger.Debug("stream offline", zap.Int("exitCode", exitErr.ExitCode()), zap.String("stderr", stderr.String()))
		return false, nil
	}
	return false, fmt.Errorf("probe: %w", err)
}
