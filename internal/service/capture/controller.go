package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

// LiveChecker reports whether the upstream stream is live.
type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

// LiveSink is told about liveness. Hub and Service both implement it.
type LiveSink interface {
	SetLive(live bool) bool
}

// Controller polls a LiveChecker and pushes the result to its sinks.
type Controller struct {
	checker  LiveChecker
	sinks    []LiveSink
	interval time.Duration
	logger   *zap.Logger
}

func NewController(checker LiveChecker, interval time.Duration, logger *zap.Logger, sinks ...LiveSink) *Controller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Controller{
		checker:  checker,
		sinks:    sinks,
		interval: interval,
		logger:   logging.OrNop(logger).Named("liveness"),
	}
}

// Run checks immediately and then every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one probe. A failed probe leaves the sinks untouched.
func (c *Controller) Check(ctx context.Context) {
	live, err := c.checker.IsLive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("liveness probe failed", zap.Error(err))
		}
		return
	}
	for _, sink := range c.sinks {
		if sink.SetLive(live) {
			c.logger.Info("liveness changed", zap.Bool("live", live))
		}
	}
}
