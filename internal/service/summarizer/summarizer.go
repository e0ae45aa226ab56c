package summarizer

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

const defaultTimeout = 20 * time.Second

// Describer turns an image into text. It may fail.
type Describer interface {
	Describe(ctx context.Context, image []byte, format string) (string, error)
}

// State is the cache state of a Summarizer.
type State int

const (
	// StateIdle: nothing in flight and no successful description yet.
	StateIdle State = iota
	// StateInFlight: a describe call is running; callers get the last good result.
	StateInFlight
	// StateReady: nothing in flight and a last-known-good description is held.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in-flight"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Stats counts summarizer outcomes since start.
type Stats struct {
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Failures  int    `json:"failures"`
	Skipped   int    `json:"skipped"`
	LastGood  string `json:"lastGood,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Summarizer captions frames with at most one describe call in flight.
type Summarizer struct {
	describer Describer
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	last      string
	updatedAt time.Time
	attempts  int
	failures  int
	skipped   int
}

// New returns a Summarizer. A nil describer disables it and Summarize returns "".
func New(describer Describer, timeout time.Duration, logger *zap.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Summarizer{
		describer: describer,
		timeout:   timeout,
		logger:    logging.OrNop(logger).Named("summarizer"),
	}
}

// Enabled reports whether a describer is configured.
func (s *Summarizer) Enabled() bool {
	return s != nil && s.describer != nil
}

// Summarize describes frame. While another call is running, or when the
// describer fails, it returns the last known good description instead.
func (s *Summarizer) Summarize(ctx context.Context, frame *stream.Frame) string {
	if !s.Enabled() || frame == nil || len(frame.Image) == 0 {
		return ""
	}

	s.mu.Lock()
	if s.state == StateInFlight {
		s.skipped++
		last := s.last
		s.mu.Unlock()
		return last
	}
	s.state = StateInFlight
	s.attempts++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.describer.Describe(ctx, frame.Image, frame.Format)
	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || text == "" {
		s.failures++
		s.state = StateIdle
		if s.last != "" {
			s.state = StateReady
		}
		s.logger.Warn("describe failed, using last summary",
			zap.Error(err),
			zap.Bool("empty", err == nil),
			zap.Duration("took", time.Since(start)))
		return s.last
	}

	s.last = text
	s.updatedAt = time.Now()
	s.state = StateReady
	s.logger.Debug("frame summarized", zap.Int("length", len(text)), zap.Duration("took", time.Since(start)))
	return text
}

// State returns the current cache state.
func (s *Summarizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the counters.
func (s *Summarizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:    s.state.String(),
		Attempts: s.attempts,
		Failures: s.failures,
		Skipped:  s.skipped,
		LastGood: s.last,
	}
	if !s.updatedAt.IsZero() {
		st.UpdatedAt = s.updatedAt.UnixMilli()
	}
	return st
}
