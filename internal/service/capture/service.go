package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

const (
	audioQueueSize = 4
	offlinePoll    = time.Second
	retryDelay     = time.Second
)

// FrameSink receives every captured frame.
type FrameSink func(ctx context.Context, frame *stream.Frame)

// Transcriber turns one WAV chunk into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// FragmentSink receives transcribed fragments, typically a transcript.Coalescer.
type FragmentSink interface {
	Add(text string) bool
}

type Options struct {
	Config config.CaptureConfig
	// Stages overrides DefaultStages(Config).
	Stages      *Stages
	OnFrame     FrameSink
	Transcriber Transcriber
	Fragments   FragmentSink
	Logger      *zap.Logger
	Now         func() time.Time
}

// Stats describes the capture loops for the metrics endpoint.
type Stats struct {
	Running      bool          `json:"running"`
	Live         bool          `json:"live"`
	FrameState   string        `json:"frameState"`
	FrameLast    string        `json:"frameLast"`
	AudioState   string        `json:"audioState,omitempty"`
	AudioLast    string        `json:"audioLast,omitempty"`
	FramesSent   int64         `json:"framesSent"`
	ChunksQueued int64         `json:"chunksQueued"`
	ChunksDrop   int64         `json:"chunksDropped"`
	Processes    []ProcessInfo `json:"processes"`
}

// Service owns the frame and audio capture loops and every subprocess they
// spawn.
type Service struct {
	cfg         config.CaptureConfig
	stages      Stages
	sup         *Supervisor
	frames      *Pipeline
	audio       *Pipeline
	prober      *Prober
	onFrame     FrameSink
	transcriber Transcriber
	fragments   FragmentSink
	logger      *zap.Logger
	now         func() time.Time

	live         atomic.Bool
	framesSent   atomic.Int64
	chunksQueued atomic.Int64
	chunksDrop   atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) *Service {
	cfg := opts.Config
	logger := logging.OrNop(opts.Logger).Named("capture")

	stages := DefaultStages(cfg)
	if opts.Stages != nil {
		stages = *opts.Stages
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	vars := map[string]string{
		PlaceholderURL:      cfg.StreamURL,
		PlaceholderQuality:  cfg.Quality,
		PlaceholderDuration: seconds(cfg),
	}

	sup := NewSupervisor(logger)
	s := &Service{
		cfg:         cfg,
		stages:      stages,
		sup:         sup,
		onFrame:     opts.OnFrame,
		transcriber: opts.Transcriber,
		fragments:   opts.Fragments,
		logger:      logger,
		now:         now,
	}
	s.frames = NewPipeline(sup, PipelineOptions{
		Name:           "frame",
		Acquire:        stages.FrameAcquire,
		Extract:        stages.FrameExtract,
		Ext:            frameExt(cfg.FrameFormat),
		TempDir:        cfg.TempDir,
		AttemptTimeout: cfg.AttemptTimeout,
		StopGrace:      cfg.StopGrace,
		Vars:           vars,
		Logger:         logger,
	})
	s.audio = NewPipeline(sup, PipelineOptions{
		Name:    "audio",
		Acquire: stages.AudioAcquire,
		Extract: stages.AudioExtract,
		Ext:     ".wav",
		TempDir: cfg.TempDir,
		// 音频片段本身就要 AudioChunk 时长
		AttemptTimeout: cfg.AttemptTimeout + cfg.AudioChunk,
		StopGrace:      cfg.StopGrace,
		Vars:           vars,
		Logger:         logger,
	})
	s.prober = NewProber(sup, stages.Probe, vars, cfg.ProbeTimeout, logger)
	return s
}

// CheckBinaries verifies every command the service runs can be found.
func (s *Service) CheckBinaries() error {
	seen := make(map[string]bool)
	for _, st := range []Stage{s.stages.FrameAcquire, s.stages.FrameExtract, s.stages.AudioAcquire, s.stages.AudioExtract, s.stages.Probe} {
		if st.Path == "" || seen[st.Path] {
			continue
		}
		seen[st.Path] = true
		if _, err := exec.LookPath(st.Path); err != nil {
			return fmt.Errorf("capture binary %q: %w", st.Path, err)
		}
	}
	return nil
}

func (s *Service) Prober() *Prober { return s.prober }

func (s *Service) Supervisor() *Supervisor { return s.sup }

// SetLive opens or closes the gate for the capture loops. It reports
// whether the gate changed.
func (s *Service) SetLive(live bool) bool {
	changed := s.live.Swap(live) != live
	if changed {
		s.logger.Info("capture gate changed", zap.Bool("live", live))
	}
	return changed
}

func (s *Service) Live() bool { return s.live.Load() }

// Start launches the loops. Calling it while running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.sup.Resume()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.frameLoop(loopCtx)
	}()
	if s.transcriber != nil && s.fragments != nil {
		chunks := make(chan []byte, audioQueueSize)
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.audioLoop(loopCtx, chunks)
		}()
		go func() {
			defer wg.Done()
			s.transcribeLoop(loopCtx, chunks)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	s.logger.Info("capture started",
		zap.String("url", s.cfg.StreamURL),
		zap.Duration("frameInterval", s.cfg.FrameInterval),
		zap.Bool("audio", s.transcriber != nil && s.fragments != nil))
	return nil
}

// Stop cancels the loops and waits for every tracked subprocess to exit,
// never longer than the configured stop cap. Calling it while stopped is a
// no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.StopCap)
	cancel()
	err := s.sup.StopAll(s.cfg.StopGrace, s.cfg.StopCap)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("capture loops still running after stop cap")
	}

	s.logger.Info("capture stopped", zap.Error(err))
	return err
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	st := Stats{
		Running:      running,
		Live:         s.Live(),
		FrameState:   s.frames.State().String(),
		FrameLast:    s.frames.LastOutcome().String(),
		FramesSent:   s.framesSent.Load(),
		ChunksQueued: s.chunksQueued.Load(),
		ChunksDrop:   s.chunksDrop.Load(),
		Processes:    s.sup.Processes(),
	}
	if s.transcriber != nil {
		st.AudioState = s.audio.State().String()
		st.AudioLast = s.audio.LastOutcome().String()
	}
	return st
}

func (s *Service) frameLoop(ctx context.Context) {
	interval := s.cfg.FrameInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.Live() {
			continue
		}

		data, err := s.frames.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("frame capture failed", zap.Error(err))
			continue
		}

		width, height := imageSize(data)
		frame := &stream.Frame{
			Timestamp: s.now().UnixMilli(),
			Image:     data,
			Format:    frameFormat(s.cfg.FrameFormat),
			Width:     width,
			Height:    height,
		}
		if s.onFrame != nil {
			s.onFrame(ctx, frame)
		}
		s.framesSent.Add(1)
	}
}

func (s *Service) audioLoop(ctx context.Context, chunks chan<- []byte) {
	defer close(chunks)
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.Live() {
			if !sleepCtx(ctx, offlinePoll) {
				return
			}
			continue
		}

		data, err := s.audio.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("audio capture failed", zap.Error(err))
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			continue
		}

		select {
		case chunks <- data:
			s.chunksQueued.Add(1)
		default:
			s.chunksDrop.Add(1)
			s.logger.Warn("transcription backlog full, dropping audio chunk")
		}
	}
}

// transcribeLoop transcribes chunks in capture order.
func (s *Service) transcribeLoop(ctx context.Context, chunks <-chan []byte) {
	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		text, err := s.transcriber.Transcribe(ctx, chunk)
		if err != nil {
			s.logger.Warn("transcription failed, dropping chunk", zap.Error(err))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			s.fragments.Add(text)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
