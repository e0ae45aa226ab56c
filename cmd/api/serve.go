package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/handler"
	"github.com/zhouzirui/clawstream/backend/internal/handler/stream"
	"github.com/zhouzirui/clawstream/backend/internal/handler/ws"
	"github.com/zhouzirui/clawstream/backend/internal/hub"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/persona"
	"github.com/zhouzirui/clawstream/backend/internal/service/ai"
	"github.com/zhouzirui/clawstream/backend/internal/service/capture"
	"github.com/zhouzirui/clawstream/backend/internal/service/relay"
	"github.com/zhouzirui/clawstream/backend/internal/service/speech"
	"github.com/zhouzirui/clawstream/backend/internal/service/summarizer"
	"github.com/zhouzirui/clawstream/backend/internal/service/transcript"
)

func runServe(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("failed to load .env file, continuing with system environment", zap.Error(envErr))
	}

	personaStore := persona.NewMemoryStore(persona.Seed())

	hubOpts := hub.Options{
		ChatHistoryLimit:  cfg.Hub.ChatHistoryLimit,
		SnapshotChatLimit: cfg.Hub.SnapshotChatLimit,
		Logger:            logger,
	}

	var frameSummarizer *summarizer.Summarizer
	if cfg.AI.Enabled() {
		describer, err := ai.NewDescriber(ctx, cfg.AI, personaStore, logger)
		if err != nil {
			logger.Warn("frame summaries disabled, 请检查 Ark 模型相关环境变量", zap.Error(err))
		} else {
			frameSummarizer = summarizer.New(describer, cfg.AI.DescribeTimeout, logger)
			hubOpts.Summarizer = frameSummarizer
			logger.Info("frame summaries enabled", zap.String("persona", describer.Persona().ID))
		}
	} else {
		logger.Info("Ark 凭证未配置，跳过帧描述")
	}

	h := hub.New(hubOpts)
	h.AddConsumer(relay.NewLog(logger))

	webhook := relay.NewWebhook(cfg.Relay, logger)
	if webhook != nil {
		h.AddConsumer(webhook)
	}

	coalescer := transcript.New(h.BroadcastTranscript, transcript.Options{
		Debounce:  cfg.Capture.DebounceDelay,
		MaxBuffer: cfg.Capture.MaxBuffer,
		DenyList:  cfg.Capture.DenyList,
		Logger:    logger,
	})
	defer coalescer.Close()

	var (
		captureSvc *capture.Service
		controller *capture.Controller
	)
	if cfg.Capture.Enabled {
		captureOpts := capture.Options{
			Config:    cfg.Capture,
			OnFrame:   h.BroadcastFrame,
			Fragments: coalescer,
			Logger:    logger,
		}
		if transcriber := speech.NewTranscriber(cfg.Speech, logger); cfg.Speech.Enabled && transcriber.Enabled() {
			captureOpts.Transcriber = transcriber
		} else {
			logger.Info("语音服务凭证未配置，跳过音频转写")
		}

		captureSvc = capture.New(captureOpts)
		if err := captureSvc.CheckBinaries(); err != nil {
			return err
		}
		controller = capture.NewController(captureSvc.Prober(), cfg.Capture.ProbeInterval, logger, h, captureSvc)
	} else {
		logger.Info("capture disabled")
	}

	streamOpts := stream.Options{}
	if captureSvc != nil {
		streamOpts.CaptureStats = func() any { return captureSvc.Stats() }
	}
	if frameSummarizer != nil {
		streamOpts.SummarizerStats = func() any { return frameSummarizer.Stats() }
	}
	if webhook != nil {
		streamOpts.RelayStats = func() any {
			delivered, failed, dropped := webhook.Stats()
			return map[string]int64{"delivered": delivered, "failed": failed, "dropped": dropped}
		}
	}

	router := handler.NewRouter(handler.Dependencies{
		Hub:           h,
		Personas:      personaStore,
		ActivePersona: cfg.AI.DescribePersona,
		WebSocket: ws.Options{
			SendQueueSize:  cfg.Hub.SendQueueSize,
			MaxMessageSize: cfg.Hub.MaxMessageSize,
			PongWait:       cfg.Hub.PongWait,
			WriteWait:      cfg.Hub.WriteWait,
		},
		Stream: streamOpts,
		Logger: logger,
	})

	// 端口不可用直接失败
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Shutdown 不会等待被劫持的 WebSocket，SSE 也需要主动结束
	srv.RegisterOnShutdown(h.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("clawstream listening", zap.String("addr", ln.Addr().String()), zap.String("version", version))
		return runServer(gctx, srv, ln)
	})
	if webhook != nil {
		g.Go(func() error { return webhook.Run(gctx) })
	}
	if captureSvc != nil {
		if err := captureSvc.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error { return controller.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return captureSvc.Stop()
		})
	}

	err = g.Wait()
	logger.Info("clawstream stopped", zap.Error(err))
	return err
}

func runServer(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
