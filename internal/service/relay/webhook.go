package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

const (
	defaultQueueSize  = 64
	defaultMaxRetries = 2
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	SenderID  string `json:"senderId"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// Webhook forwards claw messages to an HTTP endpoint. Delivery is
// best-effort: Consume never blocks and drops messages when the queue is full.
type Webhook struct {
	url        string
	client     *http.Client
	kinds      map[stream.ClawMessageKind]bool
	queue      chan stream.ClawMessage
	maxRetries int
	logger     *zap.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWebhook returns nil when no webhook URL is configured.
func NewWebhook(cfg config.RelayConfig, logger *zap.Logger) *Webhook {
	url := strings.TrimSpace(cfg.WebhookURL)
	if url == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	kinds := make(map[stream.ClawMessageKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kinds[stream.ClawMessageKind(k)] = true
		}
	}
	return &Webhook{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		kinds:      kinds,
		queue:      make(chan stream.ClawMessage, defaultQueueSize),
		maxRetries: defaultMaxRetries,
		logger:     logging.OrNop(logger).Named("relay"),
	}
}

// Accepts reports whether messages of kind are forwarded. An empty kind
// filter forwards everything.
func (w *Webhook) Accepts(kind stream.ClawMessageKind) bool {
	return len(w.kinds) == 0 || w.kinds[kind]
}

// Consume queues msg for delivery.
func (w *Webhook) Consume(_ context.Context, msg stream.ClawMessage) {
	if !w.Accepts(msg.Kind) {
		return
	}
	select {
	case w.queue <- msg:
	default:
		w.dropped.Add(1)
		w.logger.Warn("relay queue full, dropping message",
			zap.String(logging.KeyClawID, msg.SenderID),
			zap.String("kind", string(msg.Kind)))
	}
}

// Run delivers queued messages until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	w.logger.Info("relay started", zap.String("url", w.url))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.queue:
			if err := w.post(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.failed.Add(1)
				w.logger.Warn("relay delivery failed",
					zap.String(logging.KeyClawID, msg.SenderID),
					zap.Error(err))
				continue
			}
			w.delivered.Add(1)
		}
	}
}

// Stats returns delivered, failed and dropped counts.
func (w *Webhook) Stats() (delivered, failed, dropped int64) {
	return w.delivered.Load(), w.failed.Load(), w.dropped.Load()
}

func (w *Webhook) post(ctx context.Context, msg stream.ClawMessage) error {
	body, err := json.Marshal(Payload{
		Text:      msg.Text,
		Sender:    msg.SenderName,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("new relay request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		// 4xx 不重试
		if resp.StatusCode < 500 {
			break
		}
	}
	return fmt.Errorf("relay to webhook: %w", lastErr)
}
