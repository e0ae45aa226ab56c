package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

type capture struct {
	mu       sync.Mutex
	payloads []Payload
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			c.mu.Lock()
			c.payloads = append(c.payloads, p)
			c.mu.Unlock()
		}
		w.WriteHeader(status)
	}
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func runWebhook(t *testing.T, wh *Webhook) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = wh.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewWebhookDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhook(config.RelayConfig{WebhookURL: "  "}, nil))
}

func TestWebhookDeliversAcceptedKinds(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusNoContent))
	defer srv.Close()

	wh := NewWebhook(config.RelayConfig{WebhookURL: srv.URL, Timeout: time.Second, Kinds: []string{"chat", " Observation "}}, nil)
	require.NotNil(t, wh)
	runWebhook(t, wh)

	wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindReaction, Text: "lol", SenderID: "a"})
	wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindChat, Text: "hi", SenderID: "a", SenderName: "Alpha", Timestamp: 42})
	wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindObservation, Text: "boss fight", SenderID: "b", SenderName: "Beta"})

	require.Eventually(t, func() bool { return rec.len() == 2 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	first := rec.payloads[0]
	rec.mu.Unlock()
	assert.Equal(t, Payload{Text: "hi", Sender: "Alpha", SenderID: "a", Kind: "chat", Timestamp: 42}, first)

	delivered, failed, dropped := wh.Stats()
	assert.Equal(t, int64(2), delivered)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(config.RelayConfig{WebhookURL: srv.URL, Kinds: []string{"chat"}}, nil)
	runWebhook(t, wh)
	wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindChat, Text: "hi"})

	require.Eventually(t, func() bool {
		delivered, _, _ := wh.Stats()
		return delivered == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(config.RelayConfig{WebhookURL: srv.URL, Kinds: []string{"chat"}}, nil)
	runWebhook(t, wh)
	wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindChat, Text: "hi"})

	require.Eventually(t, func() bool {
		_, failed, _ := wh.Stats()
		return failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookDropsWhenQueueFull(t *testing.T) {
	wh := NewWebhook(config.RelayConfig{WebhookURL: "http://127.0.0.1:1", Kinds: []string{"chat"}}, nil)
	// 不启动 Run，队列只进不出
	for i := 0; i < defaultQueueSize+3; i++ {
		wh.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindChat, Text: "x"})
	}
	_, _, dropped := wh.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestWebhookEmptyKindsAcceptsAll(t *testing.T) {
	wh := NewWebhook(config.RelayConfig{WebhookURL: "http://example.test"}, nil)
	assert.True(t, wh.Accepts(stream.KindReaction))
	assert.True(t, wh.Accepts(stream.KindObservation))
}

func TestLogConsumer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLog(zap.New(core))

	l.Consume(context.Background(), stream.ClawMessage{Kind: stream.KindObservation, Text: "crowd cheering", SenderID: "c1", SenderName: "Cam"})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "claw message", entry.Message)
	assert.Equal(t, "crowd cheering", entry.ContextMap()["text"])
	assert.Equal(t, "c1", entry.ContextMap()["clawId"])
}
