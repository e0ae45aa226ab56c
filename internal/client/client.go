package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
	"github.com/zhouzirui/clawstream/backend/internal/protocol"
)

var (
	// ErrClientStopped is returned by the Send methods after Stop.
	ErrClientStopped = errors.New("client stopped")
	// ErrQueueFull is returned when the outbound queue has no room.
	ErrQueueFull = errors.New("outbound queue full")
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	// 去重集合至少要覆盖服务端快照里的聊天条数
	minSeenChatIDs = 256

	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

// State of the connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Client. URL and ClawID are required.
type Options struct {
	// URL of the hub. http(s) URLs are converted to ws(s); an empty path means /ws.
	URL       string
	ClawID    string
	ClawName  string
	SessionID string

	FrameBuffer      int
	ChatBuffer       int
	TranscriptBuffer int
	SendQueueSize    int
	PingInterval     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	OnFrame       func(stream.Frame)
	OnChat        func(stream.ChatEvent)
	OnTranscript  func(stream.TranscriptEvent)
	OnState       func(stream.StreamState)
	OnStateChange func(State)

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ClawName == "" {
		o.ClawName = o.ClawID
	}
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 10
	}
	if o.ChatBuffer <= 0 {
		o.ChatBuffer = 50
	}
	if o.TranscriptBuffer <= 0 {
		o.TranscriptBuffer = 50
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = initialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = maxBackoff
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// Client keeps a claw subscribed to a hub across disconnects and holds
// rolling buffers of what it has seen.
type Client struct {
	opts   Options
	url    string
	logger *zap.Logger

	state   atomic.Int32
	send    chan []byte
	done    chan struct{}
	stop    sync.Once
	running atomic.Bool

	mu           sync.RWMutex
	frames       []stream.Frame
	chat         []stream.ChatEvent
	chatIDs      map[string]struct{}
	chatSeen     []string
	seenLimit    int
	transcripts  []stream.TranscriptEvent
	participants []stream.Participant
	live         bool
	startedAt    int64
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ClawID) == "" {
		return nil, errors.New("client: claw id is required")
	}
	wsURL, err := websocketURL(opts.URL)
	if err != nil {
		return nil, err
	}
	opts.applyDefaults()

	return &Client{
		opts: opts,
		url:  wsURL,
		logger: logging.OrNop(opts.Logger).Named("client").With(
			zap.String(logging.KeyClawID, opts.ClawID)),
		send:      make(chan []byte, opts.SendQueueSize),
		done:      make(chan struct{}),
		chatIDs:   make(map[string]struct{}),
		seenLimit: max(minSeenChatIDs, 4*opts.ChatBuffer),
	}, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("client: url has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// SessionID is the per-process session id sent with every register.
func (c *Client) SessionID() string { return c.opts.SessionID }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("state changed", zap.Stringer("state", s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Run connects and keeps reconnecting with jittered exponential backoff
// until ctx is done or Stop is called.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client: already running")
	}
	defer c.running.Store(false)

	select {
	case <-c.done:
		return ErrClientStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := c.opts.InitialBackoff
	for {
		connected, err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.opts.InitialBackoff
		}

		sleep := jitter(backoff)
		c.logger.Info("disconnected, retrying", zap.Error(err), zap.Duration("delay", sleep))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
		backoff = nextBackoff(backoff, c.opts.MaxBackoff)
	}
}

// Stop ends Run and makes every Send method fail with ErrClientStopped.
func (c *Client) Stop() {
	c.stop.Do(func() { close(c.done) })
}

func jitter(d time.Duration) time.Duration {
	j := time.Duration(float64(d) * jitterFactor * (rand.Float64()*2 - 1))
	if d+j <= 0 {
		return d
	}
	return d + j
}

func nextBackoff(d, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > limit {
		return limit
	}
	return next
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	c.setState(StateConnecting)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	c.setState(StateRegistering)
	register, err := protocol.EncodeInbound(protocol.Register{
		ClawID:    c.opts.ClawID,
		ClawName:  c.opts.ClawName,
		SessionID: c.opts.SessionID,
	})
	if err != nil {
		return true, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		return true, fmt.Errorf("send register: %w", err)
	}
	c.logger.Info("connected", zap.String("url", c.url))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessionCtx, func() { _ = conn.Close() })
	defer stop()

	writeDone := make(chan error, 1)
	go func() { writeDone <- c.writePump(sessionCtx, conn) }()

	err = c.readPump(conn)
	cancel()
	if werr := <-writeDone; err == nil {
		err = werr
	}
	return true, err
}

func (c *Client) readPump(conn *websocket.Conn) error {
	readWait := 3 * c.opts.PingInterval
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.Debug("ignoring message", zap.Error(err))
			continue
		}
		c.handle(ev)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ping, err := protocol.EncodeInbound(protocol.Ping{})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.send:
			if err := write(data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := write(ping); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) handle(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeFrame:
		if c.addFrame(*ev.Frame) && c.opts.OnFrame != nil {
			c.opts.OnFrame(*ev.Frame)
		}
	case protocol.TypeChat:
		if c.addChat(*ev.Chat) && c.opts.OnChat != nil {
			c.opts.OnChat(*ev.Chat)
		}
	case protocol.TypeTranscript:
		c.addTranscript(*ev.Transcript)
		if c.opts.OnTranscript != nil {
			c.opts.OnTranscript(*ev.Transcript)
		}
	case protocol.TypeState:
		c.resync(*ev.State)
	case protocol.TypePong:
	}
}

// SendChat queues a chat line for the hub.
func (c *Client) SendChat(text string) error {
	return c.sendEvent(stream.KindChat, text)
}

// SendReaction queues a short reaction.
func (c *Client) SendReaction(text string) error {
	return c.sendEvent(stream.KindReaction, text)
}

// SendObservation queues an observation about the stream.
func (c *Client) SendObservation(text string) error {
	return c.sendEvent(stream.KindObservation, text)
}

func (c *Client) sendEvent(kind stream.ClawMessageKind, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("client: empty content")
	}
	data, err := protocol.EncodeInbound(protocol.ClawEvent{
		Kind:     kind,
		Content:  text,
		ClawID:   c.opts.ClawID,
		ClawName: c.opts.ClawName,
	})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientStopped
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}
