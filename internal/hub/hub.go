package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
	"github.com/zhouzirui/clawstream/backend/internal/protocol"
)

const (
	defaultChatHistory  = 100
	defaultSnapshotChat = 20
)

// Options configures a Hub.
type Options struct {
	ChatHistoryLimit  int
	SnapshotChatLimit int
	Summarizer        Summarizer
	Logger            *zap.Logger
	Now               func() time.Time
}

type entry struct {
	conn        Connection
	address     string
	local       bool
	participant *stream.Participant
}

// Hub owns the connection registry, chat history, liveness and metrics.
// All of it is guarded by mu; fan-out enqueues under the lock, which is safe
// because Connection.Send never blocks.
type Hub struct {
	mu sync.Mutex

	entries     map[string]*entry
	chat        []stream.ChatEvent
	frame       *stream.Frame
	live        bool
	startedAt   int64
	total       int
	byAddress   map[string]int
	consumers   []Consumer
	historySize int
	snapshotN   int

	summarizer Summarizer
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an empty hub.
func New(opts Options) *Hub {
	history := opts.ChatHistoryLimit
	if history <= 0 {
		history = defaultChatHistory
	}
	snapshotN := opts.SnapshotChatLimit
	if snapshotN <= 0 {
		snapshotN = defaultSnapshotChat
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Hub{
		entries:     make(map[string]*entry),
		byAddress:   make(map[string]int),
		historySize: history,
		snapshotN:   snapshotN,
		summarizer:  opts.Summarizer,
		logger:      logging.OrNop(opts.Logger).Named("hub"),
		now:         now,
	}
}

// AddConsumer registers a receiver for claw messages.
func (h *Hub) AddConsumer(c Consumer) {
	h.mu.Lock()
	h.consumers = append(h.consumers, c)
	h.mu.Unlock()
}

// Connect adds an unregistered connection and sends it the current state.
func (h *Hub) Connect(conn Connection) {
	h.mu.Lock()
	e := h.addLocked(conn)
	data := h.encodeStateLocked()
	h.mu.Unlock()

	h.logger.Info("connection opened",
		zap.String(logging.KeyConnID, conn.ID()),
		zap.String("address", e.address),
		zap.Bool("local", e.local))

	if data == nil {
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Debug("initial state send failed", zap.String(logging.KeyConnID, conn.ID()), zap.Error(err))
		h.drop(conn)
	}
}

// drop removes conn and closes it, so a connection whose queue is full does
// not linger open outside the registry.
func (h *Hub) drop(conn Connection) {
	h.Disconnect(conn)
	_ = conn.Close()
}

// addLocked inserts conn if it is not yet tracked and counts it in metrics.
func (h *Hub) addLocked(conn Connection) *entry {
	if e, ok := h.entries[conn.ID()]; ok {
		return e
	}
	address, local := splitAddress(conn.RemoteAddr())
	e := &entry{conn: conn, address: address, local: local}
	h.entries[conn.ID()] = e
	h.total++
	h.byAddress[address]++
	return e
}

// Register binds conn to a claw identity and broadcasts the new roster. Any
// other connection already registered under the same id is closed.
func (h *Hub) Register(conn Connection, id, name, sessionID string) stream.Participant {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := h.now()

	h.mu.Lock()
	// 已被清理并关闭的连接不能重新入表，否则会重复计数
	if !conn.IsOpen() {
		h.mu.Unlock()
		h.logger.Debug("register on closed connection ignored",
			zap.String(logging.KeyConnID, conn.ID()),
			zap.String(logging.KeyClawID, id))
		return stream.Participant{}
	}
	e := h.addLocked(conn)

	var evicted []Connection
	for key, other := range h.entries {
		if other == e || other.participant == nil || other.participant.ID != id {
			continue
		}
		delete(h.entries, key)
		evicted = append(evicted, other.conn)
	}

	joined := now
	if e.participant != nil && e.participant.ID == id {
		joined = e.participant.JoinedAt
	}
	e.participant = &stream.Participant{
		ID:        id,
		Name:      name,
		SessionID: sessionID,
		JoinedAt:  joined,
		LastSeen:  now,
		Address:   e.address,
		Local:     e.local,
	}
	p := *e.participant

	dead := h.fanoutAndSettleLocked(h.encodeStateLocked())
	h.mu.Unlock()

	h.logger.Info("claw registered",
		zap.String(logging.KeyConnID, conn.ID()),
		zap.String(logging.KeyClawID, id),
		zap.String("name", name),
		zap.Bool("local", p.Local),
		zap.Int("evicted", len(evicted)))

	closeAll(append(evicted, dead...))
	return p
}

// Disconnect removes conn. When it was a registered participant the remaining
// subscribers receive the updated roster.
func (h *Hub) Disconnect(conn Connection) {
	h.mu.Lock()
	e, ok := h.entries[conn.ID()]
	if !ok || e.conn != conn {
		h.mu.Unlock()
		return
	}
	delete(h.entries, conn.ID())

	var dead []Connection
	if e.participant != nil {
		dead = h.fanoutAndSettleLocked(h.encodeStateLocked())
	}
	h.mu.Unlock()

	h.logger.Info("connection closed", zap.String(logging.KeyConnID, conn.ID()))
	closeAll(dead)
}

// HandleInbound routes one raw message from conn. Malformed and unknown
// messages are logged and dropped; the connection stays open.
func (h *Hub) HandleInbound(ctx context.Context, conn Connection, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		h.logger.Warn("dropping inbound message", zap.String(logging.KeyConnID, conn.ID()), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Register:
		h.Register(conn, m.ClawID, m.ClawName, m.SessionID)
	case protocol.ClawEvent:
		h.handleClawEvent(ctx, conn, m)
	case protocol.Ping:
		h.handlePing(conn)
	default:
		h.logger.Warn("unhandled inbound message", zap.String(logging.KeyConnID, conn.ID()))
	}
}

func (h *Hub) handlePing(conn Connection) {
	now := h.now()
	h.mu.Lock()
	if e, ok := h.entries[conn.ID()]; ok && e.participant != nil {
		e.participant.LastSeen = now
	}
	h.mu.Unlock()

	data, err := protocol.Encode(protocol.PongMessage(now.UnixMilli()))
	if err != nil {
		h.logger.Error("encode pong", zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Debug("pong send failed", zap.String(logging.KeyConnID, conn.ID()), zap.Error(err))
		h.drop(conn)
	}
}

func (h *Hub) handleClawEvent(ctx context.Context, conn Connection, ev protocol.ClawEvent) {
	now := h.now()
	msg := stream.ClawMessage{
		Kind:       ev.Kind,
		Text:       ev.Content,
		SenderID:   ev.ClawID,
		SenderName: ev.ClawName,
		Timestamp:  now.UnixMilli(),
	}

	h.mu.Lock()
	if e, ok := h.entries[conn.ID()]; ok && e.participant != nil {
		e.participant.LastSeen = now
		if msg.SenderID == "" {
			msg.SenderID = e.participant.ID
		}
		if msg.SenderName == "" {
			msg.SenderName = e.participant.Name
		}
	}
	consumers := append([]Consumer(nil), h.consumers...)
	h.mu.Unlock()

	if msg.SenderName == "" {
		msg.SenderName = msg.SenderID
	}

	if msg.Kind == stream.KindChat {
		h.BroadcastChat(stream.ChatEvent{
			Timestamp:   msg.Timestamp,
			SenderID:    msg.SenderID,
			DisplayName: msg.SenderName,
			Text:        msg.Text,
			Channel:     "claw",
			Roles:       stream.Roles{Claw: true},
		})
	}

	for _, c := range consumers {
		c.Consume(ctx, msg)
	}
}

// BroadcastFrame makes frame current and fans it out once the summarizer
// (if any) has produced its best caption.
func (h *Hub) BroadcastFrame(ctx context.Context, frame *stream.Frame) {
	if frame == nil {
		return
	}
	f := frame.Clone()
	if f.Timestamp == 0 {
		f.Timestamp = h.now().UnixMilli()
	}

	h.mu.Lock()
	h.frame = f
	h.mu.Unlock()

	if h.summarizer != nil {
		if summary := h.summarizer.Summarize(ctx, f); summary != "" {
			captioned := *f
			captioned.Summary = summary

			h.mu.Lock()
			if h.frame == f {
				h.frame = &captioned
			}
			h.mu.Unlock()
			f = &captioned
		}
	}

	data, err := protocol.Encode(protocol.FrameMessage(f, h.now().UnixMilli()))
	if err != nil {
		h.logger.Error("encode frame", zap.Error(err))
		return
	}
	h.broadcast(data)
}

// BroadcastChat appends event to the bounded history and fans it out.
func (h *Hub) BroadcastChat(event stream.ChatEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := h.now().UnixMilli()
	if event.Timestamp == 0 {
		event.Timestamp = now
	}

	data, err := protocol.Encode(protocol.ChatMessage(event, now))
	if err != nil {
		h.logger.Error("encode chat", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.chat = append(h.chat, event)
	if over := len(h.chat) - h.historySize; over > 0 {
		n := copy(h.chat, h.chat[over:])
		clear(h.chat[n:])
		h.chat = h.chat[:n]
	}
	dead := h.fanoutAndSettleLocked(data)
	h.mu.Unlock()

	closeAll(dead)
}

// BroadcastTranscript fans out a coalesced utterance. Transcripts are not retained.
func (h *Hub) BroadcastTranscript(event stream.TranscriptEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = h.now().UnixMilli()
	}
	data, err := protocol.Encode(protocol.TranscriptMessage(event, h.now().UnixMilli()))
	if err != nil {
		h.logger.Error("encode transcript", zap.Error(err))
		return
	}
	h.broadcast(data)
}

// SetLive records the upstream liveness. State is rebroadcast only on an
// edge; it reports whether the call changed anything.
func (h *Hub) SetLive(live bool) bool {
	h.mu.Lock()
	if h.live == live {
		h.mu.Unlock()
		return false
	}
	h.live = live
	if live {
		h.startedAt = h.now().UnixMilli()
	} else {
		h.startedAt = 0
	}
	dead := h.fanoutAndSettleLocked(h.encodeStateLocked())
	h.mu.Unlock()

	h.logger.Info("liveness changed", zap.Bool("live", live))
	closeAll(dead)
	return true
}

// IsLive reports the last liveness edge.
func (h *Hub) IsLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Snapshot returns the derived state with only the most recent chat events.
func (h *Hub) Snapshot() stream.StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// CurrentFrame returns the latest frame, or nil before the first capture.
func (h *Hub) CurrentFrame() *stream.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

// RecentChat returns up to n of the newest chat events, oldest first.
func (h *Hub) RecentChat(n int) []stream.ChatEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recentChatLocked(n)
}

// ConnectionCount is the number of open connections, registered or not.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Metrics reports cumulative and current connection counts.
func (h *Hub) Metrics() stream.ConnectionMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := stream.ConnectionMetrics{
		TotalConnections:     h.total,
		UniqueAddresses:      make([]string, 0, len(h.byAddress)),
		ConnectionsByAddress: make(map[string]int, len(h.byAddress)),
	}
	for _, e := range h.entries {
		if e.local {
			m.LocalConnections++
		} else {
			m.ForeignConnections++
		}
	}
	for addr, n := range h.byAddress {
		m.UniqueAddresses = append(m.UniqueAddresses, addr)
		m.ConnectionsByAddress[addr] = n
	}
	sort.Strings(m.UniqueAddresses)
	return m
}

// Close drops every connection. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]Connection, 0, len(h.entries))
	for key, e := range h.entries {
		conns = append(conns, e.conn)
		delete(h.entries, key)
	}
	h.mu.Unlock()
	closeAll(conns)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	dead := h.fanoutAndSettleLocked(data)
	h.mu.Unlock()
	closeAll(dead)
}

// fanoutAndSettleLocked fans out data and, when pruning removed a registered
// participant, keeps rebroadcasting state until the roster is stable.
func (h *Hub) fanoutAndSettleLocked(data []byte) []Connection {
	dead, changed := h.fanoutLocked(data)
	for changed {
		var more []Connection
		more, changed = h.fanoutLocked(h.encodeStateLocked())
		dead = append(dead, more...)
	}
	return dead
}

// fanoutLocked sends data to every entry. Entries that are closed or whose
// send fails are removed in the same pass.
func (h *Hub) fanoutLocked(data []byte) (dead []Connection, rosterChanged bool) {
	if data == nil {
		return nil, false
	}
	for key, e := range h.entries {
		if e.conn.IsOpen() {
			err := e.conn.Send(data)
			if err == nil {
				continue
			}
			h.logger.Debug("send failed, pruning", zap.String(logging.KeyConnID, key), zap.Error(err))
		}
		delete(h.entries, key)
		dead = append(dead, e.conn)
		if e.participant != nil {
			rosterChanged = true
		}
	}
	return dead, rosterChanged
}

func (h *Hub) encodeStateLocked() []byte {
	data, err := protocol.Encode(protocol.StateMessage(h.snapshotLocked(), h.now().UnixMilli()))
	if err != nil {
		h.logger.Error("encode state", zap.Error(err))
		return nil
	}
	return data
}

func (h *Hub) snapshotLocked() stream.StreamState {
	participants := make([]stream.Participant, 0, len(h.entries))
	for _, e := range h.entries {
		if e.participant != nil {
			participants = append(participants, *e.participant)
		}
	}
	sort.Slice(participants, func(i, j int) bool {
		if !participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].JoinedAt.Before(participants[j].JoinedAt)
		}
		return participants[i].ID < participants[j].ID
	})

	return stream.StreamState{
		Live:         h.live,
		StartedAt:    h.startedAt,
		CurrentFrame: h.frame,
		RecentChat:   h.recentChatLocked(h.snapshotN),
		Participants: participants,
	}
}

func (h *Hub) recentChatLocked(n int) []stream.ChatEvent {
	if n <= 0 || n > len(h.chat) {
		n = len(h.chat)
	}
	return append([]stream.ChatEvent(nil), h.chat[len(h.chat)-n:]...)
}

func closeAll(conns []Connection) {
	for _, c := range conns {
		_ = c.Close()
	}
}
