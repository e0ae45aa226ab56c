package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
	"github.com/zhouzirui/clawstream/backend/internal/protocol"
)

type mockConn struct {
	id       string
	addr     string
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	failSend bool
}

func newMockConn(id, addr string) *mockConn {
	return &mockConn{id: id, addr: addr}
}

func (m *mockConn) ID() string         { return m.id }
func (m *mockConn) RemoteAddr() string { return m.addr }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.failSend {
		return errors.New("send failed")
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) events(t *testing.T) []protocol.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Event, 0, len(m.sent))
	for _, data := range m.sent {
		ev, err := protocol.DecodeOutbound(data)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (m *mockConn) states(t *testing.T) []stream.StreamState {
	t.Helper()
	var out []stream.StreamState
	for _, ev := range m.events(t) {
		if ev.State != nil {
			out = append(out, *ev.State)
		}
	}
	return out
}

func (m *mockConn) reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

func rosterIDs(s stream.StreamState) []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func newTestHub(opts Options) *Hub {
	return New(opts)
}

func TestHub_ConnectSendsSnapshot(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "127.0.0.1:5000")

	h.Connect(conn)

	states := conn.states(t)
	require.Len(t, states, 1)
	assert.False(t, states[0].Live)
	assert.Empty(t, states[0].Participants)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHub_RosterScenario(t *testing.T) {
	h := newTestHub(Options{})
	a := newMockConn("ca", "127.0.0.1:1")
	b := newMockConn("cb", "127.0.0.1:2")

	h.Connect(a)
	h.Register(a, "A", "Alpha", "")
	h.Connect(b)
	a.reset()
	b.reset()

	h.Register(b, "B", "Beta", "")

	for _, c := range []*mockConn{a, b} {
		states := c.states(t)
		require.Len(t, states, 1, c.id)
		assert.ElementsMatch(t, []string{"A", "B"}, rosterIDs(states[0]))
	}

	b.reset()
	h.Disconnect(a)

	states := b.states(t)
	require.Len(t, states, 1)
	assert.Equal(t, []string{"B"}, rosterIDs(states[0]))
}

func TestHub_ReRegistrationEvictsOldConnection(t *testing.T) {
	h := newTestHub(Options{})
	first := newMockConn("c1", "10.0.0.1:1")
	second := newMockConn("c2", "10.0.0.1:2")

	h.Connect(first)
	h.Register(first, "A", "Alpha", "s1")
	h.Connect(second)
	h.Register(second, "A", "Alpha", "s2")

	snap := h.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "s2", snap.Participants[0].SessionID)
	assert.True(t, first.closed)
	assert.Equal(t, 1, h.ConnectionCount())

	// late disconnect from the evicted socket must not touch the new one
	h.Disconnect(first)
	assert.Len(t, h.Snapshot().Participants, 1)
}

func TestHub_RegistryMatchesOpenConnections(t *testing.T) {
	h := newTestHub(Options{})
	conns := make([]*mockConn, 0, 10)

	for i := 0; i < 10; i++ {
		c := newMockConn(fmt.Sprintf("c%d", i), "127.0.0.1:1")
		conns = append(conns, c)
		h.Connect(c)
		h.Register(c, fmt.Sprintf("claw-%d", i%4), "", "")
	}
	for i := 0; i < 10; i += 3 {
		h.Disconnect(conns[i])
		_ = conns[i].Close()
	}

	open := 0
	for _, c := range conns {
		if c.IsOpen() {
			open++
		}
	}

	assert.Equal(t, open, h.ConnectionCount())
	snap := h.Snapshot()
	seen := map[string]bool{}
	for _, p := range snap.Participants {
		assert.False(t, seen[p.ID], "duplicate participant %s", p.ID)
		seen[p.ID] = true
	}
	assert.Equal(t, open, len(snap.Participants))
}

func TestHub_ChatHistoryIsBoundedFIFO(t *testing.T) {
	h := newTestHub(Options{ChatHistoryLimit: 5, SnapshotChatLimit: 3})

	for i := 0; i < 12; i++ {
		h.BroadcastChat(stream.ChatEvent{ID: fmt.Sprintf("m%d", i), Text: "hi"})
	}

	recent := h.RecentChat(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "m7", recent[0].ID)
	assert.Equal(t, "m11", recent[4].ID)

	snap := h.Snapshot()
	require.Len(t, snap.RecentChat, 3)
	assert.Equal(t, "m9", snap.RecentChat[0].ID)
}

func TestHub_SetLiveIsEdgeTriggered(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	conn.reset()

	assert.True(t, h.SetLive(true))
	assert.False(t, h.SetLive(true))

	states := conn.states(t)
	require.Len(t, states, 1)
	assert.True(t, states[0].Live)
	assert.NotZero(t, states[0].StartedAt)

	assert.True(t, h.SetLive(false))
	assert.Len(t, conn.states(t), 2)
	assert.Zero(t, h.Snapshot().StartedAt)
}

func TestHub_SnapshotOnConnectReflectsLastEdge(t *testing.T) {
	h := newTestHub(Options{})
	h.SetLive(true)
	h.SetLive(false)
	h.SetLive(true)

	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)

	states := conn.states(t)
	require.Len(t, states, 1)
	assert.True(t, states[0].Live)
}

func TestHub_FanoutPrunesFailedConnections(t *testing.T) {
	h := newTestHub(Options{})
	good := newMockConn("good", "127.0.0.1:1")
	bad := newMockConn("bad", "127.0.0.1:2")

	h.Connect(good)
	h.Connect(bad)
	h.Register(good, "G", "Good", "")
	h.Register(bad, "B", "Bad", "")
	good.reset()

	bad.failSend = true
	h.BroadcastTranscript(stream.TranscriptEvent{Text: "hello"})

	events := good.events(t)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Transcript)
	assert.Equal(t, "hello", events[0].Transcript.Text)
	require.NotNil(t, events[1].State)
	assert.Equal(t, []string{"G"}, rosterIDs(*events[1].State))
	assert.Equal(t, 1, h.ConnectionCount())
	assert.True(t, bad.closed)
}

func TestHub_ClosedConnectionIsPrunedWithoutSend(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	_ = conn.Close()

	h.BroadcastChat(stream.ChatEvent{Text: "x"})
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHub_MalformedInboundKeepsConnection(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	conn.reset()

	h.HandleInbound(context.Background(), conn, []byte(`{not json`))
	h.HandleInbound(context.Background(), conn, []byte(`{"type":"wave"}`))

	assert.True(t, conn.IsOpen())
	assert.Equal(t, 1, h.ConnectionCount())
	assert.Empty(t, conn.events(t))
}

func TestHub_PingRepliesPongAndTouchesLastSeen(t *testing.T) {
	clock := time.Unix(1000, 0)
	h := newTestHub(Options{Now: func() time.Time { return clock }})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	h.HandleInbound(context.Background(), conn, []byte(`{"type":"register","clawId":"A"}`))
	conn.reset()

	clock = clock.Add(5 * time.Second)
	h.HandleInbound(context.Background(), conn, []byte(`{"type":"ping"}`))

	events := conn.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.TypePong, events[0].Type)
	assert.Equal(t, clock.UnixMilli(), events[0].Timestamp)

	p := h.Snapshot().Participants[0]
	assert.Equal(t, clock, p.LastSeen)
	assert.Equal(t, time.Unix(1000, 0), p.JoinedAt)
}

func TestHub_ClawMessagesReachConsumers(t *testing.T) {
	h := newTestHub(Options{})
	var (
		mu  sync.Mutex
		got []stream.ClawMessage
	)
	h.AddConsumer(ConsumerFunc(func(_ context.Context, msg stream.ClawMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))

	sender := newMockConn("c1", "127.0.0.1:1")
	watcher := newMockConn("c2", "127.0.0.1:2")
	h.Connect(sender)
	h.Connect(watcher)
	h.Register(sender, "A", "Alpha", "")
	watcher.reset()

	ctx := context.Background()
	h.HandleInbound(ctx, sender, []byte(`{"type":"chat","content":"gg"}`))
	h.HandleInbound(ctx, sender, []byte(`{"type":"reaction","content":"🔥","clawId":"A","clawName":"Alpha"}`))
	h.HandleInbound(ctx, sender, []byte(`{"type":"observation","content":"boss is low"}`))

	mu.Lock()
	require.Len(t, got, 3)
	assert.Equal(t, stream.KindChat, got[0].Kind)
	assert.Equal(t, "A", got[0].SenderID)
	assert.Equal(t, "Alpha", got[0].SenderName)
	assert.NotZero(t, got[0].Timestamp)
	assert.Equal(t, stream.KindObservation, got[2].Kind)
	mu.Unlock()

	// only chat is rebroadcast and retained
	events := watcher.events(t)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Chat)
	assert.Equal(t, "gg", events[0].Chat.Text)
	assert.True(t, events[0].Chat.Roles.Claw)
	assert.Len(t, h.RecentChat(0), 1)
}

type stubSummarizer struct {
	text  string
	calls int
}

func (s *stubSummarizer) Summarize(_ context.Context, _ *stream.Frame) string {
	s.calls++
	return s.text
}

func TestHub_BroadcastFrameCarriesSummary(t *testing.T) {
	summarizer := &stubSummarizer{text: "a cat on a keyboard"}
	h := newTestHub(Options{Summarizer: summarizer})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	conn.reset()

	image := []byte{0xff, 0xd8}
	h.BroadcastFrame(context.Background(), &stream.Frame{Image: image, Format: "jpeg"})
	image[0] = 0

	events := conn.events(t)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Frame)
	assert.Equal(t, "a cat on a keyboard", events[0].Frame.Summary)
	assert.Equal(t, byte(0xff), events[0].Frame.Image[0])
	assert.Equal(t, 1, summarizer.calls)

	current := h.CurrentFrame()
	require.NotNil(t, current)
	assert.Equal(t, "a cat on a keyboard", current.Summary)
	assert.NotZero(t, current.Timestamp)
}

func TestHub_BroadcastFrameWithoutSummarizer(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "127.0.0.1:1")
	h.Connect(conn)
	conn.reset()

	h.BroadcastFrame(context.Background(), &stream.Frame{Image: []byte{1}, Format: "png", Timestamp: 5})

	events := conn.events(t)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Frame.Summary)
	assert.Equal(t, int64(5), h.Snapshot().CurrentFrame.Timestamp)
}

func TestHub_Metrics(t *testing.T) {
	h := newTestHub(Options{})
	local := newMockConn("c1", "127.0.0.1:1")
	private := newMockConn("c2", "192.168.1.4:9")
	foreign := newMockConn("c3", "8.8.8.8:443")
	again := newMockConn("c4", "8.8.8.8:444")

	for _, c := range []*mockConn{local, private, foreign, again} {
		h.Connect(c)
	}
	h.Disconnect(again)

	m := h.Metrics()
	assert.Equal(t, 4, m.TotalConnections)
	assert.Equal(t, 2, m.LocalConnections)
	assert.Equal(t, 1, m.ForeignConnections)
	assert.Equal(t, []string{"127.0.0.1", "192.168.1.4", "8.8.8.8"}, m.UniqueAddresses)
	assert.Equal(t, 2, m.ConnectionsByAddress["8.8.8.8"])
}

func TestHub_FailedPongClosesConnection(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "10.0.0.2:1")
	h.Connect(conn)
	h.HandleInbound(context.Background(), conn, []byte(`{"type":"register","clawId":"a","clawName":"A"}`))
	require.Len(t, h.Snapshot().Participants, 1)

	conn.mu.Lock()
	conn.failSend = true
	conn.mu.Unlock()
	h.HandleInbound(context.Background(), conn, []byte(`{"type":"ping"}`))

	assert.False(t, conn.IsOpen())
	assert.Equal(t, 0, h.ConnectionCount())
	assert.Empty(t, h.Snapshot().Participants)
}

func TestHub_FailedInitialStateClosesConnection(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "10.0.0.2:1")
	conn.failSend = true

	h.Connect(conn)

	assert.False(t, conn.IsOpen())
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHub_RegisterAfterPruneIsIgnored(t *testing.T) {
	h := newTestHub(Options{})
	conn := newMockConn("c1", "8.8.8.8:1")
	h.Connect(conn)
	require.NoError(t, conn.Close())
	h.SetLive(true) // fan-out prunes the closed connection
	require.Equal(t, 0, h.ConnectionCount())

	p := h.Register(conn, "a", "A", "s1")

	assert.Empty(t, p.ID)
	assert.Equal(t, 0, h.ConnectionCount())
	assert.Empty(t, h.Snapshot().Participants)
	m := h.Metrics()
	assert.Equal(t, 1, m.TotalConnections)
	assert.Equal(t, 1, m.ConnectionsByAddress["8.8.8.8"])
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		in    string
		host  string
		local bool
	}{
		{"127.0.0.1:80", "127.0.0.1", true},
		{"[::1]:80", "::1", true},
		{"10.1.2.3:1", "10.1.2.3", true},
		{"fd00::1", "fd00::1", true},
		{"169.254.10.1:5", "169.254.10.1", true},
		{"203.0.113.7", "203.0.113.7", false},
		{"not-an-ip", "not-an-ip", false},
	}
	for _, tc := range cases {
		host, local := splitAddress(tc.in)
		assert.Equal(t, tc.host, host, tc.in)
		assert.Equal(t, tc.local, local, tc.in)
	}
}

func TestHub_CloseDropsEverything(t *testing.T) {
	h := newTestHub(Options{})
	a := newMockConn("a", "127.0.0.1:1")
	h.Connect(a)
	h.Close()

	assert.Equal(t, 0, h.ConnectionCount())
	assert.True(t, a.closed)
}
