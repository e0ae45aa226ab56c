package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/clawstream/backend/internal/hub"
	"github.com/zhouzirui/clawstream/backend/internal/protocol"
)

func newTestServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Options{})
	r := chi.NewRouter()
	New(h, Options{PongWait: 2 * time.Second, WriteWait: time.Second}, nil).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	return ev
}

func send(t *testing.T, c *websocket.Conn, msg protocol.Inbound) {
	t.Helper()
	data, err := protocol.EncodeInbound(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocketRegisterAndPing(t *testing.T) {
	h, url := newTestServer(t)
	c := dial(t, url)

	first := readEvent(t, c)
	require.Equal(t, protocol.TypeState, first.Type)
	assert.Empty(t, first.State.Participants)

	send(t, c, protocol.Register{ClawID: "a", ClawName: "Alpha"})
	roster := readEvent(t, c)
	require.Equal(t, protocol.TypeState, roster.Type)
	require.Len(t, roster.State.Participants, 1)
	assert.Equal(t, "Alpha", roster.State.Participants[0].Name)
	assert.True(t, roster.State.Participants[0].Local)

	send(t, c, protocol.Ping{})
	pong := readEvent(t, c)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)

	assert.Equal(t, 1, h.ConnectionCount())
}

func TestWebSocketDisconnectUpdatesRoster(t *testing.T) {
	h, url := newTestServer(t)
	a := dial(t, url)
	b := dial(t, url)
	readEvent(t, a)
	readEvent(t, b)

	send(t, a, protocol.Register{ClawID: "a"})
	readEvent(t, a)
	readEvent(t, b)

	require.NoError(t, a.Close())

	ev := readEvent(t, b)
	require.Equal(t, protocol.TypeState, ev.Type)
	assert.Empty(t, ev.State.Participants)
	assert.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketMalformedMessageKeepsConnection(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	readEvent(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("garbage")))
	send(t, c, protocol.Ping{})

	ev := readEvent(t, c)
	assert.Equal(t, protocol.TypePong, ev.Type)
}

func TestConnSendAfterClose(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send([]byte("x")))
	assert.ErrorIs(t, c.Send([]byte("y")), ErrQueueFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Send([]byte("z")), ErrClosed)
}
