package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newConnFactory returns a dial function producing real server/client
// connection pairs over a loopback WebSocket server.
func newConnFactory(t *testing.T) func() (*Connection, *ws.Conn) {
	t.Helper()

	upgrader := NewUpgrader(func(*http.Request) bool { return true }, 16, clockwork.NewRealClock())
	ready := make(chan *Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Accept(w, r)
		if err != nil {
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return func() (*Connection, *ws.Conn) {
		t.Helper()
		client, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		server := <-ready
		t.Cleanup(server.closeTransport)
		return server, client
	}
}

func testBroadcaster(t *testing.T, opts Options) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(opts)
	t.Cleanup(b.Stop)
	return b
}

func waitForClientCount(b *Broadcaster, channel string, expected int) bool {
	for range 200 {
		if b.ClientCount(channel) == expected {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func readText(t *testing.T, conn *ws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestBroadcaster_BroadcastToChannel(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	var clients []*ws.Conn
	for range 3 {
		server, client := dial()
		require.NoError(t, b.Register(server, "room1"))
		clients = append(clients, client)
	}
	require.Equal(t, 3, b.ClientCount("room1"))

	delivered := b.Broadcast(Text("hello"), "room1")
	assert.Equal(t, 3, delivered)

	for _, client := range clients {
		assert.Equal(t, "hello", readText(t, client))
	}
}

func TestBroadcaster_FailedRecipientDoesNotAbortFanOut(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	serverA, clientA := dial()
	serverB, _ := dial()
	serverC, clientC := dial()
	for _, conn := range []*Connection{serverA, serverB, serverC} {
		require.NoError(t, b.Register(conn, "room1"))
	}

	// Kill B's socket underneath the wrapper so the next write fails.
	require.NoError(t, serverB.conn.Close())

	b.Broadcast(Text("first"), "room1")
	assert.Equal(t, "first", readText(t, clientA))
	assert.Equal(t, "first", readText(t, clientC))

	// The writer pump's failed write evicts B from the channel.
	require.True(t, waitForClientCount(b, "room1", 2))

	delivered := b.Broadcast(Text("second"), "room1")
	assert.Equal(t, 2, delivered)
	assert.Equal(t, "second", readText(t, clientA))
	assert.Equal(t, "second", readText(t, clientC))
}

func TestBroadcaster_UnknownChannelDeliversNothing(t *testing.T) {
	b := testBroadcaster(t, Options{})
	assert.Equal(t, 0, b.Broadcast(Text("void"), "no-such-channel"))
}

func TestBroadcaster_RegisterIdempotent(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, client := dial()
	require.NoError(t, b.Register(server, "room1"))
	require.NoError(t, b.Register(server, "room1"))
	assert.Equal(t, 1, b.ClientCount("room1"))

	delivered := b.Broadcast(Text("once"), "room1")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "once", readText(t, client))

	// No duplicate delivery should be waiting.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcaster_UnregisterSingleChannel(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, client := dial()
	require.NoError(t, b.Register(server, "a"))
	require.NoError(t, b.Register(server, "b"))

	b.Unregister(server, "a")
	require.True(t, waitForClientCount(b, "a", 0))
	assert.Equal(t, 1, b.ClientCount("b"))

	// The connection is untouched; channel b still delivers.
	b.Broadcast(Text("still here"), "b")
	assert.Equal(t, "still here", readText(t, client))
	assert.Equal(t, StateOpen, server.State())
}

func TestBroadcaster_UnregisterAbsentConnectionIsNoop(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, _ := dial()
	b.Unregister(server, "never-joined")
	b.Drop(server)

	assert.Equal(t, 0, b.ClientCount("never-joined"))
}

func TestBroadcaster_CloseRemovesFromAllChannels(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, _ := dial()
	require.NoError(t, b.Register(server, "a"))
	require.NoError(t, b.Register(server, "b"))

	server.Close("test over")

	require.True(t, waitForClientCount(b, "a", 0))
	require.True(t, waitForClientCount(b, "b", 0))
	stats := b.GetStats()
	assert.Equal(t, 0, stats.Connections)
}

func TestBroadcaster_ImplicitChannelPrunedWhenEmpty(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, _ := dial()
	require.NoError(t, b.Register(server, "ephemeral"))
	b.Unregister(server, "ephemeral")
	require.True(t, waitForClientCount(b, "ephemeral", 0))

	for _, info := range b.ListChannels() {
		assert.NotEqual(t, "ephemeral", info.Name)
	}
}

func TestBroadcaster_ExplicitChannelPersistsWhenEmpty(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	b.CreateChannel("lobby")

	server, _ := dial()
	require.NoError(t, b.Register(server, "lobby"))
	b.Unregister(server, "lobby")
	require.True(t, waitForClientCount(b, "lobby", 0))

	infos := b.ListChannels()
	require.Len(t, infos, 1)
	assert.Equal(t, "lobby", infos[0].Name)
	assert.True(t, infos[0].Explicit)
	assert.Equal(t, 0, infos[0].Members)
}

func TestBroadcaster_CreateChannelIdempotent(t *testing.T) {
	b := testBroadcaster(t, Options{})

	b.CreateChannel("lobby")
	b.CreateChannel("lobby")

	assert.Len(t, b.ListChannels(), 1)
}

func TestBroadcaster_RemoveChannelLeavesSocketsOpen(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server, client := dial()
	require.NoError(t, b.Register(server, "doomed"))
	require.NoError(t, b.Register(server, "survivor"))

	b.RemoveChannel("doomed")

	assert.Equal(t, 0, b.ClientCount("doomed"))
	assert.Equal(t, StateOpen, server.State())

	b.Broadcast(Text("alive"), "survivor")
	assert.Equal(t, "alive", readText(t, client))
}

func TestBroadcaster_RemoveUnknownChannelIsNoop(t *testing.T) {
	b := testBroadcaster(t, Options{})
	b.RemoveChannel("never-existed")
	assert.Empty(t, b.ListChannels())
}

func TestBroadcaster_MaxClientsPerChannel(t *testing.T) {
	b := testBroadcaster(t, Options{MaxClientsPerChannel: 2})
	dial := newConnFactory(t)

	for i := range 2 {
		server, _ := dial()
		require.NoError(t, b.Register(server, "small"), "client %d should register", i)
	}

	server, _ := dial()
	err := b.Register(server, "small")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max clients per channel")

	// The limit is per channel, not global.
	require.NoError(t, b.Register(server, "other"))
}

func TestBroadcaster_ListChannelsSorted(t *testing.T) {
	b := testBroadcaster(t, Options{})

	b.CreateChannel("zebra")
	b.CreateChannel("alpha")
	b.CreateChannel("mid")

	infos := b.ListChannels()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zebra", infos[2].Name)
}

func TestBroadcaster_Stats(t *testing.T) {
	b := testBroadcaster(t, Options{})
	dial := newConnFactory(t)

	server1, _ := dial()
	server2, _ := dial()
	require.NoError(t, b.Register(server1, "a"))
	require.NoError(t, b.Register(server1, "b"))
	require.NoError(t, b.Register(server2, "a"))

	stats := b.GetStats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Channels)
}

func TestBroadcaster_ForcedStopThenActorExitDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(Options{})

	// The timed-out Stop path closes done first; the actor's own exit close
	// must then be a no-op rather than a double close.
	b.closeDone()
	b.cmdCh <- stopCmd{}

	assert.Eventually(t, func() bool {
		select {
		case <-b.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	// A panic in the actor goroutine would crash the test binary here.
	time.Sleep(50 * time.Millisecond)
}

func TestBroadcaster_StopClosesClients(t *testing.T) {
	b := NewBroadcaster(Options{})
	dial := newConnFactory(t)

	server, client := dial()
	require.NoError(t, b.Register(server, "room1"))

	b.Stop()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}
	assert.Eventually(t, func() bool {
		return server.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}
