package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/beaconlabs/beacon/internal/realtime"
)

var testRedisURL string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newInstance builds one broadcaster with its relay attached and listening, as
// if it were a separate process in the fleet.
func newInstance(t *testing.T, ctx context.Context) (*realtime.Broadcaster, *Relay) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := realtime.NewBroadcaster(realtime.Options{})
	t.Cleanup(b.Stop)

	r := New(client, b)
	b.SetRelay(r)
	go r.Start(ctx)

	return b, r
}

// waitForSubscribers blocks until the fleet channel has the expected number of
// redis subscribers, so publishes cannot race the subscriptions.
func waitForSubscribers(t *testing.T, ctx context.Context, expected int64) {
	t.Helper()

	admin, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	defer admin.Close()

	require.Eventually(t, func() bool {
		counts, err := admin.PubSubNumSub(ctx, fanoutChannel).Result()
		return err == nil && counts[fanoutChannel] >= expected
	}, 5*time.Second, 20*time.Millisecond)
}

func dialInto(t *testing.T, b *realtime.Broadcaster, channel string) *ws.Conn {
	t.Helper()

	upgrader := realtime.NewUpgrader(func(*http.Request) bool { return true }, 16, nil)
	ready := make(chan *realtime.Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Accept(w, r)
		if err != nil {
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-ready
	require.NoError(t, b.Register(server, channel))
	return client
}

func readText(t *testing.T, conn *ws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestRelay_CrossInstanceBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1, _ := newInstance(t, ctx)
	b2, _ := newInstance(t, ctx)
	waitForSubscribers(t, ctx, 2)

	remote := dialInto(t, b2, "room1")

	// A broadcast entering instance 1 reaches the member on instance 2.
	b1.Broadcast(realtime.Text("across the fleet"), "room1")
	assert.Equal(t, "across the fleet", readText(t, remote))
}

func TestRelay_OwnPublishesNotDeliveredTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1, _ := newInstance(t, ctx)
	waitForSubscribers(t, ctx, 1)

	local := dialInto(t, b1, "room1")

	delivered := b1.Broadcast(realtime.Text("once only"), "room1")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "once only", readText(t, local))

	// The envelope comes back on the subscription; the instance ID check must
	// drop it instead of re-delivering.
	require.NoError(t, local.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err := local.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_PreservesMessageKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1, _ := newInstance(t, ctx)
	b2, _ := newInstance(t, ctx)
	waitForSubscribers(t, ctx, 2)

	remote := dialInto(t, b2, "room1")

	b1.Broadcast(realtime.Binary([]byte{0xca, 0xfe}), "room1")

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(3*time.Second)))
	frameType, data, err := remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.BinaryMessage, frameType)
	assert.Equal(t, []byte{0xca, 0xfe}, data)
}

func TestRelay_InstanceIDsUnique(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, r1 := newInstance(t, ctx)
	_, r2 := newInstance(t, ctx)

	assert.NotEqual(t, r1.InstanceID(), r2.InstanceID())
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
