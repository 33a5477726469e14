package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/beaconlabs/beacon/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	defaultSendBuffer = 16
)

// State is the connection lifecycle state.
type State int32

const (
	// StateConnecting covers the window before the upgrade handshake completes.
	StateConnecting State = iota
	// StateOpen means the connection accepts sends and receives.
	StateOpen
	// StateClosing means a close was initiated but teardown has not finished.
	StateClosing
	// StateClosed means the transport is gone.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Upgrader performs the WebSocket upgrade handshake and wraps the resulting
// socket in a Connection.
type Upgrader struct {
	upgrader   websocket.Upgrader
	clock      clockwork.Clock
	sendBuffer int
}

// NewUpgrader creates an upgrader with the given origin policy and per-connection
// send buffer size.
func NewUpgrader(checkOrigin func(r *http.Request) bool, sendBuffer int, clock clockwork.Clock) *Upgrader {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clock:      clock,
		sendBuffer: sendBuffer,
	}
}

// Accept completes the upgrade handshake and returns the wrapped connection.
// A peer that did not request an upgrade, or whose upgrade request is invalid,
// yields a *HandshakeError. On failure the upgrader has already written the
// HTTP error response.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return nil, &HandshakeError{Reason: "not a websocket upgrade request"}
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &HandshakeError{Reason: "upgrade failed", Cause: err}
	}

	return newConnection(conn, u.sendBuffer, u.clock), nil
}

// Connection adapts a raw WebSocket into a uniform send/receive surface with a
// lifecycle state machine. Direct sends propagate errors to the caller; fan-out
// sends go through the buffered writer pump via enqueue.
type Connection struct {
	id    uuid.UUID
	conn  *websocket.Conn
	clock clockwork.Clock

	state atomic.Int32

	writeMu sync.Mutex

	sendCh   chan Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hookMu     sync.Mutex
	closeHooks []func(*Connection)
	hooksFired bool
}

func newConnection(conn *websocket.Conn, sendBuffer int, clock clockwork.Clock) *Connection {
	c := &Connection{
		id:     uuid.New(),
		conn:   conn,
		clock:  clock,
		sendCh: make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))

	c.refreshReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.refreshReadDeadline()
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		// Peer initiated the close handshake. Echo the close frame; the
		// pending read error finishes the teardown.
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, clock.Now().Add(writeDeadline))
		return nil
	})

	c.wg.Add(1)
	go c.writePump()

	return c
}

// ID returns the identifier assigned at upgrade time.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Send writes a message directly, bypassing the fan-out queue. Returns
// ErrConnectionClosed if the connection is not open.
func (c *Connection) Send(m Message) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	if m.IsZero() {
		return fmt.Errorf("cannot send zero message")
	}
	if err := c.write(m.frameType(), m.data); err != nil {
		c.closeTransport()
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// SendText sends a text frame.
func (c *Connection) SendText(s string) error {
	return c.Send(Text(s))
}

// SendBinary sends a binary frame.
func (c *Connection) SendBinary(b []byte) error {
	return c.Send(Binary(b))
}

// SendJSON encodes v and sends it as a text frame. Returns *EncodingError if v
// is not serializable.
func (c *Connection) SendJSON(v any) error {
	m, err := JSON(v)
	if err != nil {
		return err
	}
	return c.Send(m)
}

// ReceiveMessage blocks until a data frame arrives or the connection closes.
func (c *Connection) ReceiveMessage() (Message, error) {
	if s := c.State(); s != StateOpen {
		return Message{}, ErrConnectionClosed
	}

	frameType, data, err := c.conn.ReadMessage()
	if err != nil {
		c.closeTransport()
		return Message{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.refreshReadDeadline()

	if frameType == websocket.BinaryMessage {
		return Binary(data), nil
	}
	return Text(string(data)), nil
}

// ReceiveText blocks until a frame arrives and returns its payload as text.
func (c *Connection) ReceiveText() (string, error) {
	m, err := c.ReceiveMessage()
	if err != nil {
		return "", err
	}
	return string(m.data), nil
}

// ReceiveJSON blocks until a frame arrives and decodes it into v. Returns
// *DecodingError if the payload is not valid JSON.
func (c *Connection) ReceiveJSON(v any) error {
	m, err := c.ReceiveMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(m.data, v); err != nil {
		return &DecodingError{Cause: err}
	}
	return nil
}

// Ping sends a ping control frame.
func (c *Connection) Ping(data []byte) error {
	return c.writeControl(websocket.PingMessage, data)
}

// Pong sends an unsolicited pong control frame.
func (c *Connection) Pong(data []byte) error {
	return c.writeControl(websocket.PongMessage, data)
}

// Close performs the close handshake and tears down the transport. Safe to call
// multiple times.
func (c *Connection) Close(reason string) {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

	c.stopOnce.Do(func() {
		close(c.done)
		// Wait for the writer pump so the close frame is not interleaved with a
		// data frame.
		c.wg.Wait()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(writeDeadline))
		_ = c.conn.Close()
	})

	c.state.Store(int32(StateClosed))
	c.fireCloseHooks()
}

// OnClose registers a hook invoked exactly once when the transport closes, from
// any cause. A hook registered after close runs immediately.
func (c *Connection) OnClose(hook func(*Connection)) {
	c.hookMu.Lock()
	fired := c.hooksFired
	if !fired {
		c.closeHooks = append(c.closeHooks, hook)
	}
	c.hookMu.Unlock()

	if fired {
		hook(c)
	}
}

// enqueue hands a message to the writer pump without blocking. Reports false if
// the connection is not open or the buffer is full.
func (c *Connection) enqueue(m Message) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.sendCh <- m:
		return true
	default:
		return false
	}
}

// closeTransport tears the connection down without a close handshake. Used when
// the transport is already known dead.
func (c *Connection) closeTransport() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	c.state.Store(int32(StateClosed))
	c.fireCloseHooks()
}

func (c *Connection) fireCloseHooks() {
	c.hookMu.Lock()
	if c.hooksFired {
		c.hookMu.Unlock()
		return
	}
	c.hooksFired = true
	hooks := c.closeHooks
	c.closeHooks = nil
	c.hookMu.Unlock()

	for _, hook := range hooks {
		hook(c)
	}
}

func (c *Connection) writePump() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case m, ok := <-c.sendCh:
			if !ok {
				return
			}
			start := c.clock.Now()
			if err := c.write(m.frameType(), m.data); err != nil {
				go c.closeTransport()
				return
			}
			metrics.MessageSendDuration.Observe(c.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				metrics.PingFailures.Inc()
				go c.closeTransport()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(frameType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
	return c.conn.WriteMessage(frameType, data)
}

func (c *Connection) writeControl(frameType int, data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	deadline := c.clock.Now().Add(writeDeadline)
	if err := c.conn.WriteControl(frameType, data, deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Connection) refreshReadDeadline() {
	_ = c.conn.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
