package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/beaconlabs/beacon/internal/metrics"
)

// DefaultChannel is the channel every connection joins on registration.
const DefaultChannel = "default"

const (
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	relayPublishTimeout = 2 * time.Second
	commandBufferSize   = 256
)

// RelayPublisher forwards broadcasts to other instances. Implemented by the
// redis relay; nil disables cross-instance fan-out.
type RelayPublisher interface {
	Publish(ctx context.Context, channel string, m Message) error
}

// ChannelInfo describes one channel for introspection endpoints.
type ChannelInfo struct {
	Name     string `json:"name"`
	Members  int    `json:"members"`
	Explicit bool   `json:"explicit"`
}

// Stats is a point-in-time snapshot of registry size.
type Stats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// channelState tracks one channel's member set. Channels created implicitly by
// Register are pruned when their last member leaves; channels created via
// CreateChannel persist until RemoveChannel.
type channelState struct {
	members  map[*Connection]struct{}
	explicit bool
}

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	conn    *Connection
	channel string
	errCh   chan error
}

type unregisterCmd struct {
	baseBroadcasterCmd
	conn    *Connection
	channel string // empty means every channel
}

type createChannelCmd struct {
	baseBroadcasterCmd
	name   string
	doneCh chan struct{}
}

type removeChannelCmd struct {
	baseBroadcasterCmd
	name   string
	doneCh chan struct{}
}

type broadcastCmd struct {
	baseBroadcasterCmd
	channel string
	message Message
	countCh chan int
}

type listChannelsCmd struct {
	baseBroadcasterCmd
	replyCh chan []ChannelInfo
}

type clientCountCmd struct {
	baseBroadcasterCmd
	channel string
	replyCh chan int
}

type statsCmd struct {
	baseBroadcasterCmd
	replyCh chan Stats
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Options configures a Broadcaster.
type Options struct {
	// MaxClientsPerChannel rejects registrations past the limit; zero or
	// negative means unlimited.
	MaxClientsPerChannel int
	Clock                clockwork.Clock
}

// Broadcaster is the process-wide fan-out registry mapping channel names to
// member connections.
type Broadcaster struct {
	cmdCh       chan broadcasterCmd
	clock       clockwork.Clock
	channels    map[string]*channelState
	memberships map[*Connection]map[string]struct{}

	relay RelayPublisher

	maxClientsPerChannel int
	done                 chan struct{}
	doneOnce             sync.Once
	stopTimeout          time.Duration
}

// NewBroadcaster creates and starts a broadcaster.
func NewBroadcaster(opts Options) *Broadcaster {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	b := &Broadcaster{
		cmdCh:                make(chan broadcasterCmd, commandBufferSize),
		clock:                clock,
		channels:             make(map[string]*channelState),
		memberships:          make(map[*Connection]map[string]struct{}),
		maxClientsPerChannel: opts.MaxClientsPerChannel,
		done:                 make(chan struct{}),
		stopTimeout:          stopTimeout,
	}
	go b.run()
	return b
}

// SetRelay attaches the cross-instance relay. Must be called before the
// broadcaster starts serving traffic.
func (b *Broadcaster) SetRelay(r RelayPublisher) {
	b.relay = r
}

// Register adds a connection to a channel, creating the channel if absent.
// Registering an already-member connection is a no-op. An empty channel name
// means DefaultChannel.
func (b *Broadcaster) Register(conn *Connection, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}

	errCh := make(chan error, 1)
	b.cmdCh <- registerCmd{conn: conn, channel: channel, errCh: errCh}

	// Timeout so a stuck broadcaster cannot block the handler forever.
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection from the named channel, or from every
// channel if channel is empty. Unregistering an absent connection is a no-op.
// The socket itself stays open.
func (b *Broadcaster) Unregister(conn *Connection, channel string) {
	b.cmdCh <- unregisterCmd{conn: conn, channel: channel}
}

// Drop removes a connection from every channel. Wired as the connection close
// hook; idempotent.
func (b *Broadcaster) Drop(conn *Connection) {
	b.Unregister(conn, "")
}

// CreateChannel creates a channel that persists until RemoveChannel.
// Idempotent; an existing channel is marked persistent.
func (b *Broadcaster) CreateChannel(name string) {
	doneCh := make(chan struct{})
	b.cmdCh <- createChannelCmd{name: name, doneCh: doneCh}
	<-doneCh
}

// RemoveChannel deletes a channel and forgets its memberships. Removing an
// unknown channel is a no-op.
func (b *Broadcaster) RemoveChannel(name string) {
	doneCh := make(chan struct{})
	b.cmdCh <- removeChannelCmd{name: name, doneCh: doneCh}
	<-doneCh
}

// Broadcast fans a message out to every member of the channel and returns the
// number of recipients the message was handed to. Broadcasting to an unknown
// or empty channel delivers to nobody and is not an error. When a relay is
// attached the message is also published for other instances.
func (b *Broadcaster) Broadcast(m Message, channel string) int {
	if channel == "" {
		channel = DefaultChannel
	}

	n := b.BroadcastLocal(m, channel)

	if b.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		if err := b.relay.Publish(ctx, channel, m); err != nil {
			slog.Warn("Relay publish failed", "channel", channel, "error", err)
			metrics.RelayPublishFailures.Inc()
		}
		cancel()
	}

	return n
}

// BroadcastLocal fans out to members on this instance only. Used by the relay
// to deliver remote broadcasts without republishing them.
func (b *Broadcaster) BroadcastLocal(m Message, channel string) int {
	if channel == "" {
		channel = DefaultChannel
	}

	countCh := make(chan int, 1)
	b.cmdCh <- broadcastCmd{channel: channel, message: m, countCh: countCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-countCh:
		return n
	case <-timer.Chan():
		slog.Warn("Broadcast command timed out", "channel", channel, "timeout", commandTimeout)
		return 0
	}
}

// ListChannels returns a sorted snapshot of all channels.
func (b *Broadcaster) ListChannels() []ChannelInfo {
	replyCh := make(chan []ChannelInfo, 1)
	b.cmdCh <- listChannelsCmd{replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case infos := <-replyCh:
		return infos
	case <-timer.Chan():
		return nil
	}
}

// ClientCount returns the number of members in a channel, or 0 for an unknown
// channel. Returns -1 if the command times out.
func (b *Broadcaster) ClientCount(channel string) int {
	if channel == "" {
		channel = DefaultChannel
	}

	replyCh := make(chan int, 1)
	b.cmdCh <- clientCountCmd{channel: channel, replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// GetStats returns a registry size snapshot.
func (b *Broadcaster) GetStats() Stats {
	replyCh := make(chan Stats, 1)
	b.cmdCh <- statsCmd{replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s := <-replyCh:
		return s
	case <-timer.Chan():
		return Stats{}
	}
}

// Stop shuts down the broadcaster, closing all member connections.
// Blocks until the broadcaster goroutine has exited or timeout is reached.
func (b *Broadcaster) Stop() {
	b.cmdCh <- stopCmd{}

	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcaster stop timeout exceeded, forcing exit", "timeout", b.stopTimeout)
		metrics.BroadcasterStopTimeoutsTotal.Inc()
		b.closeDone()
		slog.Error("Broadcaster goroutine may have leaked", "active_channels", len(b.channels))
	}
}

// closeDone closes the done channel exactly once. Both the actor's exit path
// and the forced-stop path reach here, in either order.
func (b *Broadcaster) closeDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
			b.closeAllClients("broadcaster panic")
		}
	}()
	defer b.closeDone()

	// Track command channel depth every second.
	depthTicker := b.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			metrics.CommandChannelDepth.Set(float64(depth))
			if depth > commandBufferSize*4/5 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}

		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				b.handleRegister(c)
			case unregisterCmd:
				b.handleUnregister(c)
			case createChannelCmd:
				b.handleCreateChannel(c.name)
				close(c.doneCh)
			case removeChannelCmd:
				b.handleRemoveChannel(c.name)
				close(c.doneCh)
			case broadcastCmd:
				c.countCh <- b.handleBroadcast(c)
			case listChannelsCmd:
				c.replyCh <- b.handleListChannels()
			case clientCountCmd:
				if ch, ok := b.channels[c.channel]; ok {
					c.replyCh <- len(ch.members)
				} else {
					c.replyCh <- 0
				}
			case statsCmd:
				c.replyCh <- Stats{Connections: len(b.memberships), Channels: len(b.channels)}
			case stopCmd:
				b.handleStop()
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (b *Broadcaster) handleRegister(c registerCmd) {
	ch, exists := b.channels[c.channel]
	if !exists {
		ch = &channelState{members: make(map[*Connection]struct{})}
		b.channels[c.channel] = ch
	}

	if _, member := ch.members[c.conn]; member {
		c.errCh <- nil
		return
	}

	if b.maxClientsPerChannel > 0 && len(ch.members) >= b.maxClientsPerChannel {
		slog.Warn("Rejecting client: max clients reached",
			"channel", c.channel,
			"max_clients", b.maxClientsPerChannel,
		)
		c.errCh <- fmt.Errorf("max clients per channel (%d) reached", b.maxClientsPerChannel)
		return
	}

	ch.members[c.conn] = struct{}{}

	joined, seen := b.memberships[c.conn]
	if !seen {
		joined = make(map[string]struct{})
		b.memberships[c.conn] = joined
		// First time we see this connection: from here on a transport close
		// unconditionally drops it from every channel.
		c.conn.OnClose(b.Drop)
	}
	joined[c.channel] = struct{}{}

	metrics.ActiveConnections.Set(float64(len(b.memberships)))
	metrics.ActiveChannels.Set(float64(len(b.channels)))

	slog.Debug("Client registered",
		"connection_id", c.conn.ID().String(),
		"channel", c.channel,
		"channel_members", len(ch.members),
	)
	c.errCh <- nil
}

func (b *Broadcaster) handleUnregister(c unregisterCmd) {
	joined, ok := b.memberships[c.conn]
	if !ok {
		return
	}

	if c.channel == "" {
		for name := range joined {
			b.removeMember(name, c.conn)
		}
	} else {
		b.removeMember(c.channel, c.conn)
	}

	if len(joined) == 0 {
		delete(b.memberships, c.conn)
	}

	metrics.ActiveConnections.Set(float64(len(b.memberships)))
	metrics.ActiveChannels.Set(float64(len(b.channels)))
}

// removeMember detaches conn from one channel and prunes the channel if it was
// created implicitly and is now empty.
func (b *Broadcaster) removeMember(name string, conn *Connection) {
	ch, ok := b.channels[name]
	if !ok {
		return
	}
	if _, member := ch.members[conn]; !member {
		return
	}

	delete(ch.members, conn)
	if joined, ok := b.memberships[conn]; ok {
		delete(joined, name)
	}

	if len(ch.members) == 0 && !ch.explicit {
		delete(b.channels, name)
		slog.Debug("Pruned empty channel", "channel", name)
	}
}

func (b *Broadcaster) handleCreateChannel(name string) {
	ch, exists := b.channels[name]
	if !exists {
		ch = &channelState{members: make(map[*Connection]struct{})}
		b.channels[name] = ch
		metrics.ActiveChannels.Set(float64(len(b.channels)))
	}
	ch.explicit = true
}

func (b *Broadcaster) handleRemoveChannel(name string) {
	ch, exists := b.channels[name]
	if !exists {
		return
	}

	for conn := range ch.members {
		if joined, ok := b.memberships[conn]; ok {
			delete(joined, name)
			if len(joined) == 0 {
				delete(b.memberships, conn)
			}
		}
	}
	delete(b.channels, name)

	metrics.ActiveConnections.Set(float64(len(b.memberships)))
	metrics.ActiveChannels.Set(float64(len(b.channels)))
	slog.Info("Channel removed", "channel", name)
}

func (b *Broadcaster) handleBroadcast(c broadcastCmd) int {
	metrics.BroadcastsTotal.Inc()

	ch, exists := b.channels[c.channel]
	if !exists {
		return 0
	}

	// Snapshot the member set before iterating so eviction below cannot
	// corrupt an in-progress pass.
	snapshot := make([]*Connection, 0, len(ch.members))
	for conn := range ch.members {
		snapshot = append(snapshot, conn)
	}

	delivered := 0
	var failed []*Connection
	for _, conn := range snapshot {
		if conn.enqueue(c.message) {
			delivered++
			metrics.DeliveriesTotal.Inc()
		} else {
			failed = append(failed, conn)
			metrics.DeliveryFailuresTotal.Inc()
		}
	}

	// A recipient that cannot accept the message (closed transport or full
	// buffer) is evicted; its failure never aborts delivery to the rest.
	for _, conn := range failed {
		slog.Warn("Evicting unresponsive client",
			"connection_id", conn.ID().String(),
			"channel", c.channel,
		)
		metrics.SlowClientsEvicted.Inc()
		b.evict(conn)
	}

	return delivered
}

// evict removes a connection from every channel and tears its transport down.
func (b *Broadcaster) evict(conn *Connection) {
	b.handleUnregister(unregisterCmd{conn: conn})
	go conn.closeTransport()
}

func (b *Broadcaster) handleListChannels() []ChannelInfo {
	infos := make([]ChannelInfo, 0, len(b.channels))
	for name, ch := range b.channels {
		infos = append(infos, ChannelInfo{Name: name, Members: len(ch.members), Explicit: ch.explicit})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (b *Broadcaster) handleStop() {
	totalClients := len(b.memberships)
	slog.Info("Broadcaster shutting down", "channels", len(b.channels), "total_clients", totalClients)

	b.closeAllClients("server shutting down")

	slog.Info("Broadcaster shutdown complete", "disconnected_clients", totalClients)
}

// closeAllClients closes all member connections with the given reason.
// Used during panic recovery and graceful shutdown.
func (b *Broadcaster) closeAllClients(reason string) {
	for conn := range b.memberships {
		// Close runs the close handshake; run it off the actor goroutine so a
		// slow socket cannot stall shutdown of the rest.
		go conn.Close(reason)
		delete(b.memberships, conn)
	}
	for name := range b.channels {
		delete(b.channels, name)
	}
	metrics.ActiveConnections.Set(0)
	metrics.ActiveChannels.Set(0)
}
