package realtime

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/beaconlabs/beacon/internal/metrics"
)

const sessionChannelPrefix = "session:"

func sessionChannel(id string) string {
	return sessionChannelPrefix + id
}

// IsReservedChannel reports whether the name lies in the session-scoped
// namespace. Callers exposing Register to external input must reject reserved
// names, otherwise a client could join another session's channel and receive
// its targeted messages.
func IsReservedChannel(name string) bool {
	return strings.HasPrefix(name, sessionChannelPrefix)
}

// SessionInfo describes one session for introspection endpoints.
type SessionInfo struct {
	ID           string    `json:"id"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"last_activity"`
}

type sessionEntry struct {
	conns        map[uuid.UUID]*Connection
	lastActivity time.Time
}

// SessionManager groups connections under named sessions on top of the
// Broadcaster. Each session is backed by a session-scoped channel, so SendTo is
// plain channel fan-out with all of its failure isolation.
type SessionManager struct {
	mu          sync.Mutex
	broadcaster *Broadcaster
	clock       clockwork.Clock
	sessions    map[string]*sessionEntry
}

// NewSessionManager creates a session manager backed by the given broadcaster.
func NewSessionManager(b *Broadcaster, clock clockwork.Clock) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionManager{
		broadcaster: b,
		clock:       clock,
		sessions:    make(map[string]*sessionEntry),
	}
}

// AddSession registers the connection under the session's channel, creating the
// session if absent and extending it otherwise.
func (sm *SessionManager) AddSession(id string, conn *Connection) error {
	if err := sm.broadcaster.Register(conn, sessionChannel(id)); err != nil {
		return err
	}

	sm.mu.Lock()
	entry, exists := sm.sessions[id]
	if !exists {
		entry = &sessionEntry{conns: make(map[uuid.UUID]*Connection)}
		sm.sessions[id] = entry
		metrics.ActiveSessions.Set(float64(len(sm.sessions)))
	}
	_, tracked := entry.conns[conn.ID()]
	entry.conns[conn.ID()] = conn
	entry.lastActivity = sm.clock.Now()
	sm.mu.Unlock()

	if !tracked {
		conn.OnClose(sm.dropConnection)
	}
	return nil
}

// RemoveSession unregisters the session's connections from its channel and
// deletes the session. Sockets stay open; removing an unknown session is a
// no-op.
func (sm *SessionManager) RemoveSession(id string) {
	sm.mu.Lock()
	entry, exists := sm.sessions[id]
	if exists {
		delete(sm.sessions, id)
		metrics.ActiveSessions.Set(float64(len(sm.sessions)))
	}
	sm.mu.Unlock()

	if !exists {
		return
	}

	for _, conn := range entry.conns {
		sm.broadcaster.Unregister(conn, sessionChannel(id))
	}
}

// SendTo broadcasts to the named session only, returning the delivery count.
// A missing session delivers to nobody; sessions legitimately race with
// cleanup, so that is not an error.
func (sm *SessionManager) SendTo(id string, m Message) int {
	sm.mu.Lock()
	if entry, ok := sm.sessions[id]; ok {
		entry.lastActivity = sm.clock.Now()
	}
	sm.mu.Unlock()

	return sm.broadcaster.Broadcast(m, sessionChannel(id))
}

// BroadcastAll fans the message out on the default channel.
func (sm *SessionManager) BroadcastAll(m Message) int {
	return sm.broadcaster.Broadcast(m, DefaultChannel)
}

// Touch refreshes the session's last-activity timestamp. Reports whether the
// session exists.
func (sm *SessionManager) Touch(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.sessions[id]
	if !ok {
		return false
	}
	entry.lastActivity = sm.clock.Now()
	return true
}

// LastActivity returns the session's last-activity timestamp.
func (sm *SessionManager) LastActivity(id string) (time.Time, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastActivity, true
}

// SessionCount returns the number of active sessions.
func (sm *SessionManager) SessionCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// SessionIDs returns all session IDs, sorted.
func (sm *SessionManager) SessionIDs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of all sessions, sorted by ID.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sm.sessions))
	for id, entry := range sm.sessions {
		infos = append(infos, SessionInfo{
			ID:           id,
			Connections:  len(entry.conns),
			LastActivity: entry.lastActivity,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// dropConnection removes a closed connection from session bookkeeping. Channel
// membership cleanup is the broadcaster close hook's job; sessions whose last
// connection is gone are pruned.
func (sm *SessionManager) dropConnection(conn *Connection) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, entry := range sm.sessions {
		if _, ok := entry.conns[conn.ID()]; !ok {
			continue
		}
		delete(entry.conns, conn.ID())
		if len(entry.conns) == 0 {
			delete(sm.sessions, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(sm.sessions)))
}
