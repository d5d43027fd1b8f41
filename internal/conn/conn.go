// Package conn tracks per-peer connection state: the incoming descriptor
// ring, its reader, and a process-wide map from connection ID to
// Connection, mirroring the original zhpe provider's conn_map (spec.md §2).
package conn

import (
	"fmt"
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
	"github.com/zhpe-fabric/progress-engine/internal/ringreader"
)

// State is a connection's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is one peer's ring plus the reader that drains it.
type Connection struct {
	ID       uint64
	PeerAddr string

	mu     sync.RWMutex
	state  State
	ring   *ringbuf.Ring
	reader *ringreader.Reader
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState transitions the connection to state.
func (c *Connection) SetState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Ring returns the connection's incoming descriptor ring.
func (c *Connection) Ring() *ringbuf.Ring { return c.ring }

// SetReader attaches the ringreader.Reader that will drain this
// connection's ring. Separated from construction because the reader needs
// a back-reference to the connection's ID, which Map assigns.
func (c *Connection) SetReader(r *ringreader.Reader) {
	c.mu.Lock()
	c.reader = r
	c.mu.Unlock()
}

// Reader returns the attached reader, or nil if none has been set yet.
func (c *Connection) Reader() *ringreader.Reader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reader
}

// Map is the process-wide connection table, indexed by connection ID.
type Map struct {
	mu     sync.RWMutex
	byID   map[uint64]*Connection
	nextID uint64
}

// NewMap returns an empty connection map.
func NewMap() *Map {
	return &Map{byID: make(map[uint64]*Connection)}
}

// Add registers a new connection to peerAddr, backed by ring, and returns it.
func (m *Map) Add(peerAddr string, ring *ringbuf.Ring) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	c := &Connection{ID: id, PeerAddr: peerAddr, state: StateConnecting, ring: ring}
	m.byID[id] = c
	return c
}

// Get returns the connection with the given ID, if any.
func (m *Map) Get(id uint64) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Remove drops a connection from the map. It returns an error if no such
// connection is registered, mirroring the "duplicate ctx" style checks in
// the original add/remove path (spec.md §2, Open Question #3).
func (m *Map) Remove(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return fmt.Errorf("conn: no connection with id %d", id)
	}
	delete(m.byID, id)
	return nil
}

// Each calls f for every currently registered connection. f must not call
// back into Add/Remove on the same Map.
func (m *Map) Each(f func(*Connection)) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		f(c)
	}
}

// Len reports how many connections are currently registered.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
