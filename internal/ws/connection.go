package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection:
// its identity, the set of rooms it has joined, and a write mutex for
// serializing outbound frames. A connection is owned exclusively by the
// server process that accepted it and is destroyed on disconnect.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // authenticated user identity
	Username  string    // display name from the handshake token
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last heartbeat received from the client

	roomsMu sync.RWMutex
	rooms   map[string]struct{} // joined room names

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// InRoom reports whether the connection has joined the given room.
func (c *Connection) InRoom(room string) bool {
	c.roomsMu.RLock()
	_, ok := c.rooms[room]
	c.roomsMu.RUnlock()
	return ok
}

// Rooms returns a snapshot of the connection's joined rooms.
func (c *Connection) Rooms() []string {
	c.roomsMu.RLock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	c.roomsMu.RUnlock()
	return out
}

// joinRoom records room membership on the connection. Idempotent. Callers go
// through ConnectionManager.JoinRoom so the room index stays consistent.
func (c *Connection) joinRoom(room string) {
	c.roomsMu.Lock()
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()
}

// ConnectionManager is a thread-safe registry mapping connection IDs, file
// descriptors, user IDs, and rooms to Connection objects. The room index is
// what lets a bus envelope be delivered to local members in O(members)
// instead of scanning every connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
	byRoom map[string]map[string]*Connection // room -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
		byRoom: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID, fd, and user lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	if conn.UserID != "" {
		if cm.byUser[conn.UserID] == nil {
			cm.byUser[conn.UserID] = make(map[string]*Connection)
		}
		cm.byUser[conn.UserID][conn.ID] = conn
	}
	cm.mu.Unlock()
}

// JoinRoom adds the connection to a room, updating both the connection's own
// room set and the manager's room index. Idempotent.
func (cm *ConnectionManager) JoinRoom(conn *Connection, room string) {
	conn.joinRoom(room)

	cm.mu.Lock()
	if cm.byRoom[room] == nil {
		cm.byRoom[room] = make(map[string]*Connection)
	}
	cm.byRoom[room][conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and clears it from every index including its rooms. Returns
// true if the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if conns := cm.byUser[conn.UserID]; conns != nil {
			delete(conns, id)
			if len(conns) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
		for _, room := range conn.Rooms() {
			if members := cm.byRoom[room]; members != nil {
				delete(members, id)
				if len(members) == 0 {
					delete(cm.byRoom, room)
				}
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// UserConnections returns all active connections for a user (a user may have
// several sessions open, e.g. two browser tabs).
func (cm *ConnectionManager) UserConnections(userID string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// RoomMembers returns a snapshot of the local connections that have joined
// the given room.
func (cm *ConnectionManager) RoomMembers(room string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byRoom[room]))
	for _, conn := range cm.byRoom[room] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
