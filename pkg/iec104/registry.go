package iec104

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// FrameWriter sends encoded APDUs to one peer.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// ClientConnection is one accepted master connection. Writes from the
// connection goroutine and the broadcaster are serialized.
type ClientConnection struct {
	ID          uuid.UUID
	ConnectedAt time.Time

	conn         net.Conn
	alive        *atomic.Bool
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	metrics      *Metrics
}

// NewClientConnection wraps an accepted connection. A positive writeTimeout
// bounds every write.
func NewClientConnection(conn net.Conn, writeTimeout time.Duration, metrics *Metrics) *ClientConnection {
	return &ClientConnection{
		ID:           uuid.New(),
		ConnectedAt:  time.Now(),
		conn:         conn,
		alive:        atomic.NewBool(true),
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
}

// RemoteAddr returns the peer address.
func (c *ClientConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Alive reports whether the connection has neither failed nor been closed.
func (c *ClientConnection) Alive() bool {
	return c.alive.Load()
}

// WriteFrame writes one APDU. A failed write marks the connection dead.
func (c *ClientConnection) WriteFrame(frame []byte) error {
	if !c.alive.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(frame)
	if err != nil {
		c.alive.Store(false)
		c.metrics.RecordError("connection", "write", err)
		return err
	}
	c.metrics.FrameSent(frame, n)
	return nil
}

// Close marks the connection dead and closes the socket, which unblocks a
// pending read.
func (c *ClientConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		err = c.conn.Close()
	})
	return err
}

// ClientRegistry is the set of live connections shared by the connection
// manager and the broadcaster.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients []*ClientConnection
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{}
}

// Add registers a connection.
func (r *ClientRegistry) Add(c *ClientConnection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, c)
	return len(r.clients)
}

// Remove deregisters a connection and reports whether it was registered.
func (r *ClientRegistry) Remove(c *ClientConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cc := range r.clients {
		if cc == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			logrus.WithFields(logrus.Fields{
				"component":         "registry",
				"action":            "remove",
				"client_id":         c.ID.String(),
				"remaining_clients": len(r.clients),
			}).Debug("Client removed from registry")
			return true
		}
	}
	return false
}

// Snapshot returns the registered connections in registration order.
func (r *ClientRegistry) Snapshot() []*ClientConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientConnection, len(r.clients))
	copy(out, r.clients)
	return out
}

// Len returns the number of registered connections.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

var _ FrameWriter = (*ClientConnection)(nil)
