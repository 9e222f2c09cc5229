package netmgr

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the broker's record of one live TCP socket to a device
// (spec's NetworkConnection). A device has at most one Connection at a
// time; Manager enforces that invariant.
type Connection struct {
	ConnectionID string
	DeviceID     string
	Host         string
	Port         int
	Protocol     string
	ConnectedAt  time.Time

	conn net.Conn

	mu           sync.Mutex
	lastActivity time.Time
	alive        atomic.Bool

	bytesWritten atomic.Int64
	bytesRead    atomic.Int64

	// readBuf accumulates inbound bytes between SendAndReceive calls and
	// drainRead drains it. A single background goroutine owns all reads from
	// conn; callers never read the socket directly.
	readMu  sync.Mutex
	readBuf []byte
	readCh  chan struct{} // signalled whenever readBuf grows

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Snapshot is the read-only view of a Connection returned by queries.
type Snapshot struct {
	ConnectionID  string    `json:"connection_id"`
	DeviceID      string    `json:"device_id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Protocol      string    `json:"protocol"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	BytesWritten  int64     `json:"bytes_written"`
	BytesRead     int64     `json:"bytes_read"`
	IsAlive       bool      `json:"is_alive"`
}

// Snapshot returns a consistent point-in-time view of the connection.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	return Snapshot{
		ConnectionID: c.ConnectionID,
		DeviceID:     c.DeviceID,
		Host:         c.Host,
		Port:         c.Port,
		Protocol:     c.Protocol,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: last,
		BytesWritten: c.bytesWritten.Load(),
		BytesRead:    c.bytesRead.Load(),
		IsAlive:      c.alive.Load(),
	}
}

// IsAlive reports whether the connection is still considered usable.
func (c *Connection) IsAlive() bool {
	return c.alive.Load()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// write sends bytes and updates counters/activity on success.
func (c *Connection) write(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(int64(n))
		c.touch()
	}
	return n, err
}

// appendRead is called by the connection's read pump as data arrives.
func (c *Connection) appendRead(b []byte) {
	c.bytesRead.Add(int64(len(b)))
	c.touch()
	c.readMu.Lock()
	c.readBuf = append(c.readBuf, b...)
	c.readMu.Unlock()
	select {
	case c.readCh <- struct{}{}:
	default:
	}
}

// drainRead removes and returns everything accumulated so far.
func (c *Connection) drainRead() []byte {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.readBuf) == 0 {
		return nil
	}
	out := c.readBuf
	c.readBuf = nil
	return out
}

func (c *Connection) markDead() {
	c.alive.Store(false)
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.doneCh)
	})
}
