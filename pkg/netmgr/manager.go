package netmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
)

// Errors returned by Manager methods. Handlers map these to RPC error
// envelopes (spec §7).
var (
	ErrAlreadyOpen   = errors.New("already_open")
	ErrNotConnected  = errors.New("device_not_open")
	ErrLimitExceeded = errors.New("connection limit exceeded")
)

// Config bounds Manager behavior (spec §6 network.* options).
type Config struct {
	MaxConnections    int
	DefaultTimeout    time.Duration
	QuietPeriod       time.Duration // inter-chunk silence that ends SendAndReceive
	OneShotSettleTime time.Duration // pause between one-shot write and close
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    64,
		DefaultTimeout:    5 * time.Second,
		QuietPeriod:       500 * time.Millisecond,
		OneShotSettleTime: 200 * time.Millisecond,
	}
}

// Manager owns every live TCP socket to hardware (spec C5).
type Manager struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]*Connection // keyed by device_id

	registry *registry.Registry
	fabric   *event.Fabric
	log      logging.Logger
}

// New creates a Manager. reg and fabric may be nil in tests that only
// exercise socket mechanics.
func New(cfg Config, reg *registry.Registry, fabric *event.Fabric, log logging.Logger) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Manager{
		cfg:      cfg,
		conns:    make(map[string]*Connection),
		registry: reg,
		fabric:   fabric,
		log:      log,
	}
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Snapshot returns the connection state for deviceID, if connected.
func (m *Manager) Snapshot(deviceID string) (Snapshot, bool) {
	m.mu.Lock()
	c, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return c.Snapshot(), true
}

// Connect opens a TCP socket to host:port and registers it under
// deviceID. Fails with ErrAlreadyOpen if an alive connection already
// exists for deviceID, and with ErrLimitExceeded once MaxConnections is
// reached.
func (m *Manager) Connect(ctx context.Context, deviceID, host string, port int, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	if existing, ok := m.conns[deviceID]; ok && existing.IsAlive() {
		m.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return nil, ErrLimitExceeded
	}
	m.mu.Unlock()

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	c := &Connection{
		ConnectionID: uuid.New().String(),
		DeviceID:     deviceID,
		Host:         host,
		Port:         port,
		Protocol:     "tcp",
		ConnectedAt:  time.Now(),
		conn:         raw,
		lastActivity: time.Now(),
		readCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	c.alive.Store(true)

	m.mu.Lock()
	// Re-check under lock: another goroutine may have raced us to Connect.
	if existing, ok := m.conns[deviceID]; ok && existing.IsAlive() {
		m.mu.Unlock()
		raw.Close()
		return nil, ErrAlreadyOpen
	}
	m.conns[deviceID] = c
	m.mu.Unlock()

	go m.readPump(c)

	if m.registry != nil {
		m.registry.SetConnected(deviceID, true)
	}
	m.publish(event.TypeConnected, deviceID, nil)
	m.log.Debug("connected", logging.F("device_id", deviceID), logging.F("host", host), logging.F("port", port))

	return c, nil
}

// readPump owns all reads from c.conn for its lifetime.
func (m *Manager) readPump(c *Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.appendRead(chunk)
		}
		if err != nil {
			m.handleDeath(c, err)
			return
		}
	}
}

func (m *Manager) handleDeath(c *Connection, cause error) {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.conn.Close()
	c.closeOnce.Do(func() { close(c.doneCh) })

	m.mu.Lock()
	if cur, ok := m.conns[c.DeviceID]; ok && cur == c {
		delete(m.conns, c.DeviceID)
	}
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.SetConnected(c.DeviceID, false)
	}
	m.publish(event.TypeDisconnected, c.DeviceID, map[string]any{"reason": causeString(cause)})
	m.log.Warn("disconnected", logging.F("device_id", c.DeviceID), logging.F("cause", causeString(cause)))
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SendResult is the shape returned to clients by network.send.
type SendResult struct {
	OK           bool   `json:"ok"`
	BytesWritten int    `json:"bytes_written"`
	Error        string `json:"error,omitempty"`
}

// Send writes data to deviceID's open connection. It fails without side
// effect if the device is not connected.
func (m *Manager) Send(deviceID string, data []byte) SendResult {
	m.mu.Lock()
	c, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok || !c.IsAlive() {
		return SendResult{OK: false, Error: ErrNotConnected.Error()}
	}

	n, err := c.write(data)
	if err != nil {
		m.handleDeath(c, err)
		return SendResult{OK: false, BytesWritten: n, Error: err.Error()}
	}
	return SendResult{OK: true, BytesWritten: n}
}

// SendAndReceive writes data then accumulates inbound chunks until an
// inter-chunk quiet period elapses with at least one chunk received, or
// the overall timeout fires — whichever comes first.
func (m *Manager) SendAndReceive(ctx context.Context, deviceID string, data []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	c, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok || !c.IsAlive() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	if _, err := c.write(data); err != nil {
		m.handleDeath(c, err)
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	quiet := time.NewTimer(timeout) // disarmed until first chunk arrives
	if !quiet.Stop() {
		<-quiet.C
	}
	quietArmed := false

	var out bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return out.Bytes(), ctx.Err()
		case <-deadline.C:
			return out.Bytes(), nil
		case <-quiet.C:
			return out.Bytes(), nil
		case <-c.readCh:
			chunk := c.drainRead()
			out.Write(chunk)
			if !quiet.Stop() && quietArmed {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(m.cfg.QuietPeriod)
			quietArmed = true
		case <-c.doneCh:
			return out.Bytes(), ErrNotConnected
		}
	}
}

// DisconnectResult is returned to clients by network.disconnect.
type DisconnectResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// Disconnect closes deviceID's connection. Disconnecting an
// already-disconnected device is a no-op success (spec §8 idempotence).
func (m *Manager) Disconnect(deviceID string) DisconnectResult {
	m.mu.Lock()
	c, ok := m.conns[deviceID]
	if ok {
		delete(m.conns, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return DisconnectResult{Success: true, Status: "not_connected"}
	}

	if c.alive.CompareAndSwap(true, false) {
		c.conn.Close()
		c.closeOnce.Do(func() { close(c.doneCh) })
		if m.registry != nil {
			m.registry.SetConnected(deviceID, false)
		}
		m.publish(event.TypeDisconnected, deviceID, map[string]any{"reason": "explicit disconnect"})
	}
	return DisconnectResult{Success: true, Status: "disconnected"}
}

// PingResult is returned to clients by network.ping.
type PingResult struct {
	OK              bool `json:"ok"`
	ResponseTimeMs  int64 `json:"response_time_ms"`
	IsOnline        bool  `json:"is_online"`
}

// Ping opens and immediately closes a TCP connection to measure
// reachability and round-trip time.
func (m *Manager) Ping(ctx context.Context, host string, port int, timeout time.Duration) PingResult {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	start := time.Now()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	elapsed := time.Since(start)
	if err != nil {
		return PingResult{OK: false, ResponseTimeMs: elapsed.Milliseconds(), IsOnline: false}
	}
	conn.Close()
	return PingResult{OK: true, ResponseTimeMs: elapsed.Milliseconds(), IsOnline: true}
}

// OneShotSend opens a transient socket, writes data, waits briefly for
// the device to accept the bytes, then closes — without registering the
// device in the connections map (spec §4.5 "one-shot print").
func (m *Manager) OneShotSend(ctx context.Context, host string, port int, data []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("one-shot connect %s:%d: %w", host, port, err)
	}
	defer conn.Close()

	n, err := conn.Write(data)
	if err != nil {
		return n, fmt.Errorf("one-shot write: %w", err)
	}

	timer := time.NewTimer(m.cfg.OneShotSettleTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return n, nil
}

// DisposeAll destroys every live socket and clears the connection map.
// No events are emitted for this mass shutdown (spec §4.5 Disposal).
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		if c.alive.CompareAndSwap(true, false) {
			c.conn.Close()
			c.closeOnce.Do(func() { close(c.doneCh) })
		}
	}
}

func (m *Manager) publish(typ event.Type, deviceID string, data any) {
	if m.fabric == nil {
		return
	}
	m.fabric.Publish(event.New(typ, deviceID, string(registry.KindNetwork), data))
}
