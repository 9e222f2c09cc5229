package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/wire"
)

// Admission reject codes (spec §7 "admission errors").
const (
	CodeOverload            = 1013
	CodeUnauthorizedOrigin  = 1008
)

// HandshakeTimeout bounds how long the server waits for the client's
// opening handshake frame before giving up on the connection.
const HandshakeTimeout = 5 * time.Second

// ServerConfig configures the broker's listening endpoint.
type ServerConfig struct {
	// Address to listen on (e.g., ":8743" or "127.0.0.1:8743").
	Address string

	// TLSConfig enables TLS when non-nil (transport.use_tls). A nil value
	// means plain TCP.
	TLSConfig *tls.Config

	// AllowedOrigins is the admission allow-list (transport.allowed_origins).
	// A single "*" entry allows any origin.
	AllowedOrigins []string

	// MaxConnections caps concurrently admitted sessions. Zero means
	// unbounded.
	MaxConnections int

	// MaxMessageSize is the maximum framed message size (default: 64KB).
	MaxMessageSize uint32

	// KeepAlive configures ping/pong liveness monitoring. Zero value uses
	// DefaultKeepAliveConfig.
	KeepAlive KeepAliveConfig

	// ServerVersion is reported in the server.connected welcome notification.
	ServerVersion string

	// Logger for protocol-level logging (optional).
	Logger logging.Logger

	// OnConnect is called once a session is admitted, before the welcome
	// notification is sent.
	OnConnect func(sess *Session)

	// OnDisconnect is called when a session tears down, after it has been
	// removed from the server's session map.
	OnDisconnect func(sess *Session, reason string)

	// OnMessage is called for every non-control frame received.
	OnMessage func(sess *Session, data []byte)

	// OnError is called for accept, TLS handshake and opening-handshake
	// failures, always with a nil session. Malformed request frames do not
	// reach it: they go to OnMessage like any other frame.
	OnError func(sess *Session, err error)
}

// Server accepts multiplexed client sessions (spec component C1).
type Server struct {
	config   ServerConfig
	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a Server. It does not start listening.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.KeepAlive == (KeepAliveConfig{}) {
		config.KeepAlive = DefaultKeepAliveConfig()
	}
	if config.Logger == nil {
		config.Logger = logging.NoopLogger{}
	}
	return &Server{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Start begins accepting connections. The listener runs until Stop is
// called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops accepting connections and closes every active session.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close("server_shutdown")
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of currently admitted sessions.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Broadcast sends data to every admitted session, skipping write errors.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		_ = sess.Send(data)
	}
}

// Session looks up an admitted session by ID.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() && s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept: %w", err))
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	// Admission: connection-count cap doesn't need the handshake.
	if s.config.MaxConnections > 0 && s.ConnectionCount() >= s.config.MaxConnections {
		s.rejectAndClose(conn, CodeOverload, "server at capacity")
		return
	}

	if s.config.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.config.TLSConfig)
		handshakeCtx, cancel := context.WithTimeout(s.ctx, HandshakeTimeout)
		err := tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			conn.Close()
			if s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("TLS handshake: %w", err))
			}
			return
		}
		conn = tlsConn
	}

	framer := NewFramerWithMaxSize(conn, s.config.MaxMessageSize)

	origin, err := s.readHandshake(framer)
	if err != nil {
		conn.Close()
		if s.config.OnError != nil {
			s.config.OnError(nil, fmt.Errorf("handshake: %w", err))
		}
		return
	}
	if !s.originAllowed(origin) {
		s.rejectFramed(framer, CodeUnauthorizedOrigin, "origin not allowed")
		conn.Close()
		return
	}

	sess := &Session{
		ID:          uuid.New().String(),
		Origin:      origin,
		ConnectedAt: time.Now(),
		conn:        conn,
		framer:      framer,
		server:      s,
		closeCh:     make(chan struct{}),
		remoteAddr:  conn.RemoteAddr(),
	}
	sess.keepAlive = NewKeepAlive(s.config.KeepAlive, sess.sendPing, sess.onKeepAliveTimeout)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.config.Logger.Info("session admitted", logging.F("session_id", sess.ID), logging.F("origin", origin), logging.F("remote_addr", sess.remoteAddr.String()))

	if s.config.OnConnect != nil {
		s.config.OnConnect(sess)
	}

	welcome := wire.NewNotification(wire.MethodServerConnected, map[string]any{
		"session_id":     sess.ID,
		"server_version": s.config.ServerVersion,
		"timestamp":      time.Now().UTC(),
	})
	if data, err := wire.EncodeNotification(welcome); err == nil {
		_ = sess.Send(data)
	}

	sess.keepAlive.Start(s.ctx)
	sess.readLoop()
	sess.keepAlive.Stop()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	s.config.Logger.Info("session closed", logging.F("session_id", sess.ID), logging.F("reason", sess.closeReason()))

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sess, sess.closeReason())
	}
}

type handshakeFrame struct {
	Origin string `json:"origin"`
}

// readHandshake reads the client's opening frame declaring its origin.
// A handshake frame that is not valid JSON is treated as an empty origin,
// which originAllowed admits only when the allow-list is empty or holds
// "*"; a frame that cannot be read is returned as an error.
func (s *Server) readHandshake(framer *Framer) (string, error) {
	data, err := framer.ReadFrame()
	if err != nil {
		return "", err
	}
	var hs handshakeFrame
	_ = json.Unmarshal(data, &hs)
	return hs.Origin, nil
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) rejectAndClose(conn net.Conn, code int, reason string) {
	framer := NewFramerWithMaxSize(conn, s.config.MaxMessageSize)
	s.rejectFramed(framer, code, reason)
	conn.Close()
}

func (s *Server) rejectFramed(framer *Framer, code int, reason string) {
	resp := wire.NewErrorResponse(nil, wire.NewError(code, reason))
	if data, err := wire.EncodeResponse(resp); err == nil {
		_ = framer.WriteFrame(data)
	}
}

// Session represents one admitted client connection (spec "Session"
// entity, owned by C1). Subscriptions live in pkg/watch, keyed by ID.
type Session struct {
	ID          string
	Origin      string
	ConnectedAt time.Time

	conn       net.Conn
	framer     *Framer
	server     *Server
	keepAlive  *KeepAlive
	remoteAddr net.Addr

	writeMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

// RemoteAddr returns the session's remote network address.
func (sess *Session) RemoteAddr() net.Addr {
	return sess.remoteAddr
}

// Send writes a single framed message, serialized against concurrent
// writers so responses and notifications never interleave on the wire.
func (sess *Session) Send(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.framer.WriteFrame(data)
}

// Close tears down the session with the given reason, idempotently.
func (sess *Session) Close(reason string) {
	sess.closeOnce.Do(func() {
		sess.reason.Store(reason)
		close(sess.closeCh)
		sess.conn.Close()
	})
}

func (sess *Session) closeReason() string {
	if v := sess.reason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (sess *Session) readLoop() {
	for {
		select {
		case <-sess.closeCh:
			return
		case <-sess.server.ctx.Done():
			sess.Close("server_shutdown")
			return
		default:
		}

		data, err := sess.framer.ReadFrame()
		if err != nil {
			sess.Close(causeFromErr(err))
			return
		}

		if ctrl, ok := wire.DecodeControl(data); ok {
			sess.handleControl(ctrl)
			continue
		}

		if sess.server.config.OnMessage != nil {
			sess.server.config.OnMessage(sess, data)
		}
	}
}

func (sess *Session) handleControl(msg *wire.ControlMessage) {
	switch msg.Control {
	case wire.ControlPing:
		pong, _ := wire.EncodeControl(&wire.ControlMessage{Control: wire.ControlPong, Sequence: msg.Sequence})
		_ = sess.Send(pong)
	case wire.ControlPong:
		sess.keepAlive.PongReceived(msg.Sequence)
	case wire.ControlClose:
		sess.Close("peer_close")
	}
}

func (sess *Session) sendPing(seq uint32) error {
	data, err := wire.EncodeControl(&wire.ControlMessage{Control: wire.ControlPing, Sequence: seq})
	if err != nil {
		return err
	}
	return sess.Send(data)
}

func (sess *Session) onKeepAliveTimeout() {
	sess.Close("keepalive_timeout")
}

func causeFromErr(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}
