// Package client implements the per-TCP-connection client session
// (C5): the 2-second auth timer, MUX_HELLO validation, the upstream
// message parser, the subscription filter, and the write path.
//
// One goroutine per TCP client, an auth-timeout deadline timer, a
// state field guarded by a mutex, and a synchronous write path.
package client

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/manager"
	"github.com/GaryMatthews/serialmux/internal/muxframe"
	"github.com/GaryMatthews/serialmux/internal/protocol"
	"github.com/GaryMatthews/serialmux/internal/subscription"
)

// AuthTimeout is how long a client has to send a valid MUX_HELLO
// before the connection is closed.
const AuthTimeout = 2 * time.Second

// initState tracks the monotone Waiting -> (Authenticated | BadInit)
// -> Closed transition.
type initState int

const (
	stateWaiting initState = iota
	stateAuthenticated
	stateBadInit
	stateClosed
)

// Session is one TCP client's connection state. It implements
// manager.RegisteredClient so the client manager never needs the
// concrete type.
type Session struct {
	conn       net.Conn
	mgr        *manager.Manager
	peerVer    uint8 // C4's negotiated protocol version, for hello validation
	authToken  []byte
	remoteName string
	log        *zap.Logger

	parser *muxframe.Framer
	filter subscription.Filter

	mu      sync.Mutex
	state   initState
	handle  manager.ClientHandle
	hasHdl  bool
	authTmr *time.Timer
}

// New creates a Session for an accepted connection. peerVer is the
// downstream peer's negotiated protocol version at accept time (a
// client authenticates against whatever version C4 has, not a version
// it proposes itself).
func New(conn net.Conn, mgr *manager.Manager, peerVer uint8, authToken []byte, log *zap.Logger) *Session {
	return &Session{
		conn:       conn,
		mgr:        mgr,
		peerVer:    peerVer,
		authToken:  authToken,
		remoteName: conn.RemoteAddr().String(),
		log:        log,
		parser:     muxframe.NewFramer(),
	}
}

// Filter implements manager.RegisteredClient.
func (s *Session) Filter() *subscription.Filter { return &s.filter }

// Close implements manager.ClientWriter: it closes the underlying
// connection, which unblocks Run's conn.Read and drives the session
// through its normal teardown path. Safe to call concurrently with
// Run and with itself; net.Conn.Close is idempotent-safe to call more
// than once (later calls just return an error, which is ignored here).
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run owns the connection's lifetime: it starts the auth timer, reads
// until EOF or the connection is closed, and unregisters from the
// manager on the way out. It blocks until the connection ends.
func (s *Session) Run() {
	s.mu.Lock()
	s.authTmr = time.AfterFunc(AuthTimeout, s.onAuthTimeout)
	s.mu.Unlock()

	defer s.teardown()

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		s.parser.Read(buf[:n], s.handleMessage)
	}
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	stillWaiting := s.state == stateWaiting
	s.mu.Unlock()
	if stillWaiting {
		if s.log != nil {
			s.log.Info("auth timer expired before hello", zap.String("remote", s.remoteName))
		}
		_ = s.conn.Close()
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.state = stateClosed
	if s.authTmr != nil {
		s.authTmr.Stop()
	}
	handle, hasHdl := s.handle, s.hasHdl
	s.mu.Unlock()

	_ = s.conn.Close()
	if hasHdl {
		s.mgr.Remove(handle)
	}
}

func (s *Session) handleMessage(msg muxframe.Message) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case stateWaiting:
		s.handleHello(msg)
	case stateAuthenticated:
		s.handleCommand(msg)
	default:
		// BadInit/Closed: input is discarded
	}
}

func (s *Session) handleHello(msg muxframe.Message) {
	if msg.Type != protocol.MuxHello || len(msg.Payload) != protocol.HelloPayloadLen {
		s.rejectHello(protocol.ErrInvalidCmd)
		return
	}

	version := msg.Payload[0]
	token := msg.Payload[1:9]

	if version != s.peerVer {
		s.rejectHello(protocol.ErrUnsupportedVersion)
		return
	}
	if !tokenEquals(token, s.authToken) {
		s.rejectHello(protocol.ErrInvalidAuth)
		return
	}

	s.mu.Lock()
	s.state = stateAuthenticated
	if s.authTmr != nil {
		s.authTmr.Stop()
	}
	s.mu.Unlock()

	_ = s.WriteOutput(muxframe.OutputMessage{Type: protocol.MuxHello, Prefix: protocol.OK, Payload: []byte{version}})

	handle := s.mgr.Register(s)
	s.mu.Lock()
	s.handle = handle
	s.hasHdl = true
	s.mu.Unlock()
}

func (s *Session) rejectHello(code uint8) {
	s.mu.Lock()
	s.state = stateBadInit
	s.mu.Unlock()
	_ = s.WriteOutput(muxframe.OutputMessage{Type: protocol.MuxHello, Prefix: code, Payload: []byte{s.peerVer}})
	_ = s.conn.Close()
}

func (s *Session) handleCommand(msg muxframe.Message) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	s.mgr.EnqueueCommand(handle, manager.CommandMsg{Type: msg.Type, Payload: msg.Payload})
}

// WriteOutput implements manager.ClientWriter: a synchronous write-all
// to the TCP socket. A failed write is logged and otherwise treated
// like a read-side EOF — the client will be removed once Run's read
// loop unblocks.
func (s *Session) WriteOutput(out muxframe.OutputMessage) error {
	s.mu.Lock()
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed {
		return nil
	}

	wire := out.Serialize()
	if _, err := s.conn.Write(wire); err != nil {
		if s.log != nil {
			s.log.Warn("client write failed", zap.String("remote", s.remoteName), zap.Error(err))
		}
		return err
	}
	return nil
}

func tokenEquals(got, want []byte) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
