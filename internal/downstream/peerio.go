// Package downstream implements the PeerIO session (component C4):
// the hello handshake with the wireless manager, sequence-numbered
// command send/ack, and dispatch of incoming frames to the client
// manager.
//
// One persistent connection, mutex-guarded send path, and a
// registered callback for dispatching decoded frames upward.
package downstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/hdlc"
	"github.com/GaryMatthews/serialmux/internal/metrics"
	"github.com/GaryMatthews/serialmux/internal/muxerrors"
	"github.com/GaryMatthews/serialmux/internal/transport"
)

// Downstream frame types.
const (
	TypeHello         uint8 = 1
	TypeHelloResponse uint8 = 2
	TypeMgrHello      uint8 = 3
	TypeNotification  uint8 = 20
	TypeSubscribe     uint8 = 22
)

// IsAPICommand reports whether t is a manager API command type that
// may be forwarded downstream (as opposed to a mux-local command or
// one of the protocol types above).
func IsAPICommand(t uint8) bool {
	return t > TypeNotification
}

// control byte bit layout: bit0 = direction (0=request, 1=response),
// bit1 = reliability (0=unreliable, 1=reliable).
const (
	controlRequestReliable  = 0x02
	controlResponseReliable = 0x03
	controlHelloUnreliable  = 0x00

	dirResponseBit = 0x01
	reliableBit    = 0x02
)

// KnownProtocolVersions lists the API protocol versions the mux will
// negotiate, in preference order; the first entry is proposed on the
// first HELLO sent before the manager has told us otherwise.
var KnownProtocolVersions = []uint8{4, 3}

// HelloInterval is how often an unconnected PeerIO retransmits HELLO.
const HelloInterval = 6 * time.Second

// ReadTimeout bounds each transport Read so the loop can notice
// context cancellation and the hello-retransmit tick promptly.
const ReadTimeout = 1 * time.Second

// Command is a downstream command to send: a manager API type plus
// its payload.
type Command struct {
	Type    uint8
	Payload []byte
}

// Callback receives dispatched frames from the PeerIO read loop. It is
// injected at construction (never held via a back-reference cycle)
// per the Design Notes on breaking the C4/C7 cyclic reference.
type Callback interface {
	// HandleResponse delivers a command response: the original
	// command type, the sequence number it was sent with, the
	// manager's response code, and any payload beyond that code byte.
	HandleResponse(cmdType uint8, seq uint8, respCode uint8, rest []byte)
	// HandleNotification delivers a notification not flagged as a
	// reliable duplicate.
	HandleNotification(notifType uint8, payload []byte)
}

type frameHeader struct {
	control uint8
	typ     uint8
	seq     uint8
	length  uint8
}

func parseHeader(data []byte) (frameHeader, []byte, bool) {
	if len(data) < 4 {
		return frameHeader{}, nil, false
	}
	h := frameHeader{control: data[0], typ: data[1], seq: data[2], length: data[3]}
	payload := data[4:]
	if len(payload) != int(h.length) {
		return frameHeader{}, nil, false
	}
	return h, payload, true
}

func serializeHeader(h frameHeader, payload []byte) []byte {
	out := make([]byte, 0, 4+len(payload))
	out = append(out, h.control, h.typ, h.seq, uint8(len(payload)))
	out = append(out, payload...)
	return out
}

// PeerIO owns the transport for one connection epoch: it runs the
// hello handshake, sends commands with sequence numbers, and
// dispatches incoming frames.
type PeerIO struct {
	tr       transport.Transport
	cbMu     sync.Mutex
	cb       Callback
	resetFn  func(reason string)
	log      *zap.Logger
	mx       *metrics.Collector
	readTO   time.Duration
	helloInt time.Duration

	decoder *hdlc.Decoder

	// seqMu guards the sequence-number pair: the original source
	// accesses these from both the reader and the sender without
	// synchronization, which this implementation fixes.
	seqMu           sync.Mutex
	clientSeq       uint8 // next sequence number to send
	mgrSeqNo        uint8 // last sequence number received
	protocolVersion uint8 // 0 until learned

	connMu      sync.Mutex
	connected   bool
	connectedCh chan struct{}
	chClosed    bool
}

// New creates a PeerIO bound to tr. resetFn is the supervisor's
// connection-reset capability, invoked on a transport error or a
// MGR_HELLO received while already connected.
func New(tr transport.Transport, cb Callback, resetFn func(reason string), log *zap.Logger, mx *metrics.Collector) *PeerIO {
	p := &PeerIO{
		tr:          tr,
		cb:          cb,
		resetFn:     resetFn,
		log:         log,
		mx:          mx,
		readTO:      ReadTimeout,
		helloInt:    HelloInterval,
		connectedCh: make(chan struct{}),
	}
	p.decoder = hdlc.NewDecoder(p.handleFrame)
	return p
}

// SetCallback (re)binds the dispatch target. It exists so the
// supervisor can construct the client manager — which itself needs a
// reference to this PeerIO to send commands — after the PeerIO, then
// wire the two together, rather than requiring each side to exist
// before the other (Design Notes, "cyclic references").
func (p *PeerIO) SetCallback(cb Callback) {
	p.cbMu.Lock()
	p.cb = cb
	p.cbMu.Unlock()
}

func (p *PeerIO) callback() Callback {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	return p.cb
}

// Version returns the negotiated protocol version, 0 if not yet
// learned.
func (p *PeerIO) Version() uint8 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	return p.protocolVersion
}

// IsConnected reports whether the hello handshake has completed.
func (p *PeerIO) IsConnected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.connected
}

// WaitForHello blocks until the handshake completes or ctx is
// cancelled or Reset is called, returning the connected state.
func (p *PeerIO) WaitForHello(ctx context.Context) bool {
	p.connMu.Lock()
	ch := p.connectedCh
	p.connMu.Unlock()
	select {
	case <-ch:
		return p.IsConnected()
	case <-ctx.Done():
		return false
	}
}

// Reset wakes anyone blocked in WaitForHello without itself marking
// the session connected.
func (p *PeerIO) Reset() {
	p.wakeWaiters()
}

func (p *PeerIO) wakeWaiters() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.chClosed {
		close(p.connectedCh)
		p.chClosed = true
	}
}

// SendCommand builds and writes a request/reliable frame for cmd,
// using the current client sequence number. It does not advance the
// sequence number itself — the protocol advances it only once a
// matching response is dispatched.
func (p *PeerIO) SendCommand(cmd Command, isRetransmit bool) (uint8, error) {
	if len(cmd.Payload) > 255 {
		return 0, muxerrors.New(muxerrors.Protocol, "command payload too large")
	}
	p.seqMu.Lock()
	seq := p.clientSeq
	p.seqMu.Unlock()

	h := frameHeader{control: controlRequestReliable, typ: cmd.Type, seq: seq, length: uint8(len(cmd.Payload))}
	if err := p.writeFrame(h, cmd.Payload); err != nil {
		return seq, err
	}
	if p.mx != nil {
		if isRetransmit {
			p.mx.IncCommandsRetried()
		} else {
			p.mx.IncCommandsSent()
		}
	}
	if p.log != nil {
		p.log.Debug("sent downstream command", zap.Uint8("type", cmd.Type), zap.Uint8("seq", seq), zap.Bool("retransmit", isRetransmit))
	}
	return seq, nil
}

// SendAck acknowledges a reliable notification with the given type
// and sequence, and sets the recorded manager sequence to seq+1.
func (p *PeerIO) SendAck(typ uint8, seq uint8) error {
	h := frameHeader{control: controlResponseReliable, typ: typ, seq: seq, length: 1}
	if err := p.writeFrame(h, []byte{0x00}); err != nil {
		return err
	}
	p.seqMu.Lock()
	p.mgrSeqNo = seq + 1
	p.seqMu.Unlock()
	return nil
}

func (p *PeerIO) sendHello() error {
	p.seqMu.Lock()
	seq := p.clientSeq
	requested := KnownProtocolVersions[0]
	p.seqMu.Unlock()

	payload := []byte{requested, seq, 0x00}
	h := frameHeader{control: controlHelloUnreliable, typ: TypeHello, seq: seq, length: uint8(len(payload))}
	return p.writeFrame(h, payload)
}

func (p *PeerIO) writeFrame(h frameHeader, payload []byte) error {
	wire := serializeHeader(h, payload)
	var out []byte
	if p.tr.Framed() {
		out = append([]byte{0x00}, wire...)
	} else {
		out = hdlc.Encode(wire)
	}
	if _, err := p.tr.Write(out); err != nil {
		return muxerrors.Wrap(muxerrors.Transport, "write to downstream transport failed", err)
	}
	return nil
}

// Run is the read loop: it retransmits HELLO on helloInt while
// unconnected and feeds transport bytes through HDLC (serial) or
// treats each datagram as a complete frame (UDP). It returns when ctx
// is cancelled or the transport fails.
func (p *PeerIO) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.helloInt)
	defer ticker.Stop()

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !p.IsConnected() {
				if err := p.sendHello(); err != nil {
					if p.log != nil {
						p.log.Warn("hello send failed", zap.Error(err))
					}
				}
			}
			continue
		default:
		}

		_ = p.tr.SetReadDeadline(time.Now().Add(p.readTO))
		n, err := p.tr.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if p.log != nil {
				p.log.Warn("downstream transport read failed", zap.Error(err))
			}
			if p.mx != nil {
				p.mx.SetDownstreamConnected(false)
				p.mx.IncResetsTriggered()
			}
			if p.resetFn != nil {
				p.resetFn("downstream transport read error")
			}
			return muxerrors.Wrap(muxerrors.Transport, "downstream read failed", err)
		}
		if n == 0 {
			continue
		}

		if p.tr.Framed() {
			if n < 1 {
				continue
			}
			p.handleFrame(buf[1:n]) // strip leading dummy byte
		} else {
			p.decoder.Write(buf[:n])
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// handleFrame dispatches one decoded frame by type.
func (p *PeerIO) handleFrame(data []byte) {
	h, payload, ok := parseHeader(data)
	if !ok {
		return // malformed frame: discarded
	}

	switch {
	case h.typ == TypeHelloResponse && len(payload) >= 5:
		p.handleHelloResponse(h, payload)
	case h.typ == TypeMgrHello && len(payload) >= 2:
		p.handleMgrHello(payload)
	case h.typ == TypeNotification && h.control&dirResponseBit == 0 && len(payload) >= 1:
		p.handleNotification(h, payload)
	case IsAPICommand(h.typ) && h.control == controlResponseReliable && len(payload) >= 1:
		p.handleCommandResponse(h, payload)
	default:
		// discarded: unknown type, wrong direction, or short payload
	}
}

func (p *PeerIO) handleHelloResponse(h frameHeader, payload []byte) {
	success := payload[0]
	version := payload[1]
	cliSeq := payload[3]

	if knownVersion(version) {
		p.seqMu.Lock()
		p.protocolVersion = version
		p.seqMu.Unlock()
	}

	if h.control == 0 && success == 0 {
		p.seqMu.Lock()
		p.clientSeq = cliSeq + 1
		p.seqMu.Unlock()

		p.connMu.Lock()
		p.connected = true
		p.connMu.Unlock()
		p.wakeWaiters()
		if p.mx != nil {
			p.mx.SetDownstreamConnected(true)
		}

		if p.log != nil {
			p.log.Info("downstream hello succeeded", zap.Uint8("version", version))
		}
	} else if p.log != nil {
		p.log.Warn("downstream hello rejected", zap.Uint8("success", success))
	}
}

func (p *PeerIO) handleMgrHello(payload []byte) {
	version := payload[0]
	if knownVersion(version) {
		p.seqMu.Lock()
		p.protocolVersion = version
		p.seqMu.Unlock()
	}
	if p.IsConnected() {
		if p.log != nil {
			p.log.Info("MGR_HELLO received while connected; triggering reset")
		}
		if p.mx != nil {
			p.mx.IncResetsTriggered()
		}
		if p.resetFn != nil {
			p.resetFn("unsolicited MGR_HELLO while connected")
		}
	}
}

func (p *PeerIO) handleNotification(h frameHeader, payload []byte) {
	reliable := h.control&reliableBit != 0
	notifType := payload[0]
	rest := payload[1:]

	p.seqMu.Lock()
	duplicate := reliable && h.seq == p.mgrSeqNo
	p.seqMu.Unlock()

	if reliable {
		if err := p.SendAck(TypeNotification, h.seq); err != nil && p.log != nil {
			p.log.Warn("failed to ack notification", zap.Error(err))
		}
	}

	if !duplicate {
		if cb := p.callback(); cb != nil {
			cb.HandleNotification(notifType, rest)
		}
	}

	p.seqMu.Lock()
	p.mgrSeqNo = h.seq
	p.seqMu.Unlock()
}

func (p *PeerIO) handleCommandResponse(h frameHeader, payload []byte) {
	p.seqMu.Lock()
	p.clientSeq = h.seq + 1
	p.seqMu.Unlock()

	respCode := payload[0]
	rest := payload[1:]
	if cb := p.callback(); cb != nil {
		cb.HandleResponse(h.typ, h.seq, respCode, rest)
	}
}

func knownVersion(v uint8) bool {
	for _, kv := range KnownProtocolVersions {
		if kv == v {
			return true
		}
	}
	return false
}
