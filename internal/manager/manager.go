// Package manager implements the client manager (C7): the global
// command queue, single-in-flight scheduling against the downstream
// peer, retry/timeout handling, notification fan-out, and
// subscription-union maintenance.
//
// A single worker goroutine drains a bounded command queue against
// mutex-guarded shared state: a registered-client map, a retry loop
// for the in-flight command, and filter-union recomputation on
// subscribe/unsubscribe.
package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/downstream"
	"github.com/GaryMatthews/serialmux/internal/metrics"
	"github.com/GaryMatthews/serialmux/internal/muxframe"
	"github.com/GaryMatthews/serialmux/internal/protocol"
	"github.com/GaryMatthews/serialmux/internal/subscription"
)

// ClientHandle identifies a registered client without holding a
// pointer to it, so a client can be erased from the registry while
// other goroutines still hold a stale handle (Design Notes,
// "Shared-pointer client handles").
type ClientHandle uint64

// ClientWriter is the write-side capability a registered client
// exposes to the manager; it never needs the concrete client type.
type ClientWriter interface {
	WriteOutput(out muxframe.OutputMessage) error

	// Close tears down the client's own connection. CloseAll calls this
	// on every registered client when a connection epoch ends, so a
	// session blocked in its read loop against a manager whose worker
	// has already stopped doesn't leak as a goroutine.
	Close() error
}

// RegisteredClient is what the manager needs from a client session:
// somewhere to write responses/notifications, and the subscription
// filter that contributes to the aggregate union.
type RegisteredClient interface {
	ClientWriter
	Filter() *subscription.Filter
}

// CommandMsg is one manager API command queued for the downstream
// peer.
type CommandMsg struct {
	Type    uint8
	Payload []byte
}

type queueItem struct {
	handle    ClientHandle
	hasHandle bool
	cmd       CommandMsg
}

type inFlightResult int

const (
	resultPending inFlightResult = iota
	resultOK
	resultDisconnect
)

type inFlightCmd struct {
	handle    ClientHandle
	hasHandle bool
	cmd       CommandMsg
	seq       uint8
	done      chan inFlightResult
}

// Options configures retry/timeout behavior and the mux's own version
// identity (returned by MUX_INFO).
type Options struct {
	Retries    int
	Timeout    time.Duration
	QueueDepth int
	Version    protocol.Version
}

// Manager is the client manager (C7). It implements
// downstream.Callback so it can be wired into a PeerIO without either
// side holding the other by concrete type.
type Manager struct {
	peer    *downstream.PeerIO
	resetFn func(reason string)
	log     *zap.Logger
	mx      *metrics.Collector
	opts    Options

	queue chan queueItem

	mu          sync.Mutex
	clients     map[ClientHandle]RegisteredClient
	nextHandle  ClientHandle
	filterUnion subscription.Params
	prevFilter  subscription.Params
	inFlight    *inFlightCmd
}

// New creates a Manager bound to peer. peer must not be started until
// the Manager is fully constructed, since responses may arrive as
// soon as the hello handshake completes.
func New(peer *downstream.PeerIO, resetFn func(reason string), log *zap.Logger, mx *metrics.Collector, opts Options) *Manager {
	if opts.Retries <= 0 {
		opts.Retries = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	return &Manager{
		peer:    peer,
		resetFn: resetFn,
		log:     log,
		mx:      mx,
		opts:    opts,
		queue:   make(chan queueItem, opts.QueueDepth),
		clients: make(map[ClientHandle]RegisteredClient),
	}
}

// Register adds a client to the registry and returns its handle. A
// newly registered client contributes nothing to the filter union
// until it sends its own SUBSCRIBE.
func (m *Manager) Register(c RegisteredClient) ClientHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	h := m.nextHandle
	m.clients[h] = c
	if m.mx != nil {
		m.mx.IncClientsActive()
	}
	return h
}

// Remove erases handle from the registry, resolves a pending in-flight
// command it owned as a disconnect, recomputes the filter union from
// the clients that remain, and — if the union changed — enqueues a
// synthetic SUBSCRIBE so the downstream peer learns the new aggregate
// filter.
func (m *Manager) Remove(handle ClientHandle) {
	m.mu.Lock()
	if _, ok := m.clients[handle]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, handle)
	if m.mx != nil {
		m.mx.DecClientsActive()
	}
	if m.inFlight != nil && m.inFlight.hasHandle && m.inFlight.handle == handle {
		nonBlockingSend(m.inFlight.done, resultDisconnect)
	}
	changed := m.recomputeUnionLocked(false)
	union := m.filterUnion
	m.mu.Unlock()

	if changed {
		m.enqueue(queueItem{
			hasHandle: false,
			cmd:       CommandMsg{Type: downstream.TypeSubscribe, Payload: subscription.Encode(union)},
		})
	}
}

// CloseAll closes every currently registered client's connection. The
// supervisor calls this when tearing down a connection epoch so
// sessions left over from that epoch unblock out of their read loop
// instead of sitting on a manager whose worker has already exited.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]RegisteredClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}

// EnqueueCommand queues cmd for the worker loop, tagged with the
// originating client's handle. Never blocks; a full queue drops the
// command (the client will see no response and the caller's own
// timeout/retry handling, if any, takes over).
func (m *Manager) EnqueueCommand(handle ClientHandle, cmd CommandMsg) {
	m.enqueue(queueItem{handle: handle, hasHandle: true, cmd: cmd})
}

func (m *Manager) enqueue(item queueItem) {
	select {
	case m.queue <- item:
	default:
		if m.log != nil {
			m.log.Warn("command queue full, dropping command", zap.Uint8("type", item.cmd.Type))
		}
	}
}

func (m *Manager) recomputeUnionLocked(useProposed bool) bool {
	var f, u uint32
	for _, c := range m.clients {
		var p subscription.Params
		if useProposed {
			p = c.Filter().Get()
		} else {
			p = c.Filter().Committed()
		}
		f |= p.Filter
		u |= p.Unreliable
	}
	changed := f != m.filterUnion.Filter || u != m.filterUnion.Unreliable
	m.prevFilter = m.filterUnion
	m.filterUnion = subscription.Params{Filter: f, Unreliable: u}
	return changed
}

// Run is the worker loop: pop with a 1-second timeout, validate,
// special-case MUX_INFO and SUBSCRIBE, then send-and-wait against the
// downstream peer with bounded retries.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.queue:
			m.process(item)
		case <-time.After(1 * time.Second):
		}
	}
}

func (m *Manager) process(item queueItem) {
	m.mu.Lock()
	var client RegisteredClient
	if item.hasHandle {
		c, ok := m.clients[item.handle]
		if !ok {
			m.mu.Unlock()
			return // client gone: drop the command
		}
		client = c
	}
	m.mu.Unlock()

	if item.cmd.Type == protocol.MuxInfo {
		m.replyMuxInfo(client)
		return
	}

	if !downstream.IsAPICommand(item.cmd.Type) || len(item.cmd.Payload) > protocol.MaxCommandPayloadLen {
		m.writeResult(client, item.cmd.Type, protocol.ErrInvalidCmd, nil)
		return
	}

	if item.cmd.Type == downstream.TypeSubscribe && item.hasHandle {
		proposed := subscription.Decode(item.cmd.Payload)
		client.Filter().Set(proposed)

		m.mu.Lock()
		m.recomputeUnionLocked(true)
		union := m.filterUnion
		m.mu.Unlock()

		item.cmd.Payload = subscription.Encode(union)
	}

	m.sendAndWait(item, client)
}

func (m *Manager) replyMuxInfo(client RegisteredClient) {
	if client == nil {
		return
	}
	v := m.opts.Version
	payload := []byte{m.peer.Version(), v.Major, v.Minor, v.Release, v.BuildHi, v.BuildLo}
	_ = client.WriteOutput(muxframe.OutputMessage{Type: protocol.MuxInfo, Prefix: protocol.OK, Payload: payload})
}

func (m *Manager) writeResult(client RegisteredClient, cmdType uint8, code uint8, payload []byte) {
	if client == nil {
		return
	}
	_ = client.WriteOutput(muxframe.OutputMessage{Type: cmdType, Prefix: code, Payload: payload})
}

func (m *Manager) sendAndWait(item queueItem, client RegisteredClient) {
	cur := &inFlightCmd{handle: item.handle, hasHandle: item.hasHandle, cmd: item.cmd, done: make(chan inFlightResult, 1)}

	m.mu.Lock()
	m.inFlight = cur
	m.mu.Unlock()

	succeeded := false
attempts:
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		seq, err := m.peer.SendCommand(downstream.Command{Type: item.cmd.Type, Payload: item.cmd.Payload}, attempt > 0)
		if err != nil {
			if m.log != nil {
				m.log.Warn("send_command failed", zap.Error(err))
			}
			break attempts
		}
		m.mu.Lock()
		cur.seq = seq
		m.mu.Unlock()

		select {
		case <-cur.done:
			// either a matching response arrived or the owning client
			// disconnected; either way the round trip is over
			succeeded = true
			break attempts
		case <-time.After(m.opts.Timeout):
			// the retransmit itself is counted by PeerIO.SendCommand
		}
	}

	m.mu.Lock()
	m.inFlight = nil
	m.mu.Unlock()

	if !succeeded {
		m.onFinalTimeout(item, client)
	}
}

func (m *Manager) onFinalTimeout(item queueItem, client RegisteredClient) {
	if m.mx != nil {
		m.mx.IncCommandsTimedOut()
	}
	if item.cmd.Type == downstream.TypeSubscribe {
		m.mu.Lock()
		m.filterUnion = m.prevFilter
		m.mu.Unlock()
		if item.hasHandle && client != nil {
			client.Filter().Reset()
		}
	}
	m.writeResult(client, item.cmd.Type, protocol.ErrCommandTimeout, nil)
	if m.resetFn != nil {
		m.resetFn("command timeout exhausted retries")
	}
}

// HandleResponse implements downstream.Callback: it is invoked on the
// PeerIO reader goroutine for every command response frame, and
// discards any whose type or sequence does not match the in-flight
// command.
func (m *Manager) HandleResponse(cmdType uint8, seq uint8, respCode uint8, rest []byte) {
	m.mu.Lock()
	cur := m.inFlight
	if cur == nil || cur.cmd.Type != cmdType || cur.seq != seq {
		m.mu.Unlock()
		if m.log != nil {
			m.log.Warn("discarding mismatched response", zap.Uint8("type", cmdType), zap.Uint8("seq", seq))
		}
		return
	}

	var client RegisteredClient
	if cur.hasHandle {
		client = m.clients[cur.handle]
	}

	if cmdType == downstream.TypeSubscribe && respCode != protocol.OK {
		m.filterUnion = m.prevFilter
	}
	m.mu.Unlock()

	m.writeResult(client, cmdType, respCode, rest)

	if cmdType == downstream.TypeSubscribe && respCode == protocol.OK && client != nil {
		client.Filter().Commit()
	}

	nonBlockingSend(cur.done, resultOK)
}

// HandleNotification implements downstream.Callback: it fans out a
// notification to every authenticated client whose committed filter
// matches, under the client-list lock.
func (m *Manager) HandleNotification(notifType uint8, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if !c.Filter().IsSubscribed(notifType) {
			continue
		}
		if err := c.WriteOutput(muxframe.OutputMessage{Type: downstream.TypeNotification, Prefix: notifType, Payload: payload}); err != nil {
			if m.log != nil {
				m.log.Warn("notification write failed", zap.Error(err))
			}
			continue
		}
		if m.mx != nil {
			m.mx.IncNotificationsSent()
		}
	}
}

func nonBlockingSend(ch chan inFlightResult, v inFlightResult) {
	select {
	case ch <- v:
	default:
	}
}
