package manager

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/GaryMatthews/serialmux/internal/downstream"
	"github.com/GaryMatthews/serialmux/internal/hdlc"
	"github.com/GaryMatthews/serialmux/internal/muxframe"
	"github.com/GaryMatthews/serialmux/internal/protocol"
	"github.com/GaryMatthews/serialmux/internal/subscription"
)

type pipeTransport struct{ net.Conn }

func (t *pipeTransport) Framed() bool { return false }

type fakeClient struct {
	mu     sync.Mutex
	filter subscription.Filter
	writes []muxframe.OutputMessage
}

func (c *fakeClient) WriteOutput(out muxframe.OutputMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, out)
	return nil
}

func (c *fakeClient) Filter() *subscription.Filter { return &c.filter }

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) last() (muxframe.OutputMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return muxframe.OutputMessage{}, false
	}
	return c.writes[len(c.writes)-1], true
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// harness wires a PeerIO and a Manager together the way supervisor
// does: construct the PeerIO without a callback, construct the
// Manager with the PeerIO, then bind the Manager in as the callback.
type harness struct {
	mgr    *Manager
	server net.Conn
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	server, client := net.Pipe()
	peer := downstream.New(&pipeTransport{Conn: client}, nil, nil, nil, nil)
	m := New(peer, nil, nil, nil, opts)
	peer.SetCallback(m)

	ctx, cancel := context.WithCancel(context.Background())
	go peer.Run(ctx)
	go m.Run(ctx)

	t.Cleanup(func() {
		cancel()
		server.Close()
		client.Close()
	})
	return &harness{mgr: m, server: server, cancel: cancel}
}

func readWireFrame(t *testing.T, conn net.Conn) (control, typ, seq uint8, payload []byte) {
	t.Helper()
	var got []byte
	d := hdlc.NewDecoder(func(frame []byte) { got = append([]byte{}, frame...) })
	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for got == nil {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("readWireFrame: %v", err)
		}
		d.Write(buf[:n])
	}
	return got[0], got[1], got[2], got[4:]
}

func writeWireFrame(t *testing.T, conn net.Conn, control, typ, seq uint8, payload []byte) {
	t.Helper()
	wire := append([]byte{control, typ, seq, uint8(len(payload))}, payload...)
	if _, err := conn.Write(hdlc.Encode(wire)); err != nil {
		t.Fatalf("writeWireFrame: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMuxInfoShortCircuit(t *testing.T) {
	h := newHarness(t, Options{Version: protocol.Version{Major: 1, Minor: 2, Release: 3}})

	fc := &fakeClient{}
	handle := h.mgr.Register(fc)
	h.mgr.EnqueueCommand(handle, CommandMsg{Type: protocol.MuxInfo})

	waitFor(t, func() bool { return fc.count() > 0 })
	out, _ := fc.last()
	if out.Prefix != protocol.OK || len(out.Payload) != 6 {
		t.Fatalf("unexpected MUX_INFO reply: %+v", out)
	}
}

func TestInvalidCommandRejected(t *testing.T) {
	h := newHarness(t, Options{})

	fc := &fakeClient{}
	handle := h.mgr.Register(fc)
	h.mgr.EnqueueCommand(handle, CommandMsg{Type: downstream.TypeNotification}) // <=NOTIFICATION: not an API command

	waitFor(t, func() bool { return fc.count() > 0 })
	out, _ := fc.last()
	if out.Prefix != protocol.ErrInvalidCmd {
		t.Fatalf("expected ErrInvalidCmd, got %+v", out)
	}
}

func TestOversizedCommandPayloadRejected(t *testing.T) {
	h := newHarness(t, Options{})

	fc := &fakeClient{}
	handle := h.mgr.Register(fc)
	h.mgr.EnqueueCommand(handle, CommandMsg{Type: 30, Payload: make([]byte, protocol.MaxCommandPayloadLen+1)})

	waitFor(t, func() bool { return fc.count() > 0 })
	out, _ := fc.last()
	if out.Prefix != protocol.ErrInvalidCmd {
		t.Fatalf("expected ErrInvalidCmd for oversized payload, got %+v", out)
	}
}

func TestCommandRoundTripAndResponseDelivery(t *testing.T) {
	h := newHarness(t, Options{Retries: 1, Timeout: time.Second})

	fc := &fakeClient{}
	handle := h.mgr.Register(fc)
	h.mgr.EnqueueCommand(handle, CommandMsg{Type: 30, Payload: []byte{0x01}})

	_, typ, seq, _ := readWireFrame(t, h.server)
	writeWireFrame(t, h.server, 0x03, typ, seq, []byte{protocol.OK, 0x42})

	waitFor(t, func() bool { return fc.count() > 0 })
	out, _ := fc.last()
	if out.Prefix != protocol.OK || len(out.Payload) != 1 || out.Payload[0] != 0x42 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestSubscribeUsesUnionAndCommitsOnOK(t *testing.T) {
	h := newHarness(t, Options{Retries: 0, Timeout: time.Second})

	a := &fakeClient{}
	b := &fakeClient{}
	ha := h.mgr.Register(a)
	_ = h.mgr.Register(b)
	b.filter.Set(subscription.Params{Filter: 1 << 2})
	b.filter.Commit()

	params := subscription.Params{Filter: (1 << 0) | (1 << 1)}
	h.mgr.EnqueueCommand(ha, CommandMsg{Type: downstream.TypeSubscribe, Payload: subscription.Encode(params)})

	_, typ, seq, payload := readWireFrame(t, h.server)
	if typ != downstream.TypeSubscribe {
		t.Fatalf("expected SUBSCRIBE on the wire, got %d", typ)
	}
	got := subscription.Decode(payload)
	want := uint32(0x7) // union of A's {0,1} and B's committed {2}
	if got.Filter != want {
		t.Fatalf("expected union filter %#x on the wire, got %#x", want, got.Filter)
	}

	writeWireFrame(t, h.server, 0x03, typ, seq, []byte{protocol.OK})

	waitFor(t, func() bool { return a.filter.IsSubscribed(0) })
	if !a.filter.IsSubscribed(1) {
		t.Fatal("expected client A's filter to commit both bits after OK response")
	}
}

func TestNotificationFanOutOnlyToSubscribed(t *testing.T) {
	h := newHarness(t, Options{})

	subscribed := &fakeClient{}
	subscribed.filter.Set(subscription.Params{Filter: 1 << 5})
	subscribed.filter.Commit()
	other := &fakeClient{}

	h.mgr.Register(subscribed)
	h.mgr.Register(other)

	h.mgr.HandleNotification(5, []byte{0xAB})

	if subscribed.count() != 1 {
		t.Fatalf("expected subscribed client to receive the notification, got %d writes", subscribed.count())
	}
	if other.count() != 0 {
		t.Fatalf("expected unsubscribed client to receive nothing, got %d writes", other.count())
	}
}

func TestCommandTimeoutTriggersResetAndRollback(t *testing.T) {
	var resetCalls int
	var mu sync.Mutex

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	peer := downstream.New(&pipeTransport{Conn: client}, nil, nil, nil, nil)
	m := New(peer, func(string) {
		mu.Lock()
		resetCalls++
		mu.Unlock()
	}, nil, nil, Options{Retries: 1, Timeout: 30 * time.Millisecond})
	peer.SetCallback(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go peer.Run(ctx)
	go m.Run(ctx)

	// drain frames on the server side so the write side never blocks,
	// but never answer, forcing every attempt to time out.
	go func() {
		buf := make([]byte, 256)
		for {
			server.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	fc := &fakeClient{}
	fc.filter.Set(subscription.Params{Filter: 0x1})
	fc.filter.Commit()
	handle := m.Register(fc)
	m.EnqueueCommand(handle, CommandMsg{Type: downstream.TypeSubscribe, Payload: subscription.Encode(subscription.Params{Filter: 0x3})})

	waitFor(t, func() bool { return fc.count() > 0 })
	out, _ := fc.last()
	if out.Prefix != protocol.ErrCommandTimeout {
		t.Fatalf("expected ErrCommandTimeout, got %+v", out)
	}
	if got := fc.filter.Committed().Filter; got != 0x1 {
		t.Fatalf("expected committed filter to stay 0x1 after rollback, got %#x", got)
	}
	if got := fc.filter.Get().Filter; got != 0x1 {
		t.Fatalf("expected proposed filter to be discarded after rollback, got %#x", got)
	}

	mu.Lock()
	calls := resetCalls
	mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected resetConnection to be invoked once, got %d", calls)
	}
}
