package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/GaryMatthews/serialmux/internal/downstream"
	"github.com/GaryMatthews/serialmux/internal/manager"
	"github.com/GaryMatthews/serialmux/internal/protocol"
)

type nullTransport struct{ net.Conn }

func (t *nullTransport) Framed() bool { return false }

func newManagerForTest() *manager.Manager {
	a, b := net.Pipe()
	go func() {
		buf := make([]byte, 64)
		for {
			b.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	peer := downstream.New(&nullTransport{Conn: a}, nil, nil, nil, nil)
	m := manager.New(peer, nil, nil, nil, manager.Options{})
	peer.SetCallback(m)
	return m
}

func TestListenerAcceptsAndHandshakes(t *testing.T) {
	mgr := newManagerForTest()
	l := New("127.0.0.1:0", mgr, func() uint8 { return 4 }, []byte("01234567"), nil)

	// bind on an ephemeral port by asking net.Listen ourselves first to
	// learn it, then let Listener bind the same style address.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()
	l.addr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := append([]byte{0xA7, 0x40, 0xA0, 0xF5, 0x00, 0x0C, 0x00, 0x00, protocol.MuxHello, 0x04}, []byte("01234567")...)
	if _, err := conn.Write(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read hello response: %v", err)
	}
	if n < 10 || buf[9] != protocol.OK {
		t.Fatalf("expected OK hello response, got %v", buf[:n])
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after context cancellation")
	}
}
