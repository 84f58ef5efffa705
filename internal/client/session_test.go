package client

import (
	"net"
	"testing"
	"time"

	"github.com/GaryMatthews/serialmux/internal/downstream"
	"github.com/GaryMatthews/serialmux/internal/manager"
	"github.com/GaryMatthews/serialmux/internal/muxframe"
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

func readOneMessage(t *testing.T, conn net.Conn) muxframe.OutputMessage {
	t.Helper()
	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("readOneMessage: %v", err)
	}
	// magic(4) + len(2) + id(2) + type(1) + prefix(1) + payload
	data := buf[:n]
	if len(data) < 10 {
		t.Fatalf("short message: %v", data)
	}
	return muxframe.OutputMessage{
		ID:      0,
		Type:    data[8],
		Prefix:  data[9],
		Payload: append([]byte{}, data[10:]...),
	}
}

func helloBytes(version uint8, token string) []byte {
	payload := append([]byte{version}, []byte(token)...)
	msgLen := 3 + len(payload) // id(2) + type(1) + payload
	body := append([]byte{byte(msgLen >> 8), byte(msgLen), 0x00, 0x00, protocol.MuxHello}, payload...)
	return append([]byte{0xA7, 0x40, 0xA0, 0xF5}, body...)
}

func TestHelloSuccessRegistersClient(t *testing.T) {
	mgr := newManagerForTest()
	server, conn := net.Pipe()
	defer server.Close()

	s := New(conn, mgr, 4, []byte("01234567"), nil)
	go s.Run()

	if _, err := server.Write(helloBytes(4, "01234567")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	out := readOneMessage(t, server)
	if out.Type != protocol.MuxHello || out.Prefix != protocol.OK {
		t.Fatalf("expected OK hello response, got %+v", out)
	}

	// Register runs right after the response is written.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		registered := s.hasHdl
		s.mu.Unlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected client to be registered with the manager after a successful hello")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHelloBadAuthClosesConnection(t *testing.T) {
	mgr := newManagerForTest()
	server, conn := net.Pipe()
	defer server.Close()

	s := New(conn, mgr, 4, []byte("01234567"), nil)
	go s.Run()

	if _, err := server.Write(helloBytes(4, "00000000")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	out := readOneMessage(t, server)
	if out.Prefix != protocol.ErrInvalidAuth {
		t.Fatalf("expected ErrInvalidAuth, got %+v", out)
	}
	if len(out.Payload) != 1 || out.Payload[0] != 4 {
		t.Fatalf("expected payload=[protocol_version] on rejection, got %+v", out.Payload)
	}

	server.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := server.Read(buf); err == nil {
		t.Fatal("expected connection to close after bad auth")
	}
}

func TestHelloWrongVersionRejected(t *testing.T) {
	mgr := newManagerForTest()
	server, conn := net.Pipe()
	defer server.Close()

	s := New(conn, mgr, 3, []byte("01234567"), nil)
	go s.Run()

	if _, err := server.Write(helloBytes(4, "01234567")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	out := readOneMessage(t, server)
	if out.Prefix != protocol.ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %+v", out)
	}
	if len(out.Payload) != 1 || out.Payload[0] != 3 {
		t.Fatalf("expected payload=[protocol_version] on rejection, got %+v", out.Payload)
	}
}

func TestHelloWrongLengthRejected(t *testing.T) {
	mgr := newManagerForTest()
	server, conn := net.Pipe()
	defer server.Close()

	s := New(conn, mgr, 4, []byte("01234567"), nil)
	go s.Run()

	// a short token (7 bytes instead of 8) makes the payload 8 bytes
	// instead of the required 9.
	if _, err := server.Write(helloBytes(4, "0123456")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	out := readOneMessage(t, server)
	if out.Prefix != protocol.ErrInvalidCmd {
		t.Fatalf("expected ErrInvalidCmd, got %+v", out)
	}
	if len(out.Payload) != 1 || out.Payload[0] != 4 {
		t.Fatalf("expected payload=[protocol_version] on rejection, got %+v", out.Payload)
	}

	server.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := server.Read(buf); err == nil {
		t.Fatal("expected connection to close after malformed hello")
	}
}
