package muxframe

import (
	"bytes"
	"testing"
)

func TestMessageSerializeRoundTrip(t *testing.T) {
	msg := Message{ID: 1, Type: 4, Payload: []byte{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37}}
	wire := msg.Serialize()

	var got []Message
	f := NewFramer()
	f.Read(wire, func(m Message) { got = append(got, m) })

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != msg.ID || got[0].Type != msg.Type || !bytes.Equal(got[0].Payload, msg.Payload) {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
}

func TestHappyPathHelloVector(t *testing.T) {
	// a hello with version 4 and token "01234567"
	wire := []byte{0xA7, 0x40, 0xA0, 0xF5, 0x00, 0x0C, 0x00, 0x00, 0x01, 0x04, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37}

	var got []Message
	f := NewFramer()
	f.Read(wire, func(m Message) { got = append(got, m) })

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != 0 || got[0].Type != 1 {
		t.Fatalf("unexpected header: %+v", got[0])
	}
	want := []byte{0x04, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37}
	if !bytes.Equal(got[0].Payload, want) {
		t.Fatalf("unexpected payload: %v", got[0].Payload)
	}
}

func TestOutputMessageSerializeMatchesVector(t *testing.T) {
	// scenario 1 expected response: MUX_HELLO, OK, version 4
	out := OutputMessage{ID: 0, Type: 1, Prefix: 0, Payload: []byte{0x04}}
	want := []byte{0xA7, 0x40, 0xA0, 0xF5, 0x00, 0x05, 0x00, 0x00, 0x01, 0x00, 0x04}
	if !bytes.Equal(out.Serialize(), want) {
		t.Fatalf("serialize mismatch: got %v want %v", out.Serialize(), want)
	}
}

func TestReadTokenSplitAcrossCalls(t *testing.T) {
	msg := Message{ID: 7, Type: 2, Payload: []byte{0xAA, 0xBB}}
	wire := msg.Serialize()

	var got []Message
	f := NewFramer()
	// split mid-token
	f.Read(wire[:2], func(m Message) { got = append(got, m) })
	f.Read(wire[2:], func(m Message) { got = append(got, m) })

	if len(got) != 1 {
		t.Fatalf("expected 1 message after split read, got %d", len(got))
	}
	if got[0].ID != 7 || !bytes.Equal(got[0].Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("mismatch: %+v", got[0])
	}
}

func TestReadWaitsForFullPayload(t *testing.T) {
	msg := Message{ID: 1, Type: 1, Payload: []byte{1, 2, 3, 4, 5}}
	wire := msg.Serialize()

	var got []Message
	f := NewFramer()
	f.Read(wire[:len(wire)-2], func(m Message) { got = append(got, m) })
	if len(got) != 0 {
		t.Fatalf("expected no message before full payload arrives, got %d", len(got))
	}
	f.Read(wire[len(wire)-2:], func(m Message) { got = append(got, m) })
	if len(got) != 1 {
		t.Fatalf("expected message once payload complete, got %d", len(got))
	}
}

func TestReadResyncsAfterGarbage(t *testing.T) {
	msg := Message{ID: 2, Type: 3, Payload: []byte{9, 9}}
	wire := append([]byte{0x00, 0x01, 0x02}, msg.Serialize()...)

	var got []Message
	f := NewFramer()
	f.Read(wire, func(m Message) { got = append(got, m) })

	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("expected resync to find the message, got %+v", got)
	}
}
