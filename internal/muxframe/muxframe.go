// Package muxframe implements the upstream (TCP) wire framing: a
// 4-byte magic token, a 16-bit big-endian length, and an id/type/
// payload (or id/type/prefix/payload for responses).
//
// Reads incrementally off a growing []byte accumulator, resyncing to
// the next magic token if a malformed length or stray byte is seen.
package muxframe

import "encoding/binary"

// Magic is the 4-byte token that opens every upstream message.
var Magic = [4]byte{0xA7, 0x40, 0xA0, 0xF5}

// Message is an inbound (client -> mux) or outbound command message.
type Message struct {
	ID      uint16
	Type    uint8
	Payload []byte
}

// OutputMessage is an outbound (mux -> client) message: a response or
// a notification, tagged with a result/notification-type prefix byte.
type OutputMessage struct {
	ID      uint16
	Type    uint8
	Prefix  uint8
	Payload []byte
}

// Serialize encodes m as magic | len_be16(3+len(payload)) | id_be16 |
// type | payload.
func (m Message) Serialize() []byte {
	body := make([]byte, 3+len(m.Payload))
	binary.BigEndian.PutUint16(body[0:2], m.ID)
	body[2] = m.Type
	copy(body[3:], m.Payload)
	return frame(body)
}

// Serialize encodes m as magic | len_be16(4+len(payload)) | id_be16 |
// type | prefix | payload.
func (m OutputMessage) Serialize() []byte {
	body := make([]byte, 4+len(m.Payload))
	binary.BigEndian.PutUint16(body[0:2], m.ID)
	body[2] = m.Type
	body[3] = m.Prefix
	copy(body[4:], m.Payload)
	return frame(body)
}

func frame(body []byte) []byte {
	out := make([]byte, 0, 4+2+len(body))
	out = append(out, Magic[:]...)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(body)))
	out = append(out, lenBuf...)
	out = append(out, body...)
	return out
}

// Framer accumulates bytes read from a TCP connection and extracts
// complete Messages, resyncing on the magic token after any gap.
type Framer struct {
	buf []byte
}

// NewFramer creates an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Read appends data and repeatedly extracts any complete messages it
// can find, invoking onMessage for each in arrival order.
func (f *Framer) Read(data []byte, onMessage func(Message)) {
	f.buf = append(f.buf, data...)
	for {
		idx := indexMagic(f.buf)
		if idx < 0 {
			// No token found: a token can't be split across more than
			// 3 trailing bytes, so keep only the last 3.
			if len(f.buf) > 3 {
				f.buf = append([]byte{}, f.buf[len(f.buf)-3:]...)
			}
			return
		}
		if idx > 0 {
			f.buf = f.buf[idx:]
		}
		if len(f.buf) < 6 {
			return // not enough bytes for the length field yet
		}
		msgLen := int(binary.BigEndian.Uint16(f.buf[4:6]))
		if msgLen < 3 {
			// too short to hold id+type: skip this token and resync
			f.buf = f.buf[1:]
			continue
		}
		total := 6 + msgLen
		if len(f.buf) < total {
			return // wait for the rest of the message
		}
		body := f.buf[6:total]
		msg := Message{
			ID:      binary.BigEndian.Uint16(body[0:2]),
			Type:    body[2],
			Payload: append([]byte{}, body[3:]...),
		}
		f.buf = f.buf[total:]
		onMessage(msg)
	}
}

func indexMagic(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == Magic[0] && buf[i+1] == Magic[1] && buf[i+2] == Magic[2] && buf[i+3] == Magic[3] {
			return i
		}
	}
	return -1
}
