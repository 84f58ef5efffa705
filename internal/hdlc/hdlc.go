// Package hdlc implements the byte-framing layer used on the serial
// downstream transport: 0x7E-delimited frames, 0x7D byte-stuffing and
// a trailing FCS-16 (the standard PPP CRC, polynomial 0x1021, init
// 0xFFFF, good-frame magic remainder 0xF0B8).
//
// Modeled as a byte-at-a-time state machine (Idle/Data/Escape) with a
// frame-complete callback, so a decoder can be fed one byte at a time
// off a streaming serial read.
package hdlc

const (
	flagByte    = 0x7E
	escapeByte  = 0x7D
	escapeXOR   = 0x20
	fcsMagic    = 0xF0B8
	fcsInit     = 0xFFFF
	fcsPolyTerm = 0x8408 // bit-reversed 0x1021, used to build fcsTable below
)

var fcsTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		fcs := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if fcs&1 != 0 {
				fcs = (fcs >> 1) ^ fcsPolyTerm
			} else {
				fcs = fcs >> 1
			}
		}
		fcsTable[i] = fcs
	}
}

func updateFCS(fcs uint16, b byte) uint16 {
	return (fcs >> 8) ^ fcsTable[(fcs^uint16(b))&0xFF]
}

// ComputeFCS16 computes the running FCS-16 over data, matching
// computeFCS16 in the original source.
func ComputeFCS16(data []byte) uint16 {
	fcs := uint16(fcsInit)
	for _, b := range data {
		fcs = updateFCS(fcs, b)
	}
	return fcs
}

// Encode wraps payload in an HDLC frame: opening flag, byte-stuffed
// payload, byte-stuffed little-endian FCS-16 trailer, closing flag.
func Encode(payload []byte) []byte {
	fcs := ComputeFCS16(payload)
	fcs = fcs ^ 0xFFFF // complement before transmission, PPP-style
	trailer := []byte{byte(fcs & 0xFF), byte((fcs >> 8) & 0xFF)}

	out := make([]byte, 0, len(payload)+len(trailer)+4)
	out = append(out, flagByte)
	out = appendStuffed(out, payload)
	out = appendStuffed(out, trailer)
	out = append(out, flagByte)
	return out
}

func appendStuffed(out []byte, data []byte) []byte {
	for _, b := range data {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXOR)
		} else {
			out = append(out, b)
		}
	}
	return out
}

type parseState int

const (
	stateIdle parseState = iota
	stateData
	stateEscape
)

// FrameHandler is invoked once per valid frame decoded from the
// stream, with the payload already stripped of its FCS trailer.
type FrameHandler func(frame []byte)

// Decoder is a streaming HDLC decoder: feed it bytes one at a time (or
// in bulk via Write) and it calls the handler for each frame whose FCS
// validates. Frames that fail FCS are silently dropped, matching the
// spec: the core never reports framing errors itself.
type Decoder struct {
	state   parseState
	buf     []byte
	running uint16
	handler FrameHandler
}

// NewDecoder creates a Decoder that invokes handler on each
// successfully-validated frame.
func NewDecoder(handler FrameHandler) *Decoder {
	d := &Decoder{handler: handler}
	d.reset()
	return d
}

func (d *Decoder) reset() {
	d.state = stateIdle
	d.buf = d.buf[:0]
	d.running = fcsInit
}

// Write feeds a chunk of bytes read from the transport into the
// decoder.
func (d *Decoder) Write(data []byte) {
	for _, b := range data {
		d.AddByte(b)
	}
}

// AddByte feeds a single byte into the decoder, matching CHDLC::addByte.
func (d *Decoder) AddByte(b byte) {
	switch b {
	case flagByte:
		if d.state == stateData && len(d.buf) > 0 {
			d.tryCompleteFrame()
		}
		// Either idle->data (opening flag) or a post-completion flag;
		// either way the buffer starts fresh for the next frame.
		d.state = stateData
		d.buf = d.buf[:0]
		d.running = fcsInit
	case escapeByte:
		d.state = stateEscape
	default:
		if d.state == stateEscape {
			d.append(b ^ escapeXOR)
			d.state = stateData
		} else if d.state == stateData {
			d.append(b)
		}
		// bytes seen before the opening flag (stateIdle) are discarded
	}
}

func (d *Decoder) append(b byte) {
	d.buf = append(d.buf, b)
	d.running = updateFCS(d.running, b)
}

func (d *Decoder) tryCompleteFrame() {
	if len(d.buf) < 2 {
		return
	}
	if d.running == fcsMagic {
		frame := make([]byte, len(d.buf)-2)
		copy(frame, d.buf[:len(d.buf)-2])
		if d.handler != nil {
			d.handler(frame)
		}
	}
	// FCS mismatch: silently dropped per spec.
}
