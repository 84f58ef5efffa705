// Package transport defines the capability the downstream session
// depends on without owning how it's opened or closed. Serial device
// setup and UDP socket creation are external collaborators; this
// package only models the read/write/framing contract the core needs
// once a transport is already open.
package transport

import (
	"io"
	"time"
)

// Transport is a byte-level connection to the downstream peer: either
// a serial port carrying an HDLC byte stream, or a UDP loopback socket
// carrying one complete frame per datagram.
type Transport interface {
	io.Closer

	// Read blocks until at least one byte is available (serial) or one
	// datagram arrives (UDP), or the read timeout elapses.
	Read(p []byte) (int, error)

	// Write sends p as-is; HDLC encoding and UDP's leading dummy byte
	// are applied by the caller, not by the Transport.
	Write(p []byte) (int, error)

	// SetReadDeadline bounds the next Read call the way
	// net.Conn.SetReadDeadline does.
	SetReadDeadline(t time.Time) error

	// Framed reports whether each Read call returns exactly one
	// complete frame (true, for UDP) or an arbitrary chunk of a
	// continuous HDLC byte stream (false, for serial).
	Framed() bool
}

// RTSFlowControl records the serial line-control options the original
// source plumbs into the port (SerialMuxOptions.cpp's --rts-delay and
// --flow-control). Transport open/close mechanics are out of scope, so
// this struct only gives the two options a typed home; it has no
// behavior, and nothing in this checkout constructs it (the UDP
// loopback opener ignores both options).
type RTSFlowControl struct {
	RTSDelayMs  int
	FlowControl bool
}
