// Package protocol holds the upstream-only wire constants: the
// mux-local command types and result/prefix codes carried in
// MuxOutput.prefix. These are never forwarded to the downstream peer;
// manager API command types and their downstream framing live in
// package downstream, since on the wire they share the same type-byte
// space as the downstream frame header.
package protocol

// Mux-local command types, handled entirely by the client session or
// the client manager and never forwarded downstream.
const (
	MuxHello uint8 = 1
	MuxInfo  uint8 = 2
)

// Result/prefix codes carried in MuxOutput.prefix.
const (
	OK                    uint8 = 0
	ErrInvalidCmd         uint8 = 1
	ErrInvalidArg         uint8 = 2
	ErrInvalidAuth        uint8 = 3
	ErrUnsupportedVersion uint8 = 4
	ErrCommandTimeout     uint8 = 5
)

// MaxCommandPayloadLen bounds a manager API command's payload; longer
// commands are rejected with ErrInvalidCmd before ever reaching the
// downstream peer.
const MaxCommandPayloadLen = 128

// HelloPayloadLen is the exact length of a MUX_HELLO payload:
// {protocol_version: u8, auth_token: [u8;8]}.
const HelloPayloadLen = 9

// Version is the mux's own build identity, returned by MUX_INFO.
type Version struct {
	Major   uint8
	Minor   uint8
	Release uint8
	BuildHi uint8
	BuildLo uint8
}
