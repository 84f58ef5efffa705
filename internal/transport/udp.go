package transport

import (
	"net"
	"strconv"
	"time"
)

// udpTransport wraps a connected UDP socket as a Transport. Each Read
// returns exactly one datagram: the peer on the other end sends one
// complete frame per datagram, with a leading dummy byte in place of
// HDLC framing.
type udpTransport struct {
	conn *net.UDPConn
}

func (u *udpTransport) Read(p []byte) (int, error)  { return u.conn.Read(p) }
func (u *udpTransport) Write(p []byte) (int, error) { return u.conn.Write(p) }
func (u *udpTransport) Close() error                { return u.conn.Close() }
func (u *udpTransport) SetReadDeadline(t time.Time) error {
	return u.conn.SetReadDeadline(t)
}
func (u *udpTransport) Framed() bool { return true }

// DialUDPLoopback opens a UDP socket connected to 127.0.0.1:port. This
// is the concrete opener for the "numeric UDP port" form of --port; it
// uses net directly since no third-party UDP/socket library fits this
// concern.
func DialUDPLoopback(port int) (Transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}
