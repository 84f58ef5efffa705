// Package listener implements the TCP listener (C6): bind once per
// connection epoch, accept loop, spawn a client.Session per
// connection.
//
// Binds once, runs a ctx-cancelable accept loop, and spawns one
// goroutine per accepted connection feeding a shared client manager.
package listener

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/client"
	"github.com/GaryMatthews/serialmux/internal/manager"
)

// Listener accepts TCP connections and hands each one to a new
// client.Session.
type Listener struct {
	addr    string
	mgr     *manager.Manager
	peerVer func() uint8
	token   []byte
	log     *zap.Logger
}

// New creates a Listener bound to addr ("host:port"; an empty host
// binds all interfaces, "127.0.0.1:port" binds loopback only).
// peerVer is called once per accepted connection to read C4's
// currently negotiated protocol version.
func New(addr string, mgr *manager.Manager, peerVer func() uint8, authToken []byte, log *zap.Logger) *Listener {
	return &Listener{addr: addr, mgr: mgr, peerVer: peerVer, token: authToken, log: log}
}

// Run binds and accepts until ctx is cancelled. Accept errors other
// than the listener closing are logged and looped past immediately.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	if l.log != nil {
		l.log.Info("listening for clients", zap.String("addr", l.addr))
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if l.log != nil {
				l.log.Warn("accept failed", zap.Error(err))
			}
			continue
		}

		sess := client.New(conn, l.mgr, l.peerVer(), l.token, l.log)
		go sess.Run()
	}
}
