// Package bus implements the bus context (§4.3): owns the set of
// active connections, runs a receive worker per connection, owns the
// port-binding table, exposes send/receive, notifies connection
// change listeners, and tracks this node's "main address".
//
// Grounded on transport/collect.go's ticker/control-channel/stop-
// channel select loop for the per-connection worker shape, and its
// add/remove-from-a-map-under-lock pattern for the connection set.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package bus

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/cmn/cos"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/dmp"
	"github.com/robomesh/meshbus/stream"
)

// ChangeKind distinguishes connection-set change notifications.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

// Listener receives datagrams delivered to a bound port.
type Listener interface {
	Receive(c *stream.Connection, d dmp.Datagram)
}

// ChangeListener is notified when a connection is added or removed.
type ChangeListener interface {
	OnConnChange(c *stream.Connection, kind ChangeKind)
}

type binding struct {
	listener Listener
	port     uint16
}

// Context is the bus context. The zero value is not usable; use New.
type Context struct {
	mu       sync.RWMutex
	conns    map[*stream.Connection]*cos.StopCh
	connOrd  []*stream.Connection // registration order, for the §4.3 "first registered connection" fallback
	bindings map[uint16]binding
	changeLs []ChangeListener
	limiters map[*stream.Connection]*rate.Limiter
	mainAddr *addr.InterfaceAddress
}

func New() *Context {
	return &Context{
		conns:    make(map[*stream.Connection]*cos.StopCh),
		bindings: make(map[uint16]binding),
		limiters: make(map[*stream.Connection]*rate.Limiter),
	}
}

// AddConnection inserts c if not already present, starts its receive
// worker, and notifies Added. No-op if c is already active.
func (ctx *Context) AddConnection(c *stream.Connection) {
	ctx.mu.Lock()
	if _, ok := ctx.conns[c]; ok {
		ctx.mu.Unlock()
		return
	}
	stop := cos.NewStopCh()
	ctx.conns[c] = stop
	ctx.connOrd = append(ctx.connOrd, c)
	ctx.mu.Unlock()

	go ctx.recvWorker(c, stop)
	ctx.notifyChange(c, Added)
}

// RemoveConnection removes c from the active set and signals its
// worker to stop. It does NOT close the underlying stream (§4.3): the
// caller owns that.
func (ctx *Context) RemoveConnection(c *stream.Connection) {
	ctx.mu.Lock()
	stop, ok := ctx.conns[c]
	if ok {
		delete(ctx.conns, c)
		delete(ctx.limiters, c)
		for i, o := range ctx.connOrd {
			if o == c {
				ctx.connOrd = append(ctx.connOrd[:i], ctx.connOrd[i+1:]...)
				break
			}
		}
	}
	ctx.mu.Unlock()
	if ok {
		stop.Close()
		ctx.notifyChange(c, Removed)
	}
}

// Connections returns a snapshot of the active connections (§5:
// listener notification lists are snapshotted, not iterated under
// lock).
func (ctx *Context) Connections() []*stream.Connection {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	out := make([]*stream.Connection, len(ctx.connOrd))
	copy(out, ctx.connOrd)
	return out
}

func (ctx *Context) recvWorker(c *stream.Connection, stop *cos.StopCh) {
	for {
		select {
		case <-stop.Listen():
			return
		default:
		}
		d, err := dmp.ReadFrom(c)
		if err != nil {
			if cos.IsErrMalformedFrame(err) {
				nlog.Warningf("bus: %s: dropping malformed frame: %v", c.ID(), err)
				continue
			}
			// any other read error (EOF, reset, ...) terminates this
			// worker and removes the connection, per §4.3/§4.8.
			nlog.Warningf("bus: %s: receive worker stopping: %v", c.ID(), err)
			ctx.RemoveConnection(c)
			return
		}
		ctx.Receive(c, d)
	}
}

// Bind registers listener for port; PortInUse if the port is already
// taken.
func (ctx *Context) Bind(l Listener, port uint16) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, ok := ctx.bindings[port]; ok {
		return &cos.ErrPortInUse{Port: int(port)}
	}
	ctx.bindings[port] = binding{listener: l, port: port}
	return nil
}

// AllPorts is the sentinel port value meaning "every binding held by
// this listener" for Unbind.
const AllPorts uint16 = 0

// Unbind removes the (listener, port) binding. If port == AllPorts,
// every binding held by listener is removed.
func (ctx *Context) Unbind(l Listener, port uint16) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if port != AllPorts {
		if b, ok := ctx.bindings[port]; ok && b.listener == l {
			delete(ctx.bindings, port)
		}
		return
	}
	for p, b := range ctx.bindings {
		if b.listener == l {
			delete(ctx.bindings, p)
		}
	}
}

// SetSendLimiter applies an optional per-connection send-rate limiter
// (tokens are frame bytes); pass nil to remove it. Defaults to
// unlimited — a concession to genuinely bandwidth-constrained links
// (Bluetooth RFCOMM), not a default posture.
func (ctx *Context) SetSendLimiter(c *stream.Connection, l *rate.Limiter) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if l == nil {
		delete(ctx.limiters, c)
		return
	}
	ctx.limiters[c] = l
}

// Send delivers d locally if c is nil (the §4.3 "sentinel null"
// meaning local delivery), else writes the framed datagram to c. Any
// I/O failure disconnects c and is surfaced to the caller.
func (ctx *Context) Send(c *stream.Connection, d dmp.Datagram) error {
	if c == nil {
		ctx.Receive(nil, d)
		return nil
	}
	ctx.mu.RLock()
	limiter := ctx.limiters[c]
	ctx.mu.RUnlock()
	if limiter != nil {
		n := 6 + len(d.Payload)
		if err := limiter.WaitN(context.Background(), n); err != nil {
			return err
		}
	}
	_, err := d.WriteTo(c)
	if err != nil {
		ctx.RemoveConnection(c)
	}
	return err
}

// Receive looks up the port binding and delivers; drops silently if
// unbound.
func (ctx *Context) Receive(c *stream.Connection, d dmp.Datagram) {
	ctx.mu.RLock()
	b, ok := ctx.bindings[d.Port]
	ctx.mu.RUnlock()
	if !ok {
		return
	}
	b.listener.Receive(c, d)
}

func (ctx *Context) AddChangeListener(l ChangeListener) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, existing := range ctx.changeLs {
		if existing == l {
			return
		}
	}
	ctx.changeLs = append(ctx.changeLs, l)
}

func (ctx *Context) RemoveChangeListener(l ChangeListener) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for i, existing := range ctx.changeLs {
		if existing == l {
			ctx.changeLs = append(ctx.changeLs[:i], ctx.changeLs[i+1:]...)
			return
		}
	}
}

func (ctx *Context) notifyChange(c *stream.Connection, kind ChangeKind) {
	ctx.mu.RLock()
	snapshot := make([]ChangeListener, len(ctx.changeLs))
	copy(snapshot, ctx.changeLs)
	ctx.mu.RUnlock()
	for _, l := range snapshot {
		l.OnConnChange(c, kind)
	}
}

// SetMainAddr explicitly sets this node's identity.
func (ctx *Context) SetMainAddr(a addr.InterfaceAddress) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.mainAddr = &a
}

// MainAddr returns the explicitly-set main address, or (lazily) the
// local address of the first active connection, per §4.3.
func (ctx *Context) MainAddr() (addr.InterfaceAddress, bool) {
	ctx.mu.RLock()
	if ctx.mainAddr != nil {
		a := *ctx.mainAddr
		ctx.mu.RUnlock()
		return a, true
	}
	if len(ctx.connOrd) > 0 {
		a := ctx.connOrd[0].LocalAddr()
		ctx.mu.RUnlock()
		return a, true
	}
	ctx.mu.RUnlock()
	return addr.InterfaceAddress{}, false
}
