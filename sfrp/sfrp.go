// Package sfrp implements the Simplified Flood Routing Protocol
// (§4.5): a HELLO-flood daemon that learns next hops to every
// reachable originator by relaying the best (newest, then shortest)
// route it has seen.
//
// Grounded on transport/collect.go's ticker-driven daemon loop (one
// goroutine, select over ticker/stop-channel) for the periodic HELLO
// send + sweep, and the teacher's overall preference for a plain
// mutex-guarded map over a specialized structure at this table scale.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package sfrp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/cmn/cos"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/dmp"
	"github.com/robomesh/meshbus/stream"
)

// Port is the reserved DMP port SFRP listens on.
const Port uint16 = 50054

// HelloTime is the daemon loop's period (§4.5 step list).
const HelloTime = 1000 * time.Millisecond

const helloLen = 24

type hello struct {
	Seq        uint16
	Hops       uint16
	ValidityMs uint16
	Originator addr.InterfaceAddress
}

func (h hello) bytes() []byte {
	b := make([]byte, helloLen)
	binary.BigEndian.PutUint16(b[0:2], h.Seq)
	binary.BigEndian.PutUint16(b[2:4], h.Hops)
	binary.BigEndian.PutUint16(b[4:6], h.ValidityMs)
	// b[6:8] reserved, left zero
	copy(b[8:24], h.Originator.Bytes())
	return b
}

func parseHello(b []byte) (hello, error) {
	if len(b) != helloLen {
		return hello{}, &cos.ErrMalformedFrame{Reason: "sfrp: wrong HELLO length"}
	}
	origin, err := addr.FromBytes(b[8:24])
	if err != nil {
		return hello{}, &cos.ErrMalformedFrame{Reason: "sfrp: bad originator: " + err.Error()}
	}
	return hello{
		Seq:        binary.BigEndian.Uint16(b[0:2]),
		Hops:       binary.BigEndian.Uint16(b[2:4]),
		ValidityMs: binary.BigEndian.Uint16(b[4:6]),
		Originator: origin,
	}, nil
}

// RouteKind distinguishes route table notifications.
type RouteKind int

const (
	RouteAdded RouteKind = iota
	RouteRemoved
)

// RouteListener is notified when a route is learned or expires.
type RouteListener interface {
	OnRouteChange(originator addr.InterfaceAddress, kind RouteKind)
}

type record struct {
	seq        uint16
	dist       uint16
	validity   time.Duration
	lastUpdate time.Time
	nextHop    *stream.Connection
	valid      bool
}

// Daemon is the SFRP service bound to a bus context. The zero value is
// not usable; use New.
type Daemon struct {
	ctx *bus.Context

	mu      sync.Mutex
	table   map[addr.InterfaceAddress]*record
	seq     uint16
	routeLs []RouteListener

	stop *cos.StopCh
	wg   sync.WaitGroup
}

func New(ctx *bus.Context) *Daemon {
	return &Daemon{
		ctx:   ctx,
		table: make(map[addr.InterfaceAddress]*record),
		stop:  cos.NewStopCh(),
	}
}

// Start binds the daemon to Port and launches its loop goroutine.
func (d *Daemon) Start() error {
	if err := d.ctx.Bind(d, Port); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.run()
	return nil
}

// Stop halts the loop and releases the port binding.
func (d *Daemon) Stop() {
	d.stop.Close()
	d.wg.Wait()
	d.ctx.Unbind(d, Port)
}

func (d *Daemon) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(HelloTime)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop.Listen():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Daemon) tick() {
	main, ok := d.ctx.MainAddr()
	if ok {
		d.mu.Lock()
		d.seq++
		seq := d.seq
		d.mu.Unlock()

		h := hello{Seq: seq, Hops: 1, ValidityMs: uint16(2 * HelloTime / time.Millisecond), Originator: main}
		payload, err := dmp.New(Port, h.bytes())
		if err == nil {
			for _, c := range d.ctx.Connections() {
				if err := d.ctx.Send(c, payload); err != nil {
					nlog.Warningf("sfrp: HELLO send to %s failed: %v", c.ID(), err)
				}
			}
		}
	}
	d.sweep()
}

func (d *Daemon) sweep() {
	now := time.Now()
	var removed []addr.InterfaceAddress
	d.mu.Lock()
	for a, r := range d.table {
		if r.valid && now.Sub(r.lastUpdate) > r.validity {
			r.valid = false
			removed = append(removed, a)
		}
	}
	d.mu.Unlock()
	for _, a := range removed {
		d.notifyRoute(a, RouteRemoved)
	}
}

// Receive implements bus.Listener.
func (d *Daemon) Receive(c *stream.Connection, dg dmp.Datagram) {
	h, err := parseHello(dg.Payload)
	if err != nil {
		nlog.Warningf("sfrp: dropping malformed HELLO: %v", err)
		return
	}

	if main, ok := d.ctx.MainAddr(); ok && h.Originator.Equal(main) {
		return
	}

	relay, newRoute := d.considerAndUpdate(c, h)
	if !relay {
		return
	}
	if newRoute {
		d.notifyRoute(h.Originator, RouteAdded)
	}

	fwd := h
	fwd.Hops++
	payload, err := dmp.New(Port, fwd.bytes())
	if err != nil {
		return
	}
	for _, conn := range d.ctx.Connections() {
		if conn == c {
			continue
		}
		if err := d.ctx.Send(conn, payload); err != nil {
			nlog.Warningf("sfrp: forward to %s failed: %v", conn.ID(), err)
		}
	}
}

// considerAndUpdate applies the §4.5 relay rules under the table lock
// and returns whether to relay and whether this is a newly-valid
// route (i.e. a ROUTE_ADDED is due).
func (d *Daemon) considerAndUpdate(c *stream.Connection, h hello) (relay, newRoute bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.table[h.Originator]
	if !ok {
		r = &record{}
		d.table[h.Originator] = r
		relay = true
		newRoute = true
	} else {
		s, rs := int(h.Seq), int(r.seq)
		switch {
		case s > rs:
			relay = true
		case s < rs-32768:
			relay = true // sequence wrap-around
		case s == rs && int(h.Hops) < int(r.dist):
			relay = true
		}
		if relay && !r.valid {
			newRoute = true
		}
	}
	if !relay {
		return false, false
	}

	r.seq = h.Seq
	r.dist = h.Hops
	r.validity = time.Duration(h.ValidityMs) * time.Millisecond
	r.lastUpdate = time.Now()
	r.nextHop = c
	r.valid = true
	return relay, newRoute
}

// NextHop returns the connection to reach originator, if a valid
// route exists.
func (d *Daemon) NextHop(originator addr.InterfaceAddress) (*stream.Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.table[originator]
	if !ok || !r.valid {
		return nil, false
	}
	return r.nextHop, true
}

// RouteCount reports how many originators currently have a valid
// route, for diagnostics.
func (d *Daemon) RouteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.table {
		if r.valid {
			n++
		}
	}
	return n
}

func (d *Daemon) AddRouteListener(l RouteListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeLs = append(d.routeLs, l)
}

func (d *Daemon) RemoveRouteListener(l RouteListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.routeLs {
		if existing == l {
			d.routeLs = append(d.routeLs[:i], d.routeLs[i+1:]...)
			return
		}
	}
}

func (d *Daemon) notifyRoute(a addr.InterfaceAddress, kind RouteKind) {
	d.mu.Lock()
	snapshot := make([]RouteListener, len(d.routeLs))
	copy(snapshot, d.routeLs)
	d.mu.Unlock()
	for _, l := range snapshot {
		l.OnRouteChange(a, kind)
	}
}
