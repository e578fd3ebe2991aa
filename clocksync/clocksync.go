// Package clocksync implements network time synchronization (§4.6):
// peers exchange round-trip-timed samples and each instance nudges an
// offset atop its own monotonic clock toward the mean of its peers.
//
// Grounded on transport/collect.go's fixed-size ring-buffer bookkeeping
// (slice + wraparound index) for the outstanding-send ring, and the
// teacher's general preference for small hand-rolled state over a
// dependency at this scale.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package clocksync

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/cmn/cos"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/dmp"
	"github.com/robomesh/meshbus/stream"
)

// Port is the reserved DMP port ClockSync listens on.
const Port uint16 = 50123

// UpdatePeriod is the nominal main-loop period; the daemon jitters it
// by up to 50% to avoid phase-locking with peers on a shared medium.
const UpdatePeriod = 1000 * time.Millisecond

const (
	gain       = 1.0
	ringSize   = 10
	payloadLen = 24
)

type payload struct {
	Seq        uint32
	RemoteTime int64
	ReplySeq   uint32
	HoldMs     int64
}

func (p payload) bytes() []byte {
	b := make([]byte, payloadLen)
	binary.BigEndian.PutUint32(b[0:4], p.Seq)
	binary.BigEndian.PutUint64(b[4:12], uint64(p.RemoteTime))
	binary.BigEndian.PutUint32(b[12:16], p.ReplySeq)
	binary.BigEndian.PutUint64(b[16:24], uint64(p.HoldMs))
	return b
}

func parsePayload(b []byte) (payload, error) {
	if len(b) != payloadLen {
		return payload{}, &cos.ErrMalformedFrame{Reason: "clocksync: wrong payload length"}
	}
	return payload{
		Seq:        binary.BigEndian.Uint32(b[0:4]),
		RemoteTime: int64(binary.BigEndian.Uint64(b[4:12])),
		ReplySeq:   binary.BigEndian.Uint32(b[12:16]),
		HoldMs:     int64(binary.BigEndian.Uint64(b[16:24])),
	}, nil
}

type sendEntry struct {
	seq  uint32
	sent time.Time
	used bool
}

// recvRecord is the per-connection receive bookkeeping from §3/§4.6.
type recvRecord struct {
	remoteTime     int64
	roundTrip      time.Duration
	localTime      time.Time
	roundTripValid bool
	used           bool

	// lastInboundSeq/receiptTime back the reply_seq/hold_ms fields of
	// our next outbound payload to this peer.
	lastInboundSeq uint32
	receiptTime    time.Time
}

// Daemon is the ClockSync service bound to a bus context. The zero
// value is not usable; use New.
type Daemon struct {
	ctx   *bus.Context
	start time.Time // wall-clock reference for the internal monotonic clock

	mu      sync.Mutex
	offset  int64 // ms, added to the internal clock
	seq     uint32
	ring    [ringSize]sendEntry
	ringPos int
	recv    map[*stream.Connection]*recvRecord

	stop *cos.StopCh
	wg   sync.WaitGroup
}

func New(ctx *bus.Context) *Daemon {
	return &Daemon{
		ctx:   ctx,
		start: time.Now(),
		recv:  make(map[*stream.Connection]*recvRecord),
		stop:  cos.NewStopCh(),
	}
}

func (d *Daemon) internalClockMs() int64 {
	return time.Since(d.start).Milliseconds()
}

// CurrentTimeMillis is internalClock() + offset (§4.6 contract). It
// converges toward the mean of participating peers but is not
// guaranteed monotonic across successive calls.
func (d *Daemon) CurrentTimeMillis() int64 {
	d.mu.Lock()
	off := d.offset
	d.mu.Unlock()
	return d.internalClockMs() + off
}

// Offset returns the current correction applied to the internal
// clock, for diagnostics.
func (d *Daemon) Offset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// NowMillis implements xtime.Provider, so a Daemon can be plugged
// directly into bundleagent as its network-time provider.
func (d *Daemon) NowMillis() int64 { return d.CurrentTimeMillis() }

func (d *Daemon) Start() error {
	if err := d.ctx.Bind(d, Port); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *Daemon) Stop() {
	d.stop.Close()
	d.wg.Wait()
	d.ctx.Unbind(d, Port)
}

func (d *Daemon) run() {
	defer d.wg.Done()
	for {
		period := jitter(UpdatePeriod)
		select {
		case <-d.stop.Listen():
			return
		case <-time.After(period):
			d.tick()
		}
	}
}

func jitter(base time.Duration) time.Duration {
	// U[0, 0.5] multiplier on top of base, per §4.6.
	return base + time.Duration(rand.Float64()*0.5*float64(base))
}

func (d *Daemon) nextSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.seq == 0 {
		d.seq = 1 // 0 is reserved: "nothing to reply to"
	}
	return d.seq
}

func (d *Daemon) tick() {
	conns := d.ctx.Connections()
	for _, c := range conns {
		d.sendTo(c)
	}
	d.updateOffset(len(conns))
}

func (d *Daemon) sendTo(c *stream.Connection) {
	seq := d.nextSeq()
	now := time.Now()

	d.mu.Lock()
	var replySeq uint32
	var holdMs int64
	if r, ok := d.recv[c]; ok && r.lastInboundSeq != 0 {
		replySeq = r.lastInboundSeq
		holdMs = now.Sub(r.receiptTime).Milliseconds()
	}
	d.mu.Unlock()

	p := payload{Seq: seq, RemoteTime: d.CurrentTimeMillis(), ReplySeq: replySeq, HoldMs: holdMs}
	dg, err := dmp.New(Port, p.bytes())
	if err != nil {
		return
	}
	d.mu.Lock()
	d.ring[d.ringPos] = sendEntry{seq: seq, sent: now}
	d.ringPos = (d.ringPos + 1) % ringSize
	d.mu.Unlock()

	if err := d.ctx.Send(c, dg); err != nil {
		nlog.Warningf("clocksync: send to %s failed: %v", c.ID(), err)
	}
}

// updateOffset applies the §4.6 accumulator step: for every
// unused-and-valid receive record, fold (remote + rtt/2 - local -
// offset) into an accumulator e, then offset += gain*e/(N+1).
func (d *Daemon) updateOffset(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e float64
	for _, r := range d.recv {
		if !r.roundTripValid || r.used {
			continue
		}
		localMs := r.localTime.Sub(d.start).Milliseconds()
		sample := float64(r.remoteTime) + float64(r.roundTrip.Milliseconds())/2 - float64(localMs) - float64(d.offset)
		e += sample
		r.used = true
	}
	d.offset += int64(gain * e / float64(n+1))
}

// Receive implements bus.Listener.
func (d *Daemon) Receive(c *stream.Connection, dg dmp.Datagram) {
	p, err := parsePayload(dg.Payload)
	if err != nil {
		nlog.Warningf("clocksync: dropping malformed payload: %v", err)
		return
	}

	now := time.Now()
	d.mu.Lock()
	rec, ok := d.recv[c]
	if !ok {
		rec = &recvRecord{}
		d.recv[c] = rec
	}
	rec.remoteTime = p.RemoteTime
	rec.localTime = now
	rec.used = false
	rec.roundTripValid = false
	rec.lastInboundSeq = p.Seq
	rec.receiptTime = now

	if p.ReplySeq != 0 {
		for _, e := range d.ring {
			if e.seq == p.ReplySeq && !e.sent.IsZero() {
				rtt := now.Sub(e.sent) - time.Duration(p.HoldMs)*time.Millisecond
				rec.roundTrip = rtt
				rec.roundTripValid = true
				break
			}
		}
	}
	d.mu.Unlock()
}
