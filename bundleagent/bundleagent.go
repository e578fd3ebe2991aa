// Package bundleagent implements the bundle agent (§4.7): a bounded
// queue of RFC 5050-style bundle records, an endpoint registry, and a
// single processing worker that delivers, forwards, defers, or expires
// each record.
//
// Grounded on transport/collect.go's wake-on-channel worker idiom
// ("sleep until nearest timer, wake on change") — the same shape hk
// uses for its housekeeping loop — applied here to bundle deferral
// timers instead of stream idle timeouts.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package bundleagent

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/bundle"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/cmn/cos"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/dmp"
	"github.com/robomesh/meshbus/naming"
	"github.com/robomesh/meshbus/stream"
	"github.com/robomesh/meshbus/xtime"
)

// Port is the reserved DMP port the bundle agent listens on.
const Port uint16 = 4556

// MaxBundles bounds the processing queue.
const MaxBundles = 32

// DeferTime is how long a record waits before its next routing
// attempt after no next hop was found or a send failed. A record whose
// destination cannot be resolved is dropped, not deferred.
const DeferTime = 1000 * time.Millisecond

// idleWait is the worker's "sleep indefinitely" approximation: long
// enough to never matter, short enough to recover from a missed wake.
const idleWait = time.Hour

// EndpointListener receives bundles addressed to a locally registered
// endpoint.
type EndpointListener interface {
	DeliverBundle(b bundle.Bundle)
}

// RoutingProvider maps a resolved host address to a next-hop
// connection. The default provider always returns "no route".
type RoutingProvider interface {
	NextHop(host addr.InterfaceAddress) (*stream.Connection, bool)
}

type noRouting struct{}

func (noRouting) NextHop(addr.InterfaceAddress) (*stream.Connection, bool) { return nil, false }

type queuedBundle struct {
	b        bundle.Bundle
	deferSet bool
	timer    time.Time
}

// Agent is the bundle agent bound to a bus context. The zero value is
// not usable; use New.
type Agent struct {
	ctx      *bus.Context
	routing  RoutingProvider
	resolver naming.Resolver
	clock    xtime.Provider

	// LocalHighWatermarkFrac gates new submissions once the queue is
	// at least this fraction full. Applies to every submission, local
	// or inbound — see DESIGN.md's "Bundle queue 80% rule" entry.
	LocalHighWatermarkFrac float64

	mu        sync.Mutex
	queue     []*queuedBundle
	endpoints map[string]EndpointListener
	seen      *cuckoo.Filter

	lastLocalTS  int64
	lastLocalSeq int64

	wakeCh chan struct{}
	stop   *cos.StopCh
	wg     sync.WaitGroup
}

type Option func(*Agent)

func WithRoutingProvider(r RoutingProvider) Option { return func(a *Agent) { a.routing = r } }
func WithClock(c xtime.Provider) Option            { return func(a *Agent) { a.clock = c } }
func WithResolver(r naming.Resolver) Option        { return func(a *Agent) { a.resolver = r } }

func New(ctx *bus.Context, opts ...Option) *Agent {
	a := &Agent{
		ctx:                    ctx,
		routing:                noRouting{},
		resolver:               naming.NewLiteral(),
		clock:                  xtime.System(),
		LocalHighWatermarkFrac: 0.8,
		endpoints:              make(map[string]EndpointListener),
		seen:                   cuckoo.NewFilter(1024),
		wakeCh:                 make(chan struct{}, 1),
		stop:                   cos.NewStopCh(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Start() error {
	if err := a.ctx.Bind(a, Port); err != nil {
		return err
	}
	a.wg.Add(1)
	go a.run()
	return nil
}

func (a *Agent) Stop() {
	a.stop.Close()
	a.wg.Wait()
	a.ctx.Unbind(a, Port)
}

// Register adds a local endpoint listener. dtn:none may never be
// registered; duplicate registration is rejected.
func (a *Agent) Register(endpoint string, l EndpointListener) error {
	if endpoint == "dtn:none" {
		return &cos.ErrReservedEndpoint{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.endpoints[endpoint]; ok {
		return &cos.ErrDuplicateEndpoint{Endpoint: endpoint}
	}
	a.endpoints[endpoint] = l
	return nil
}

// QueueLen reports the number of records currently queued, for
// diagnostics.
func (a *Agent) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Agent) Unregister(endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.endpoints, endpoint)
}

// SubmitLocal assigns a creation timestamp (network time / 1000) and
// sequence number, then enqueues b.
func (a *Agent) SubmitLocal(b bundle.Bundle) error {
	ts := a.clock.NowMillis() / 1000
	a.mu.Lock()
	if ts == a.lastLocalTS {
		a.lastLocalSeq++
	} else {
		a.lastLocalSeq = 0
	}
	a.lastLocalTS = ts
	b.CreationTimestamp = ts
	b.CreationSeq = a.lastLocalSeq
	a.mu.Unlock()
	return a.enqueue(b)
}

// SubmitInbound enqueues a bundle received from the wire, deduplicating
// against recently-seen bundle identities.
func (a *Agent) SubmitInbound(b bundle.Bundle) error {
	key := dedupKey(b.ID())
	a.mu.Lock()
	if a.seen.Lookup(key) {
		a.mu.Unlock()
		return nil // already processed; silently drop, per §4.8's drop-don't-disconnect policy
	}
	a.seen.InsertUnique(key)
	a.mu.Unlock()
	return a.enqueue(b)
}

func dedupKey(id bundle.BundleID) []byte {
	return []byte(id.Source + "|" +
		itoa(id.CreationTimestamp) + "|" + itoa(id.CreationSeq))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// enqueue applies the §4.7/open-questions high-watermark rule to
// every submission, local or inbound.
func (a *Agent) enqueue(b bundle.Bundle) error {
	a.mu.Lock()
	highWater := int(float64(MaxBundles) * a.LocalHighWatermarkFrac)
	if len(a.queue) >= highWater {
		a.mu.Unlock()
		return &cos.ErrQueueFull{}
	}
	a.queue = append(a.queue, &queuedBundle{b: b})
	a.mu.Unlock()
	a.wake()
	return nil
}

func (a *Agent) wake() {
	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

// Receive implements bus.Listener.
func (a *Agent) Receive(_ *stream.Connection, dg dmp.Datagram) {
	b, err := bundle.Decode(dg.Payload)
	if err != nil {
		nlog.Warningf("bundleagent: dropping malformed bundle: %v", err)
		return
	}
	_ = a.SubmitInbound(b)
}

func (a *Agent) run() {
	defer a.wg.Done()
	for {
		sleep := a.processDue()
		select {
		case <-a.stop.Listen():
			return
		case <-a.wakeCh:
		case <-time.After(sleep):
		}
	}
}

// processDue scans the queue once: due records are processed outside
// the lock (they may block on I/O or invoke a listener); deferred
// records are kept. It returns how long to sleep until the next record
// comes due.
func (a *Agent) processDue() time.Duration {
	now := time.Now()
	a.mu.Lock()
	var due, keep []*queuedBundle
	next := idleWait
	for _, qb := range a.queue {
		if qb.deferSet && qb.timer.After(now) {
			keep = append(keep, qb)
			if d := qb.timer.Sub(now); d < next {
				next = d
			}
			continue
		}
		qb.deferSet = false
		due = append(due, qb)
	}
	a.queue = keep
	a.mu.Unlock()

	for _, qb := range due {
		if a.processOne(qb) {
			a.mu.Lock()
			a.queue = append(a.queue, qb)
			a.mu.Unlock()
			if next > DeferTime {
				next = DeferTime
			}
		}
	}
	return next
}

// processOne runs steps 2-7 of §4.7 against qb.b and reports whether
// the record should be kept (deferred) rather than completed.
func (a *Agent) processOne(qb *queuedBundle) (keep bool) {
	networkNowMs := a.clock.NowMillis()
	if qb.b.CreationTimestamp+qb.b.Lifetime < networkNowMs/1000 {
		return false // expired
	}

	a.mu.Lock()
	l, delivered := a.endpoints[qb.b.Destination.String()]
	a.mu.Unlock()
	if delivered {
		l.DeliverBundle(qb.b)
		return false
	}

	host, err := a.resolver.Resolve(qb.b.Destination.String())
	if err != nil {
		return false // resolution failed
	}

	conn, ok := a.routing.NextHop(host)
	if !ok {
		qb.deferSet = true
		qb.timer = time.Now().Add(DeferTime)
		return true
	}

	encoded, err := bundle.Encode(qb.b)
	if err != nil {
		nlog.Warningf("bundleagent: encode of %v failed, dropping: %v", qb.b.ID(), err)
		return false
	}
	dg, err := dmp.New(Port, encoded)
	if err != nil {
		return false
	}
	if err := a.ctx.Send(conn, dg); err != nil {
		nlog.Warningf("bundleagent: send to %s failed, deferring: %v", conn.ID(), err)
		qb.deferSet = true
		qb.timer = time.Now().Add(DeferTime)
		return true
	}
	return false
}
