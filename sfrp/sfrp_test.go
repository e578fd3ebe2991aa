package sfrp_test

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/dmp"
	"github.com/robomesh/meshbus/sfrp"
	"github.com/robomesh/meshbus/stream"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func addrOf(last byte) addr.InterfaceAddress {
	b := make([]byte, 16)
	b[15] = last
	a, _ := addr.FromBytes(b)
	return a
}

func helloBytes(seq, hops, validityMs uint16, originator addr.InterfaceAddress) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint16(b[0:2], seq)
	binary.BigEndian.PutUint16(b[2:4], hops)
	binary.BigEndian.PutUint16(b[4:6], validityMs)
	copy(b[8:24], originator.Bytes())
	return b
}

type routeRecorder struct {
	events chan sfrp.RouteKind
}

func newRouteRecorder() *routeRecorder { return &routeRecorder{events: make(chan sfrp.RouteKind, 8)} }

func (r *routeRecorder) OnRouteChange(_ addr.InterfaceAddress, kind sfrp.RouteKind) {
	r.events <- kind
}

func readDatagram(r *stream.Connection) <-chan dmp.Datagram {
	out := make(chan dmp.Datagram, 1)
	go func() {
		d, err := dmp.ReadFrom(r)
		if err == nil {
			out <- d
		}
	}()
	return out
}

var _ = Describe("Daemon.Receive", func() {
	It("learns a new route, notifies ROUTE_ADDED, and forwards to every other connection", func() {
		ctx := bus.New()
		d := sfrp.New(ctx)
		rl := newRouteRecorder()
		d.AddRouteListener(rl)

		a1, a2 := net.Pipe()
		connA := stream.New(a1, addrOf(2))
		b1, b2 := net.Pipe()
		connB := stream.New(b1, addrOf(3))
		peerB := stream.New(b2, addrOf(30))
		ctx.AddConnection(connA)
		ctx.AddConnection(connB)

		origin := addrOf(9)
		payload, _ := dmp.New(sfrp.Port, helloBytes(1, 1, 5000, origin))

		fwd := readDatagram(peerB)
		d.Receive(connA, payload)

		Eventually(rl.events).Should(Receive(Equal(sfrp.RouteAdded)))
		nh, ok := d.NextHop(origin)
		Expect(ok).To(BeTrue())
		Expect(nh).To(BeIdenticalTo(connA))

		var got dmp.Datagram
		Eventually(fwd, time.Second).Should(Receive(&got))
		Expect(got.Port).To(Equal(sfrp.Port))
		// hop count incremented on forward
		Expect(binary.BigEndian.Uint16(got.Payload[2:4])).To(Equal(uint16(2)))
	})

	It("discards a HELLO whose originator is our own main address", func() {
		ctx := bus.New()
		own := addrOf(1)
		ctx.SetMainAddr(own)
		d := sfrp.New(ctx)

		a1, _ := net.Pipe()
		conn := stream.New(a1, addrOf(2))
		payload, _ := dmp.New(sfrp.Port, helloBytes(1, 1, 5000, own))
		d.Receive(conn, payload)

		_, ok := d.NextHop(own)
		Expect(ok).To(BeFalse())
	})

	It("does not replace the incumbent on an equal seq, equal-or-greater hop count", func() {
		ctx := bus.New()
		d := sfrp.New(ctx)

		// drain the far ends: a relayed HELLO is written synchronously
		// and would otherwise block Receive on the unread pipe.
		a1, a2 := net.Pipe()
		go io.Copy(io.Discard, a2)
		connA := stream.New(a1, addrOf(2))
		b1, b2 := net.Pipe()
		go io.Copy(io.Discard, b2)
		connB := stream.New(b1, addrOf(3))
		ctx.AddConnection(connA)
		ctx.AddConnection(connB)

		origin := addrOf(9)
		first, _ := dmp.New(sfrp.Port, helloBytes(5, 2, 5000, origin))
		d.Receive(connA, first)
		nh, _ := d.NextHop(origin)
		Expect(nh).To(BeIdenticalTo(connA))

		second, _ := dmp.New(sfrp.Port, helloBytes(5, 2, 5000, origin))
		d.Receive(connB, second)
		nh, _ = d.NextHop(origin)
		Expect(nh).To(BeIdenticalTo(connA), "equal seq and equal hops must not replace the incumbent")
	})

	It("relays a shorter path at the same sequence", func() {
		ctx := bus.New()
		d := sfrp.New(ctx)

		// drain the far ends: a relayed HELLO is written synchronously
		// and would otherwise block Receive on the unread pipe.
		a1, a2 := net.Pipe()
		go io.Copy(io.Discard, a2)
		connA := stream.New(a1, addrOf(2))
		b1, b2 := net.Pipe()
		go io.Copy(io.Discard, b2)
		connB := stream.New(b1, addrOf(3))
		ctx.AddConnection(connA)
		ctx.AddConnection(connB)

		origin := addrOf(9)
		first, _ := dmp.New(sfrp.Port, helloBytes(5, 3, 5000, origin))
		d.Receive(connA, first)

		shorter, _ := dmp.New(sfrp.Port, helloBytes(5, 1, 5000, origin))
		d.Receive(connB, shorter)

		nh, _ := d.NextHop(origin)
		Expect(nh).To(BeIdenticalTo(connB))
	})
})
