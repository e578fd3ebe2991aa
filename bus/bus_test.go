package bus_test

import (
	"net"
	"time"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/dmp"
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

type recorder struct {
	got chan dmp.Datagram
}

func newRecorder() *recorder { return &recorder{got: make(chan dmp.Datagram, 8)} }

func (r *recorder) Receive(_ *stream.Connection, d dmp.Datagram) { r.got <- d }

type changeRecorder struct {
	events chan bus.ChangeKind
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{events: make(chan bus.ChangeKind, 8)}
}

func (r *changeRecorder) OnConnChange(_ *stream.Connection, kind bus.ChangeKind) {
	r.events <- kind
}

var _ = Describe("Context connection set", func() {
	It("notifies Added once and is idempotent on re-add", func() {
		ctx := bus.New()
		cr := newChangeRecorder()
		ctx.AddChangeListener(cr)

		c1, _ := net.Pipe()
		conn := stream.New(c1, addrOf(1))

		ctx.AddConnection(conn)
		ctx.AddConnection(conn)

		Eventually(cr.events).Should(Receive(Equal(bus.Added)))
		Consistently(cr.events, 100*time.Millisecond).ShouldNot(Receive())
		Expect(ctx.Connections()).To(HaveLen(1))
	})

	It("notifies Removed, drops the connection from the set, and leaves the stream open", func() {
		ctx := bus.New()
		cr := newChangeRecorder()
		ctx.AddChangeListener(cr)

		c1, c2 := net.Pipe()
		defer c2.Close()
		conn := stream.New(c1, addrOf(1))
		ctx.AddConnection(conn)
		Eventually(cr.events).Should(Receive(Equal(bus.Added)))

		ctx.RemoveConnection(conn)
		Eventually(cr.events).Should(Receive(Equal(bus.Removed)))
		Expect(ctx.Connections()).To(BeEmpty())
		Expect(conn.IsClosed()).To(BeFalse(), "RemoveConnection must not close the stream")
	})
})

var _ = Describe("Context bind/unbind", func() {
	It("rejects a duplicate port with PortInUse", func() {
		ctx := bus.New()
		l1, l2 := newRecorder(), newRecorder()
		Expect(ctx.Bind(l1, 7)).NotTo(HaveOccurred())
		err := ctx.Bind(l2, 7)
		Expect(err).To(HaveOccurred())
	})

	It("delivers only to the bound listener and drops unbound ports", func() {
		ctx := bus.New()
		l := newRecorder()
		Expect(ctx.Bind(l, 9)).NotTo(HaveOccurred())

		d9, _ := dmp.New(9, []byte("hi"))
		d5, _ := dmp.New(5, []byte("bye"))
		ctx.Receive(nil, d9)
		ctx.Receive(nil, d5) // silently dropped: no binding

		Eventually(l.got).Should(Receive(Equal(d9)))
		Consistently(l.got).ShouldNot(Receive())
	})

	It("AllPorts unbinds every port held by a listener", func() {
		ctx := bus.New()
		l := newRecorder()
		Expect(ctx.Bind(l, 1)).NotTo(HaveOccurred())
		Expect(ctx.Bind(l, 2)).NotTo(HaveOccurred())
		ctx.Unbind(l, bus.AllPorts)

		other := newRecorder()
		Expect(ctx.Bind(other, 1)).NotTo(HaveOccurred())
		Expect(ctx.Bind(other, 2)).NotTo(HaveOccurred())
	})
})

var _ = Describe("Context send/receive", func() {
	It("delivers locally when the connection is the nil sentinel", func() {
		ctx := bus.New()
		l := newRecorder()
		Expect(ctx.Bind(l, 42)).NotTo(HaveOccurred())

		d, _ := dmp.New(42, []byte("local"))
		Expect(ctx.Send(nil, d)).NotTo(HaveOccurred())
		Eventually(l.got).Should(Receive(Equal(d)))
	})

	It("frames a send over the wire and the peer's receive worker delivers it", func() {
		ctxA, ctxB := bus.New(), bus.New()
		l := newRecorder()
		Expect(ctxB.Bind(l, 11)).NotTo(HaveOccurred())

		pa, pb := net.Pipe()
		connA := stream.New(pa, addrOf(1))
		connB := stream.New(pb, addrOf(2))
		ctxB.AddConnection(connB)

		d, _ := dmp.New(11, []byte("wire"))
		Expect(ctxA.Send(connA, d)).NotTo(HaveOccurred())

		Eventually(l.got).Should(Receive(Equal(d)))
	})
})

var _ = Describe("Context main address", func() {
	It("returns false when no address is set and no connection is active", func() {
		ctx := bus.New()
		_, ok := ctx.MainAddr()
		Expect(ok).To(BeFalse())
	})

	It("prefers an explicitly set main address", func() {
		ctx := bus.New()
		a := addrOf(9)
		ctx.SetMainAddr(a)
		got, ok := ctx.MainAddr()
		Expect(ok).To(BeTrue())
		Expect(got.Equal(a)).To(BeTrue())
	})

	It("falls back to the first active connection's local address", func() {
		ctx := bus.New()
		c1, _ := net.Pipe()
		local := addrOf(3)
		conn := stream.New(c1, local)
		ctx.AddConnection(conn)

		got, ok := ctx.MainAddr()
		Expect(ok).To(BeTrue())
		Expect(got.Equal(local)).To(BeTrue())
	})

	It("keeps returning the same first-registered connection's address across repeated calls", func() {
		ctx := bus.New()
		c1, _ := net.Pipe()
		c2, _ := net.Pipe()
		c3, _ := net.Pipe()
		first := addrOf(5)
		conn1 := stream.New(c1, first)
		conn2 := stream.New(c2, addrOf(6))
		conn3 := stream.New(c3, addrOf(7))
		ctx.AddConnection(conn1)
		ctx.AddConnection(conn2)
		ctx.AddConnection(conn3)

		for i := 0; i < 20; i++ {
			got, ok := ctx.MainAddr()
			Expect(ok).To(BeTrue())
			Expect(got.Equal(first)).To(BeTrue())
		}
	})

	It("falls back to the next-oldest connection once the first is removed", func() {
		ctx := bus.New()
		c1, _ := net.Pipe()
		c2, _ := net.Pipe()
		second := addrOf(11)
		conn1 := stream.New(c1, addrOf(10))
		conn2 := stream.New(c2, second)
		ctx.AddConnection(conn1)
		ctx.AddConnection(conn2)
		ctx.RemoveConnection(conn1)

		got, ok := ctx.MainAddr()
		Expect(ok).To(BeTrue())
		Expect(got.Equal(second)).To(BeTrue())
	})
})
