// Command node is a thin binary wiring the bus context and its
// daemons (SFRP, ClockSync, the bundle agent) over a TCP stream
// transport, with a diagnostics sidecar.
//
// Grounded on cmd/aisfs's and cmd/cli's thin-binary-over-library
// pattern: the binary itself only parses flags and calls into the
// library packages, using the teacher's urfave/cli for flag/command
// handling.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/bundleagent"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/clocksync"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/diag"
	"github.com/robomesh/meshbus/hk"
	"github.com/robomesh/meshbus/sfrp"
	"github.com/robomesh/meshbus/stats"
	"github.com/robomesh/meshbus/stream"
	"github.com/robomesh/meshbus/stream/tcp"
)

const (
	defaultListen = ":4242"
	defaultDiag   = ":8080"
)

func main() {
	app := cli.NewApp()
	app.Name = "node"
	app.Usage = "run a meshbus node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: defaultListen, Usage: "TCP address to accept peer connections on"},
		cli.StringSliceFlag{Name: "peer", Usage: "TCP address of a peer to dial (repeatable)"},
		cli.StringFlag{Name: "diag-listen", Value: defaultDiag, Usage: "address the diagnostics server binds to"},
		cli.StringFlag{Name: "addr", Usage: "this node's interface address (random if unset)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		nlog.Errorf("node: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	local, err := localAddr(c.String("addr"))
	if err != nil {
		return err
	}
	nlog.Infof("node: local address %s", local)

	ctx := bus.New()
	ctx.SetMainAddr(local)

	routing := sfrp.New(ctx)
	clock := clocksync.New(ctx)
	agent := bundleagent.New(ctx, bundleagent.WithRoutingProvider(routing), bundleagent.WithClock(clock))
	routing.AddRouteListener(routeLogger{})

	metrics := stats.New("meshbus")
	diagSrv := diag.New(c.String("diag-listen"), ctx, metrics,
		diag.WithSFRP(routing), diag.WithClockSync(clock), diag.WithBundleAgent(agent))

	for _, d := range []interface{ Start() error }{routing, clock, agent} {
		if err := d.Start(); err != nil {
			return err
		}
	}
	if err := diagSrv.Start(); err != nil {
		return err
	}

	hk.DefaultHK.Reg("nlog-flush", func() { nlog.Flush() }, hk.DefaultInterval)
	hk.DefaultHK.Reg("stats-snapshot", func() { snapshotStats(metrics, routing, clock, agent) }, hk.DefaultInterval)
	go func() { _ = hk.DefaultHK.Run() }()

	ln, err := tcp.Listen(c.String("listen"))
	if err != nil {
		return err
	}
	nlog.Infof("node: listening on %s", ln.Addr())

	var eg errgroup.Group
	eg.Go(func() error { return acceptLoop(ln, ctx, local) })
	for _, p := range c.StringSlice("peer") {
		peer := p
		eg.Go(func() error { return dialPeer(peer, ctx, local) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	nlog.Infof("node: shutting down")

	agent.Stop()
	clock.Stop()
	routing.Stop()
	diagSrv.Stop()
	hk.DefaultHK.Stop()
	_ = ln.Close()
	nlog.Flush(true)

	return nil
}

func acceptLoop(ln *tcp.Listener, ctx *bus.Context, local addr.InterfaceAddress) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			conn := stream.New(raw, local)
			if err := conn.Handshake(); err != nil {
				nlog.Warningf("node: handshake with accepted peer failed: %v", err)
				_ = raw.Close()
				return
			}
			ctx.AddConnection(conn)
		}()
	}
}

func dialPeer(target string, ctx *bus.Context, local addr.InterfaceAddress) error {
	raw, err := tcp.Dial(target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	conn := stream.New(raw, local)
	if err := conn.Handshake(); err != nil {
		_ = raw.Close()
		return fmt.Errorf("handshake with %s: %w", target, err)
	}
	ctx.AddConnection(conn)
	return nil
}

func localAddr(flag string) (addr.InterfaceAddress, error) {
	if flag != "" {
		return addr.Parse(flag)
	}
	b := make([]byte, addr.Len)
	if _, err := rand.Read(b); err != nil {
		return addr.InterfaceAddress{}, err
	}
	return addr.FromBytes(b)
}

// snapshotStats pulls current daemon state into the gauges that have
// no natural event to push from, per hk's snapshot-on-interval idiom.
func snapshotStats(metrics *stats.Registry, routing *sfrp.Daemon, clock *clocksync.Daemon, agent *bundleagent.Agent) {
	metrics.RouteCount.Set(float64(routing.RouteCount()))
	metrics.ClockOffsetMs.Set(float64(clock.Offset()))
	metrics.BundleQueueLen.Set(float64(agent.QueueLen()))
}

type routeLogger struct{}

func (routeLogger) OnRouteChange(a addr.InterfaceAddress, kind sfrp.RouteKind) {
	switch kind {
	case sfrp.RouteAdded:
		nlog.Infof("node: route added to %s", a)
	case sfrp.RouteRemoved:
		nlog.Infof("node: route removed to %s", a)
	}
}
