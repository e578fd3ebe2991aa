// Package stream implements the Connection abstraction (§3, §6): a
// full-duplex byte stream plus local/remote InterfaceAddress and a
// 16-byte handshake, owned by the bus context for its lifetime.
//
// Grounded on transport/pdu.go (fixed-header read/write discipline)
// and transport/collect.go's per-stream correlation id
// (streamBase.lid), here generated with the teacher's other
// dependency, teris-io/shortid.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/teris-io/shortid"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/cmn/cos"
)

// RawStream is the external-collaborator contract (§6): whatever
// presents a full-duplex byte stream plus a close. Concrete transport
// adapters (Bluetooth RFCOMM, TCP — see the tcp subpackage for a
// minimal worked example) implement this; the core never depends on
// anything transport-specific beyond it.
type RawStream interface {
	io.Reader
	io.Writer
	Close() error
}

// Connection wraps a RawStream with the address handshake and
// connected/disconnected state the bus context manages. Closing is
// idempotent.
type Connection struct {
	id       string
	raw      RawStream
	local    addr.InterfaceAddress
	remote   addr.InterfaceAddress
	haveRem  bool
	wmu      sync.Mutex // serializes writes, per §5
	closed   atomic.Bool
	closeErr error
}

// idABC mirrors cmn/cos/uuid.go's uuidABC: a custom alphabet fed to
// shortid so connection ids stay short and URL/log-safe.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var sid = mustShortIDGenerator()

func mustShortIDGenerator() *shortid.Shortid {
	s, err := shortid.New(1, idABC, 1)
	if err != nil {
		panic(err)
	}
	return s
}

// New wraps raw with local as this node's identity on the link. The
// remote address, if any, is learned via Handshake.
func New(raw RawStream, local addr.InterfaceAddress) *Connection {
	id, _ := sid.Generate()
	return &Connection{id: id, raw: raw, local: local}
}

// ID is a short correlation id for log lines, not part of the wire
// protocol.
func (c *Connection) ID() string { return c.id }

// Handshake performs the 16-byte address exchange from §6: each side
// writes its own 16 octets, then reads 16 to learn the peer. Callers
// that cannot supply a local address may skip this (an adapter
// concern, §6) and call SetRemote directly out of band.
func (c *Connection) Handshake() error {
	var wg sync.WaitGroup
	var writeErr, readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, writeErr = c.raw.Write(c.local.Bytes())
	}()

	buf := make([]byte, addr.Len)
	_, readErr = io.ReadFull(c.raw, buf)
	wg.Wait()

	if writeErr != nil {
		return cos.NewErrTransport("handshake write", writeErr)
	}
	if readErr != nil {
		return cos.NewErrTransport("handshake read", readErr)
	}
	remote, err := addr.FromBytes(buf)
	if err != nil {
		return err
	}
	c.remote = remote
	c.haveRem = true
	return nil
}

// SetRemote records a remote address learned out of band (adapters
// that skip the handshake, per §6).
func (c *Connection) SetRemote(a addr.InterfaceAddress) {
	c.remote = a
	c.haveRem = true
}

func (c *Connection) LocalAddr() addr.InterfaceAddress { return c.local }

func (c *Connection) RemoteAddr() (addr.InterfaceAddress, bool) { return c.remote, c.haveRem }

// Read is used only by this connection's single receive worker (§5).
func (c *Connection) Read(p []byte) (int, error) { return c.raw.Read(p) }

// Write serializes writes per-connection (§5): a writer that hits an
// I/O error disconnects the connection and propagates the error.
func (c *Connection) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.raw.Write(p)
	if err != nil {
		c.disconnect(err)
		return n, cos.NewErrTransport("write", err)
	}
	return n, nil
}

func (c *Connection) disconnect(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.closeErr = err
	}
}

// Close marks the connection closed and closes the underlying stream.
// The bus context never calls it: removing a connection from the
// active set does not close the stream (§4.3), so closing is left to
// whoever owns the adapter.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return c.raw.Close()
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }
