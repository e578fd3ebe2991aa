// Package naming implements the bundle agent's pluggable
// destination-to-host resolution (§4.7 step 4): parse a literal
// `[addr]` host part out of an endpoint's SSP, e.g. the standard
// `dtn://[<address>]/<path>` form (§8 scenario 6), where the SSP is
// `//[<address>]/<path>`. Hostname lookup is explicitly out of scope
// for the core.
//
// Grounded on spec text directly: no aistore analog resolves a
// similarly-shaped destination-to-host seam. golang.org/x/sync's
// singleflight collapses concurrent identical resolutions the way the
// teacher's other request-coalescing call sites do.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package naming

import (
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/robomesh/meshbus/addr"
	"github.com/robomesh/meshbus/cmn/cos"
)

// Resolver maps a bundle destination endpoint to a host address.
type Resolver interface {
	Resolve(endpoint string) (addr.InterfaceAddress, error)
}

// Literal resolves endpoints whose SSP wraps a literal interface
// address in brackets, e.g. "ipn:[fd00:0:0:0:0:0:0:1]" (the address
// must use the full eight-word form; "::" is rejected). Any other form fails
// resolution — the core implements no hostname lookup.
type Literal struct {
	g singleflight.Group
}

func NewLiteral() *Literal { return &Literal{} }

func (l *Literal) Resolve(endpoint string) (addr.InterfaceAddress, error) {
	v, err, _ := l.g.Do(endpoint, func() (interface{}, error) {
		return resolveLiteral(endpoint)
	})
	if err != nil {
		return addr.InterfaceAddress{}, err
	}
	return v.(addr.InterfaceAddress), nil
}

func resolveLiteral(endpoint string) (addr.InterfaceAddress, error) {
	ssp := endpoint
	if i := strings.IndexByte(endpoint, ':'); i >= 0 {
		ssp = endpoint[i+1:]
	}
	// The standard form is "//[<address>]/<path>" (§8 scenario 6), but
	// non-standard SSPs may wrap the literal directly; look for the
	// bracket pair anywhere rather than requiring it at offset 0.
	start := strings.IndexByte(ssp, '[')
	if start < 0 {
		return addr.InterfaceAddress{}, &cos.ErrResolutionFailed{Endpoint: endpoint}
	}
	end := strings.IndexByte(ssp[start:], ']')
	if end < 0 {
		return addr.InterfaceAddress{}, &cos.ErrResolutionFailed{Endpoint: endpoint}
	}
	end += start
	a, err := addr.Parse(ssp[start+1 : end])
	if err != nil {
		return addr.InterfaceAddress{}, &cos.ErrResolutionFailed{Endpoint: endpoint}
	}
	return a, nil
}
