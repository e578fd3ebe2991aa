// Package sdnv implements the Self-Delimiting Numeric Value codec
// (§4.4): a big-endian base-128 encoding, at most nine octets, each
// octet's high bit the continuation flag, the low seven bits payload.
//
// Grounded on dmp's fixed-header-then-payload discipline applied to a
// variable-length field: sdnv.Decode consumes exactly as many octets
// as the continuation bits demand and reports the count consumed, the
// same "read until the frame says stop" shape as dmp.ReadFrom.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package sdnv

import "github.com/robomesh/meshbus/cmn/cos"

// MaxLen is the longest an SDNV may be: 9 septets carry 63 bits,
// exactly the non-negative int64 range.
const MaxLen = 9

// Encode returns the minimal big-endian base-128 encoding of v.
// Encode fails with ErrNegativeValue if v is negative: per §4.4, the
// wire format has no representation for a negative SDNV.
func Encode(v int64) ([]byte, error) {
	if v < 0 {
		return nil, &cos.ErrNegativeValue{Value: v}
	}
	if v == 0 {
		return []byte{0x00}, nil
	}
	u := uint64(v)
	var septets []byte
	for u > 0 {
		septets = append(septets, byte(u&0x7f))
		u >>= 7
	}
	// septets were pushed least-significant-first; emit most-
	// significant-first with continuation bits set on every octet but
	// the last.
	out := make([]byte, len(septets))
	for i, s := range septets {
		out[len(septets)-1-i] = s
	}
	for i := 0; i < len(out)-1; i++ {
		out[i] |= 0x80
	}
	return out, nil
}

// Decode reads one SDNV from b, returning the value and the number of
// octets consumed. It fails with a MalformedFrame (Overflow) if a
// tenth continuation octet is encountered, or if b ends before the
// continuation bit clears (truncated).
func Decode(b []byte) (v int64, n int, err error) {
	var u uint64
	for n = 0; n < len(b); n++ {
		if n == MaxLen {
			return 0, 0, &cos.ErrMalformedFrame{Reason: "sdnv overflow"}
		}
		octet := b[n]
		u = (u << 7) | uint64(octet&0x7f)
		if octet&0x80 == 0 {
			return int64(u), n + 1, nil
		}
	}
	return 0, 0, cos.ErrTruncated
}
