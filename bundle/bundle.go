// Package bundle implements the RFC 5050-style bundle data model and
// wire codec (§4.4): a primary block carrying four dictionary-encoded
// endpoints plus a single payload block.
//
// Grounded on core/lif.go's LIF/LOM split — a small, comparable
// identity key (BundleID) alongside the full record — applied here to
// distinguish "is this the same bundle" (identity: source + creation
// timestamp + sequence, per RFC 5050 bundle identity) from "is this
// byte-for-byte the same record" (full equality, including payload).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package bundle

import (
	"strings"

	"github.com/robomesh/meshbus/cmn/cos"
	"github.com/robomesh/meshbus/sdnv"
)

const (
	version = 0x06

	payloadBlockType  = 0x01
	payloadBlockFlags = 0x08 // "last block" only
)

// Endpoint is a scheme:ssp pair, e.g. "dtn:none" or "ipn:[fd00::1]".
type Endpoint struct {
	Scheme string
	SSP    string
}

func ParseEndpoint(s string) Endpoint {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return Endpoint{Scheme: s[:i], SSP: s[i+1:]}
	}
	return Endpoint{Scheme: s}
}

func (e Endpoint) String() string { return e.Scheme + ":" + e.SSP }

// BundleID is the RFC 5050 bundle identity: source endpoint, creation
// timestamp and sequence number. Two records with the same ID are the
// same bundle even if they differ elsewhere (e.g. a resent copy whose
// lifetime field was locally clamped).
type BundleID struct {
	Source            string
	CreationTimestamp int64
	CreationSeq       int64
}

// Bundle is the in-memory bundle record.
type Bundle struct {
	PrimaryFlags      int64
	Source            Endpoint
	Destination       Endpoint
	ReportTo          Endpoint
	Custodian         Endpoint
	CreationTimestamp int64
	CreationSeq       int64
	Lifetime          int64
	Payload           []byte
}

// ID returns the bundle's identity key.
func (b Bundle) ID() BundleID {
	return BundleID{
		Source:            b.Source.String(),
		CreationTimestamp: b.CreationTimestamp,
		CreationSeq:       b.CreationSeq,
	}
}

// Equal is full structural equality, not just identity.
func (b Bundle) Equal(o Bundle) bool {
	return b.ID() == o.ID() &&
		b.PrimaryFlags == o.PrimaryFlags &&
		b.Destination == o.Destination &&
		b.ReportTo == o.ReportTo &&
		b.Custodian == o.Custodian &&
		b.Lifetime == o.Lifetime &&
		string(b.Payload) == string(o.Payload)
}

// sanitizeASCII replaces any character above 127 with '?', per §4.4:
// the dictionary carries 7-bit ASCII only. A multi-byte UTF-8 character
// becomes a single '?'; each byte that is not valid UTF-8 becomes one.
func sanitizeASCII(s string) string {
	b := make([]byte, 0, len(s))
	changed := false
	for _, r := range s {
		if r > 127 {
			b = append(b, '?')
			changed = true
		} else {
			b = append(b, byte(r))
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

// appendSDNV encodes v and appends it to dst, or returns the
// ErrNegativeValue from a negative field (§4.4).
func appendSDNV(dst []byte, v int64) ([]byte, error) {
	enc, err := sdnv.Encode(v)
	if err != nil {
		return dst, err
	}
	return append(dst, enc...), nil
}

// Encode serializes b as the §4.4 wire format. It fails only if one of
// b's SDNV-encoded fields (CreationTimestamp, CreationSeq, Lifetime,
// PrimaryFlags) is negative.
func Encode(b Bundle) ([]byte, error) {
	eps := [4]Endpoint{b.Source, b.Destination, b.ReportTo, b.Custodian}

	var dict []byte
	schemeOff := [4]int64{}
	sspOff := [4]int64{}
	for i, ep := range eps {
		schemeOff[i] = int64(len(dict))
		dict = append(dict, sanitizeASCII(ep.Scheme)...)
		dict = append(dict, 0)
	}
	for i, ep := range eps {
		sspOff[i] = int64(len(dict))
		dict = append(dict, sanitizeASCII(ep.SSP)...)
		dict = append(dict, 0)
	}

	var remainder []byte
	var err error
	for _, off := range schemeOff {
		if remainder, err = appendSDNV(remainder, off); err != nil {
			return nil, err
		}
	}
	for _, off := range sspOff {
		if remainder, err = appendSDNV(remainder, off); err != nil {
			return nil, err
		}
	}
	for _, v := range []int64{b.CreationTimestamp, b.CreationSeq, b.Lifetime, int64(len(dict))} {
		if remainder, err = appendSDNV(remainder, v); err != nil {
			return nil, err
		}
	}
	remainder = append(remainder, dict...)

	out := make([]byte, 0, 1+9+9+len(remainder)+1+1+9+len(b.Payload))
	out = append(out, version)
	if out, err = appendSDNV(out, b.PrimaryFlags); err != nil {
		return nil, err
	}
	if out, err = appendSDNV(out, int64(len(remainder))); err != nil {
		return nil, err
	}
	out = append(out, remainder...)
	out = append(out, payloadBlockType)
	if out, err = appendSDNV(out, payloadBlockFlags); err != nil {
		return nil, err
	}
	if out, err = appendSDNV(out, int64(len(b.Payload))); err != nil {
		return nil, err
	}
	out = append(out, b.Payload...)
	return out, nil
}

// Decode parses the §4.4 wire format.
func Decode(data []byte) (Bundle, error) {
	if len(data) < 1 {
		return Bundle{}, cos.ErrTruncated
	}
	if data[0] != version {
		return Bundle{}, &cos.ErrMalformedFrame{Reason: "bad bundle version"}
	}
	cur := data[1:]

	primaryFlags, n, err := sdnv.Decode(cur)
	if err != nil {
		return Bundle{}, err
	}
	cur = cur[n:]

	primaryLen, n, err := sdnv.Decode(cur)
	if err != nil {
		return Bundle{}, err
	}
	cur = cur[n:]

	if int64(len(cur)) < primaryLen {
		return Bundle{}, cos.ErrTruncated
	}
	remainder := cur[:primaryLen]
	cur = cur[primaryLen:]

	var schemeOff, sspOff [4]int64
	for i := range schemeOff {
		v, n, err := sdnv.Decode(remainder)
		if err != nil {
			return Bundle{}, err
		}
		schemeOff[i] = v
		remainder = remainder[n:]
	}
	for i := range sspOff {
		v, n, err := sdnv.Decode(remainder)
		if err != nil {
			return Bundle{}, err
		}
		sspOff[i] = v
		remainder = remainder[n:]
	}

	creationTS, n, err := sdnv.Decode(remainder)
	if err != nil {
		return Bundle{}, err
	}
	remainder = remainder[n:]

	creationSeq, n, err := sdnv.Decode(remainder)
	if err != nil {
		return Bundle{}, err
	}
	remainder = remainder[n:]

	lifetime, n, err := sdnv.Decode(remainder)
	if err != nil {
		return Bundle{}, err
	}
	remainder = remainder[n:]

	dictLen, n, err := sdnv.Decode(remainder)
	if err != nil {
		return Bundle{}, err
	}
	remainder = remainder[n:]

	if int64(len(remainder)) < dictLen {
		return Bundle{}, cos.ErrTruncated
	}
	dict := remainder[:dictLen]

	readWord := func(off int64) (string, error) {
		if off < 0 || off >= int64(len(dict)) {
			return "", &cos.ErrMalformedFrame{Reason: "dictionary offset out of range"}
		}
		end := off
		for end < int64(len(dict)) && dict[end] != 0 {
			end++
		}
		if end == int64(len(dict)) {
			return "", &cos.ErrMalformedFrame{Reason: "dictionary word missing NUL terminator"}
		}
		return sanitizeASCII(string(dict[off:end])), nil
	}

	var eps [4]Endpoint
	for i := range eps {
		scheme, err := readWord(schemeOff[i])
		if err != nil {
			return Bundle{}, err
		}
		ssp, err := readWord(sspOff[i])
		if err != nil {
			return Bundle{}, err
		}
		eps[i] = Endpoint{Scheme: scheme, SSP: ssp}
	}

	if len(cur) < 1 {
		return Bundle{}, cos.ErrTruncated
	}
	if cur[0] != payloadBlockType {
		return Bundle{}, &cos.ErrMalformedFrame{Reason: "bad block type"}
	}
	cur = cur[1:]

	payloadFlags, n, err := sdnv.Decode(cur)
	if err != nil {
		return Bundle{}, err
	}
	cur = cur[n:]
	if payloadFlags != payloadBlockFlags {
		return Bundle{}, &cos.ErrMalformedFrame{Reason: "bad block flags"}
	}

	payloadLen, n, err := sdnv.Decode(cur)
	if err != nil {
		return Bundle{}, err
	}
	cur = cur[n:]

	if int64(len(cur)) < payloadLen {
		return Bundle{}, cos.ErrTruncated
	}
	payload := make([]byte, payloadLen)
	copy(payload, cur[:payloadLen])

	return Bundle{
		PrimaryFlags:      primaryFlags,
		Source:            eps[0],
		Destination:       eps[1],
		ReportTo:          eps[2],
		Custodian:         eps[3],
		CreationTimestamp: creationTS,
		CreationSeq:       creationSeq,
		Lifetime:          lifetime,
		Payload:           payload,
	}, nil
}
