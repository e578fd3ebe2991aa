// Package addr implements InterfaceAddress (§3, §4.1): the 128-bit
// host identifier used throughout meshbus, rendered like an IPv6
// address but not routable IPv6 traffic.
//
// Grounded on cmn/cos/uuid.go's "derive an identifier from a seeded
// hash plus an input" shape (there: a shortid seeded by a caller
// supplied uint64; here: an RFC 4193 address seeded by a random
// 64-bit value and a hardware MAC).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package addr

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // RFC 4193 mandates SHA-1 for the local-ID digest
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/robomesh/meshbus/cmn/cos"
)

// Len is the fixed length of every InterfaceAddress: the invariant
// holds for every value constructed through this package.
const Len = 16

// InterfaceAddress is an immutable 128-bit host identifier.
type InterfaceAddress struct {
	b [Len]byte
}

// Zero is the all-zero address; useful as a "no address yet" sentinel.
var Zero InterfaceAddress

// FromBytes copies b (which must be exactly Len octets) into a new
// InterfaceAddress.
func FromBytes(b []byte) (InterfaceAddress, error) {
	var a InterfaceAddress
	if len(b) != Len {
		return a, &cos.ErrMalformedAddress{Reason: fmt.Sprintf("want %d octets, got %d", Len, len(b))}
	}
	copy(a.b[:], b)
	return a, nil
}

// Parse decodes the colon-separated eight-hex-word form (§4.1): no
// "::" zero-compression is accepted, each word is 1-4 hex nibbles.
func Parse(s string) (InterfaceAddress, error) {
	var a InterfaceAddress
	words := strings.Split(s, ":")
	if len(words) != 8 {
		return a, &cos.ErrMalformedAddress{Reason: fmt.Sprintf("want 8 colon-separated words, got %d", len(words))}
	}
	for i, w := range words {
		if len(w) == 0 || len(w) > 4 {
			return a, &cos.ErrMalformedAddress{Reason: "word " + strconv.Itoa(i) + " has bad length"}
		}
		v, err := strconv.ParseUint(w, 16, 16)
		if err != nil {
			return a, &cos.ErrMalformedAddress{Reason: "word " + strconv.Itoa(i) + " is not valid hex: " + err.Error()}
		}
		binary.BigEndian.PutUint16(a.b[i*2:i*2+2], uint16(v))
	}
	return a, nil
}

// FromMAC derives a unique-local unicast address from a 48- or 64-bit
// hardware MAC per RFC 4193: 0xfd, then 5 octets from a SHA-1 digest
// over a random 64-bit seed and the modified-EUI-64 expansion of mac,
// then two zero octets, then the modified-EUI-64 itself.
func FromMAC(mac []byte) (InterfaceAddress, error) {
	seed := make([]byte, 8)
	if _, err := rand.Read(seed); err != nil {
		return InterfaceAddress{}, err
	}
	return fromMACWithSeed(mac, seed)
}

func fromMACWithSeed(mac, seed []byte) (InterfaceAddress, error) {
	var a InterfaceAddress
	eui, err := modifiedEUI64(mac)
	if err != nil {
		return a, err
	}
	h := sha1.New() //nolint:gosec
	h.Write(seed)
	h.Write(eui[:])
	digest := h.Sum(nil)

	a.b[0] = 0xfd
	copy(a.b[1:6], digest[:5])
	a.b[6] = 0
	a.b[7] = 0
	copy(a.b[8:16], eui[:])
	return a, nil
}

// modifiedEUI64 expands a 48-bit (6-octet) MAC into the 64-bit
// modified-EUI-64 form (insert ff:fe, flip the universal/local bit);
// a 64-bit (8-octet) input keeps its octets and only has the
// universal/local bit flipped.
func modifiedEUI64(mac []byte) (eui [8]byte, err error) {
	switch len(mac) {
	case 6:
		copy(eui[0:3], mac[0:3])
		eui[3], eui[4] = 0xff, 0xfe
		copy(eui[5:8], mac[3:6])
		eui[0] ^= 0x02
	case 8:
		copy(eui[:], mac)
		eui[0] ^= 0x02
	default:
		err = &cos.ErrMalformedAddress{Reason: fmt.Sprintf("MAC must be 6 or 8 octets, got %d", len(mac))}
	}
	return
}

// Bytes returns a copy of the address's 16 octets.
func (a InterfaceAddress) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, a.b[:])
	return b
}

func (a InterfaceAddress) Equal(o InterfaceAddress) bool { return a.b == o.b }

func (a InterfaceAddress) IsZero() bool { return a.b == Zero.b }

// Hash returns a 64-bit hash suitable for map keys that need a
// pre-hashed form (most code should just use InterfaceAddress itself
// as a map key, which the [16]byte backing array already supports
// byte-wise via ==).
func (a InterfaceAddress) Hash() uint64 { return xxhash.Checksum64(a.b[:]) }

// String renders eight colon-separated lowercase hex words, each
// emitted with the minimum number of nibbles (zero renders as "0"),
// without "::" compression.
func (a InterfaceAddress) String() string {
	var sb strings.Builder
	sb.Grow(8*5 - 1)
	for i := 0; i < 8; i++ {
		if i > 0 {
			sb.WriteByte(':')
		}
		word := binary.BigEndian.Uint16(a.b[i*2 : i*2+2])
		sb.WriteString(strconv.FormatUint(uint64(word), 16))
	}
	return sb.String()
}
