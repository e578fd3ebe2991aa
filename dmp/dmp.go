// Package dmp implements the Datagram Multiplexing Protocol framing
// codec (§4.2, §6): a fixed 6-octet header (port, length, reserved
// checksum) followed by exactly length payload octets.
//
// Grounded on transport/pdu.go's fixed-header-then-payload framing
// pattern (read/validate header, then read exactly N more bytes).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package dmp

import (
	"encoding/binary"
	"io"

	"github.com/robomesh/meshbus/cmn/cos"
)

const (
	headerLen  = 6
	MaxPayload = 65535
)

// Datagram is an immutable (port, payload) pair. Port is always in
// 1..65535; payload is at most MaxPayload octets.
type Datagram struct {
	Port    uint16
	Payload []byte
}

// New validates port and payload length and returns a Datagram. The
// payload slice is not copied; callers must not mutate it afterwards.
func New(port uint16, payload []byte) (Datagram, error) {
	if port == 0 {
		return Datagram{}, &cos.ErrMalformedFrame{Reason: "port 0 is invalid"}
	}
	if len(payload) > MaxPayload {
		return Datagram{}, &cos.ErrMalformedFrame{Reason: "payload exceeds 65535 octets"}
	}
	return Datagram{Port: port, Payload: payload}, nil
}

// WriteTo emits the frame: port, length, a zero reserved-checksum
// field, then the payload — a single Write call per frame so
// concurrent senders on the same stream (serialized by the caller,
// see bus §5) never interleave header and payload.
func (d Datagram) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, headerLen+len(d.Payload))
	binary.BigEndian.PutUint16(buf[0:2], d.Port)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(d.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], 0) // reserved checksum, always 0
	copy(buf[headerLen:], d.Payload)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom blocks until a full frame is available. A short read on
// the header or the payload is reported as cos.ErrTruncated; any
// other I/O error is returned as-is (the caller treats it as a
// transport failure, not a malformed-frame one).
func ReadFrom(r io.Reader) (Datagram, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Datagram{}, cos.ErrTruncated
		}
		return Datagram{}, err
	}
	port := binary.BigEndian.Uint16(hdr[0:2])
	length := binary.BigEndian.Uint16(hdr[2:4])
	// hdr[4:6] reserved checksum: ignored on receipt, per §4.2.

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return Datagram{}, cos.ErrTruncated
			}
			return Datagram{}, err
		}
	}
	if port == 0 {
		return Datagram{}, &cos.ErrMalformedFrame{Reason: "port 0 is invalid"}
	}
	return Datagram{Port: port, Payload: payload}, nil
}
