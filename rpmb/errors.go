// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmb

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when a buffer cannot be decoded as a
	// data frame.
	ErrMalformedFrame = errors.New("malformed RPMB frame")
	// ErrInvalidArgument is returned for requests rejected before any
	// device access. It also matches ErrMalformedFrame.
	ErrInvalidArgument = errors.New("invalid RPMB request")
	// ErrInvalidKey is returned for authentication keys of the wrong size.
	ErrInvalidKey = errors.New("invalid MAC key size")
	// ErrCounterUnavailable is returned when the write counter could not be
	// fetched ahead of an authenticated write.
	ErrCounterUnavailable = errors.New("write counter unavailable")
	// ErrMACMismatch is returned when a response MAC does not match the one
	// computed over the received frames.
	ErrMACMismatch = errors.New("invalid response MAC")
	// ErrResponseMismatch is returned when response checking is enabled and
	// a response does not answer the request that was sent.
	ErrResponseMismatch = errors.New("unexpected RPMB response")
	// ErrDeviceRejected matches every OperationError and transport failures
	// of write exchanges.
	ErrDeviceRejected = errors.New("operation rejected by device")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("RPMB session closed")
)

// p100, Table 20 — RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

// WriteCounterExpired is set in a result code once the device write counter
// has reached its maximum value.
const WriteCounterExpired = 0x80

var resultNames = map[uint16]string{
	OperationOK:                       "operation OK",
	GeneralFailure:                    "general failure",
	AuthenticationFailure:             "authentication failure",
	CounterFailure:                    "counter failure",
	AddressFailure:                    "address failure",
	WriteFailure:                      "write failure",
	ReadFailure:                       "read failure",
	AuthenticationKeyNotYetProgrammed: "authentication key not yet programmed",
}

// OperationError reports a non-zero device result code.
type OperationError struct {
	Result uint16
}

// Code returns the result code without the counter expiry flag.
func (e *OperationError) Code() uint16 {
	return e.Result &^ WriteCounterExpired
}

// CounterExpired reports whether the device flagged its write counter as
// expired.
func (e *OperationError) CounterExpired() bool {
	return e.Result&WriteCounterExpired != 0
}

func (e *OperationError) Error() string {
	name, ok := resultNames[e.Code()]

	if !ok {
		name = "unknown result"
	}

	if e.CounterExpired() {
		name += ", write counter expired"
	}

	return fmt.Sprintf("operation failed (%#04x, %s)", e.Result, name)
}

func (e *OperationError) Is(target error) bool {
	return target == ErrDeviceRejected
}

// TransportError wraps failures of the underlying block transport.
type TransportError struct {
	Op  MessageType
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %v: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type invalidArgument string

func (e invalidArgument) Error() string {
	return string(e)
}

func (e invalidArgument) Is(target error) bool {
	return target == ErrInvalidArgument || target == ErrMalformedFrame
}

func invalidArgf(format string, a ...any) error {
	return invalidArgument(fmt.Sprintf(format, a...))
}
