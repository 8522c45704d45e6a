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
	"crypto/rand"
	"errors"
	"fmt"
)

// Transport executes a single RPMB request/response exchange with a device.
//
// Implementations send the request frames (with the reliable write flag
// for write requests), issue any result read the device requires and
// return exactly the requested number of response frames.
type Transport interface {
	Exchange(req []*DataFrame, responses int) ([]*DataFrame, error)
}

// CounterSource returns the current device write counter.
type CounterSource interface {
	ReadCounter() (uint32, error)
}

// FrameCounter is a CounterSource issuing write counter read requests over
// a Transport.
type FrameCounter struct {
	Transport Transport
	// Key is required when Authenticated is set.
	Key []byte
	// Authenticated sets a random request nonce and validates the response
	// MAC and nonce.
	Authenticated bool
}

// ReadCounter returns the device write counter.
func (c *FrameCounter) ReadCounter() (n uint32, err error) {
	if c.Transport == nil {
		return 0, errors.New("no RPMB transport set")
	}

	req := &DataFrame{
		ReqResp: WriteCounterRead,
	}

	if c.Authenticated {
		if len(c.Key) != KeyLength {
			return 0, ErrInvalidKey
		}

		if _, err = rand.Read(req.Nonce[:]); err != nil {
			return 0, fmt.Errorf("could not generate nonce, %w", err)
		}
	}

	res, err := exchange(c.Transport, req, 1)

	if err != nil {
		return
	}

	last := res[0]

	// an unauthenticated failure is still a failure, an expired counter
	// is still returned
	if last.Result&^WriteCounterExpired != OperationOK {
		return 0, &OperationError{last.Result}
	}

	if c.Authenticated {
		if !Verify(c.Key, res, last.KeyMAC[:]) {
			return 0, ErrMACMismatch
		}

		if last.Nonce != req.Nonce {
			return 0, fmt.Errorf("%w: nonce mismatch", ErrMACMismatch)
		}
	}

	return last.WriteCounter, nil
}

func exchange(t Transport, req *DataFrame, responses int) (res []*DataFrame, err error) {
	if res, err = t.Exchange([]*DataFrame{req}, responses); err != nil {
		return nil, &TransportError{Op: req.ReqResp, Err: err}
	}

	if len(res) != responses {
		return nil, &TransportError{
			Op:  req.ReqResp,
			Err: fmt.Errorf("short transfer, got %d frames, want %d", len(res), responses),
		}
	}

	for _, d := range res {
		if d == nil {
			return nil, &TransportError{Op: req.ReqResp, Err: fmt.Errorf("nil response frame")}
		}
	}

	return
}
