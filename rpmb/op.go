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
	"fmt"

	"k8s.io/klog/v2"
)

// Config holds optional request checks and hooks, the zero value performs
// the baseline protocol checks only.
type Config struct {
	// CheckResponse validates response message types and addresses, and
	// that each write response counter is a single increment of the request
	// counter (CVE-2020-13799).
	CheckResponse bool
	// RandomNonce sets a random nonce on read requests and requires it to
	// be echoed in the authenticated response.
	RandomNonce bool
	// WriteDummy writes DummyBlock on session open to invalidate
	// uncommitted writes (CVE-2020-13799).
	WriteDummy bool
	// DummyBlock is an unused half sector address.
	DummyBlock uint16
	// OnBlockWritten is called after each committed block write.
	OnBlockWritten func(addr uint16)
}

// ProgramKey programs the RPMB partition authentication key. The key is
// sent as the frame MAC, the request itself is not authenticated.
//
// *WARNING*: this is a one-time irreversible operation for the device
// behind t.
func ProgramKey(t Transport, key []byte) (err error) {
	defer func() { observe("program_key", err) }()

	if len(key) != KeyLength {
		return ErrInvalidKey
	}

	req := &DataFrame{
		ReqResp: AuthenticationKeyProgramming,
	}

	copy(req.KeyMAC[:], key)

	res, err := exchange(t, req, 1)

	if err != nil {
		return
	}

	if result := res[0].Result; result != OperationOK {
		return &OperationError{result}
	}

	klog.V(1).Info("RPMB authentication key programmed")

	return
}

// WriteBlocks performs authenticated writes of count half sectors starting
// at addr. Every block is written with its own request, signed with a
// freshly read write counter.
//
// Blocks are written in ascending address order, a failure leaves all
// preceding blocks committed.
func WriteBlocks(t Transport, c CounterSource, key []byte, addr uint16, count int, data []byte, cfg *Config) (err error) {
	defer func() { observe("write", err) }()

	if cfg == nil {
		cfg = &Config{}
	}

	if len(key) != KeyLength {
		return ErrInvalidKey
	}

	if count < 0 || count > MaxBlocks {
		return invalidArgf("invalid block count %d", count)
	}

	if len(data) != count*DataLength {
		return invalidArgf("data length %d does not match %d blocks", len(data), count)
	}

	if count > 0 && int(addr)+count-1 > MaxBlocks {
		return invalidArgf("%d blocks at %#04x exceed the address space", count, addr)
	}

	for i := 0; i < count; i++ {
		a := addr + uint16(i)

		if err = writeBlock(t, c, key, a, data[i*DataLength:(i+1)*DataLength], cfg.CheckResponse); err != nil {
			return fmt.Errorf("block %#04x: %w", a, err)
		}

		if cfg.OnBlockWritten != nil {
			cfg.OnBlockWritten(a)
		}
	}

	return
}

func writeBlock(t Transport, c CounterSource, key []byte, addr uint16, buf []byte, check bool) error {
	counter, err := c.ReadCounter()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrCounterUnavailable, err)
	}

	req := &DataFrame{
		WriteCounter: counter,
		Address:      addr,
		BlockCount:   1,
		ReqResp:      AuthenticatedDataWrite,
	}

	copy(req.Data[:], buf)
	Sign(key, req)

	klog.V(2).Infof("RPMB write %#04x (counter %d)", addr, counter)

	res, err := exchange(t, req, 1)

	// the device state is unknown after a failed write exchange
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceRejected, err)
	}

	r := res[0]

	if r.Result != OperationOK {
		return &OperationError{r.Result}
	}

	if !check {
		return nil
	}

	if r.ReqResp != req.ReqResp.Response() {
		return fmt.Errorf("%w: got %v", ErrResponseMismatch, r.ReqResp)
	}

	if r.WriteCounter != counter+1 {
		return fmt.Errorf("%w: write counter %d, want %d", ErrResponseMismatch, r.WriteCounter, counter+1)
	}

	return nil
}

// ReadBlocks performs an authenticated read of count half sectors starting
// at addr. The device authenticates the whole transfer with the MAC of its
// last response frame, no data is returned unless it verifies.
func ReadBlocks(t Transport, key []byte, addr uint16, count int, cfg *Config) (buf []byte, err error) {
	defer func() { observe("read", err) }()

	if cfg == nil {
		cfg = &Config{}
	}

	if len(key) != KeyLength {
		return nil, ErrInvalidKey
	}

	if count < 1 || count > MaxBlocks {
		return nil, invalidArgf("invalid block count %d", count)
	}

	if int(addr)+count-1 > MaxBlocks {
		return nil, invalidArgf("%d blocks at %#04x exceed the address space", count, addr)
	}

	// the block count of reads is set by CMD23, the frame field stays 0
	req := &DataFrame{
		Address: addr,
		ReqResp: AuthenticatedDataRead,
	}

	if cfg.RandomNonce {
		if _, err = rand.Read(req.Nonce[:]); err != nil {
			return nil, fmt.Errorf("could not generate nonce, %w", err)
		}
	}

	klog.V(2).Infof("RPMB read %#04x (%d blocks)", addr, count)

	res, err := exchange(t, req, count)

	if err != nil {
		return
	}

	// only the last frame result and MAC are authoritative
	last := res[len(res)-1]

	if last.Result != OperationOK {
		return nil, &OperationError{last.Result}
	}

	if !Verify(key, res, last.KeyMAC[:]) {
		return nil, ErrMACMismatch
	}

	if cfg.RandomNonce && last.Nonce != req.Nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrMACMismatch)
	}

	if cfg.CheckResponse {
		if last.ReqResp != req.ReqResp.Response() {
			return nil, fmt.Errorf("%w: got %v", ErrResponseMismatch, last.ReqResp)
		}

		if last.Address != addr {
			return nil, fmt.Errorf("%w: address %#04x, want %#04x", ErrResponseMismatch, last.Address, addr)
		}
	}

	buf = make([]byte, 0, count*DataLength)

	for _, d := range res {
		buf = append(buf, d.Data[:]...)
	}

	return
}
