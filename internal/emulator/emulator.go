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

// Package emulator provides an in-memory RPMB partition, following the
// JESD84-B51 request handling of an eMMC device.
package emulator

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rpmb/rpmb"
)

// Device is an emulated RPMB partition implementing rpmb.Transport and
// rpmb.CounterSource.
type Device struct {
	mu sync.Mutex

	key     *[rpmb.KeyLength]byte
	counter uint32
	mem     [][rpmb.DataLength]byte

	// OnResponse is called with the response frames before they are
	// returned, allowing tests to alter them.
	OnResponse func(req *rpmb.DataFrame, res []*rpmb.DataFrame)
	// OnBlockWritten is called just after a half sector has been committed.
	OnBlockWritten func(addr uint16, counter uint32)
	// Err, when set, is returned by every exchange and counter read.
	Err error
}

// New creates a new emulated RPMB partition of numBlocks half sectors, its
// authentication key is not programmed.
func New(numBlocks int) *Device {
	return &Device{
		mem: make([][rpmb.DataLength]byte, numBlocks),
	}
}

// Programmed reports whether the authentication key has been programmed.
func (d *Device) Programmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.key != nil
}

// WriteCounter returns the device write counter.
func (d *Device) WriteCounter() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counter
}

// SetWriteCounter overrides the device write counter.
func (d *Device) SetWriteCounter(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter = n
}

// Block returns a copy of the half sector at addr.
func (d *Device) Block(addr uint16) (b [rpmb.DataLength]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(addr) < len(d.mem) {
		b = d.mem[addr]
	}

	return
}

// ReadCounter returns the device write counter without authentication,
// failing when no key is programmed.
func (d *Device) ReadCounter() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return 0, d.Err
	}

	if d.key == nil {
		return 0, &rpmb.OperationError{Result: rpmb.AuthenticationKeyNotYetProgrammed}
	}

	return d.counter, nil
}

// Exchange executes a single request and returns the device responses.
func (d *Device) Exchange(req []*rpmb.DataFrame, responses int) (res []*rpmb.DataFrame, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}

	if len(req) == 0 {
		return nil, errors.New("no request frames")
	}

	r := req[0]

	switch r.ReqResp {
	case rpmb.AuthenticationKeyProgramming:
		res, err = d.programKey(r, responses)
	case rpmb.WriteCounterRead:
		res, err = d.readCounter(r, responses)
	case rpmb.AuthenticatedDataWrite:
		res, err = d.write(req, responses)
	case rpmb.AuthenticatedDataRead:
		res, err = d.read(r, responses)
	default:
		res, err = d.single(r, responses, rpmb.GeneralFailure)
	}

	if err != nil {
		return nil, err
	}

	if d.OnResponse != nil {
		d.OnResponse(r, res)
	}

	return
}

func (d *Device) single(req *rpmb.DataFrame, responses int, result uint16) ([]*rpmb.DataFrame, error) {
	if responses != 1 {
		return nil, fmt.Errorf("%v expects a single response, not %d", req.ReqResp, responses)
	}

	return []*rpmb.DataFrame{{
		Result:  result,
		ReqResp: req.ReqResp.Response(),
	}}, nil
}

func (d *Device) result(result uint16) uint16 {
	if d.counter == math.MaxUint32 {
		result |= rpmb.WriteCounterExpired
	}

	return result
}

func (d *Device) programKey(req *rpmb.DataFrame, responses int) ([]*rpmb.DataFrame, error) {
	if d.key != nil {
		klog.V(1).Info("emulator: authentication key already programmed")
		return d.single(req, responses, rpmb.GeneralFailure)
	}

	key := req.KeyMAC
	d.key = &key

	return d.single(req, responses, rpmb.OperationOK)
}

func (d *Device) readCounter(req *rpmb.DataFrame, responses int) ([]*rpmb.DataFrame, error) {
	res, err := d.single(req, responses, rpmb.OperationOK)

	if err != nil {
		return nil, err
	}

	r := res[0]

	if d.key == nil {
		r.Result = rpmb.AuthenticationKeyNotYetProgrammed
		return res, nil
	}

	r.Result = d.result(rpmb.OperationOK)
	r.WriteCounter = d.counter
	r.Nonce = req.Nonce
	rpmb.Sign(d.key[:], r)

	return res, nil
}

func (d *Device) write(req []*rpmb.DataFrame, responses int) ([]*rpmb.DataFrame, error) {
	r := req[0]

	res, err := d.single(r, responses, rpmb.OperationOK)

	if err != nil {
		return nil, err
	}

	w := res[0]
	w.Address = r.Address

	if d.key == nil {
		w.Result = rpmb.AuthenticationKeyNotYetProgrammed
		return res, nil
	}

	w.WriteCounter = d.counter

	defer rpmb.Sign(d.key[:], w)

	switch {
	case d.counter == math.MaxUint32:
		w.Result = d.result(rpmb.WriteFailure)
		return res, nil
	case int(r.BlockCount) != len(req) || r.BlockCount == 0:
		w.Result = d.result(rpmb.GeneralFailure)
		return res, nil
	case !rpmb.Verify(d.key[:], req, req[len(req)-1].KeyMAC[:]):
		w.Result = d.result(rpmb.AuthenticationFailure)
		return res, nil
	case r.WriteCounter != d.counter:
		klog.V(1).Infof("emulator: stale write counter %d, device at %d", r.WriteCounter, d.counter)
		w.Result = d.result(rpmb.CounterFailure)
		return res, nil
	case int(r.Address)+len(req) > len(d.mem):
		w.Result = d.result(rpmb.AddressFailure)
		return res, nil
	}

	for i, f := range req {
		addr := r.Address + uint16(i)
		d.mem[addr] = f.Data
	}

	d.counter++

	if d.OnBlockWritten != nil {
		for i := range req {
			d.OnBlockWritten(r.Address+uint16(i), d.counter)
		}
	}

	w.WriteCounter = d.counter
	w.Result = d.result(rpmb.OperationOK)

	return res, nil
}

func (d *Device) read(req *rpmb.DataFrame, responses int) ([]*rpmb.DataFrame, error) {
	if responses < 1 {
		return nil, fmt.Errorf("invalid read block count %d", responses)
	}

	res := make([]*rpmb.DataFrame, responses)

	for i := range res {
		res[i] = &rpmb.DataFrame{
			Nonce:   req.Nonce,
			Address: req.Address,
			ReqResp: req.ReqResp.Response(),
		}
	}

	last := res[len(res)-1]

	switch {
	case d.key == nil:
		last.Result = rpmb.AuthenticationKeyNotYetProgrammed
		return res, nil
	case int(req.Address)+responses > len(d.mem):
		last.Result = d.result(rpmb.AddressFailure)
	default:
		for i, f := range res {
			f.Data = d.mem[int(req.Address)+i]
		}

		last.Result = d.result(rpmb.OperationOK)
	}

	copy(last.KeyMAC[:], rpmb.ComputeMAC(d.key[:], res))

	return res, nil
}

type state struct {
	Key     []byte
	Counter uint32
	Blocks  [][rpmb.DataLength]byte
}

// Save serializes the device state to w.
func (d *Device) Save(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &state{
		Counter: d.counter,
		Blocks:  d.mem,
	}

	if d.key != nil {
		s.Key = d.key[:]
	}

	return gob.NewEncoder(w).Encode(s)
}

// Load restores a device state serialized with Save.
func Load(r io.Reader) (*Device, error) {
	s := &state{}

	if err := gob.NewDecoder(r).Decode(s); err != nil {
		return nil, fmt.Errorf("could not decode device state, %w", err)
	}

	d := &Device{
		counter: s.Counter,
		mem:     s.Blocks,
	}

	switch len(s.Key) {
	case 0:
	case rpmb.KeyLength:
		d.key = new([rpmb.KeyLength]byte)
		copy(d.key[:], s.Key)
	default:
		return nil, rpmb.ErrInvalidKey
	}

	return d, nil
}
