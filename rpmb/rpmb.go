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

// Package rpmb implements the Replay Protected Memory Block (RPMB)
// authenticated storage protocol of eMMC devices.
//
// The device is reached through an injected Transport, which executes raw
// request/response frame exchanges, and a CounterSource returning the
// device write counter. All writes are split in single half sector
// requests, each signed against a freshly read write counter, while reads
// are performed in a single transfer authenticated by the device with one
// MAC over all response frames.
//
// The API supports mitigations for CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"errors"
	"io"
	"sync"
)

// Session binds a device transport to an authentication key.
//
// All session operations are serialized, writes to a single device must
// all go through the same session as concurrent writers would race on the
// write counter.
type Session struct {
	sync.Mutex

	transport Transport
	counter   CounterSource
	key       [KeyLength]byte
	cfg       Config
	closed    bool
}

// Open returns a new RPMB session for a device transport and MAC key. When
// c is nil the write counter is read over t with authenticated requests.
//
// If cfg.WriteDummy is set the dummy block is written before returning, the
// device key must therefore be already programmed.
func Open(t Transport, c CounterSource, key []byte, cfg *Config) (s *Session, err error) {
	if t == nil {
		return nil, errors.New("no RPMB transport set")
	}

	if len(key) != KeyLength {
		return nil, ErrInvalidKey
	}

	s = &Session{
		transport: t,
		counter:   c,
	}

	copy(s.key[:], key)

	if cfg != nil {
		s.cfg = *cfg
	}

	if s.counter == nil {
		s.counter = &FrameCounter{
			Transport:     t,
			Key:           s.key[:],
			Authenticated: true,
		}
	}

	// invalidate uncommitted writes (CVE-2020-13799)
	if s.cfg.WriteDummy {
		if err = s.Write(s.cfg.DummyBlock, 1, make([]byte, DataLength)); err != nil {
			return nil, err
		}
	}

	return
}

// ProgramKey programs the session key as the device authentication key.
//
// *WARNING*: this is a one-time irreversible operation for the device.
func (s *Session) ProgramKey() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	return ProgramKey(s.transport, s.key[:])
}

// Counter returns the device write counter.
func (s *Session) Counter() (n uint32, err error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	defer func() { observe("counter", err) }()

	return s.counter.ReadCounter()
}

// Write performs authenticated writes of count half sectors starting at
// addr, data must be exactly count*DataLength bytes long.
func (s *Session) Write(addr uint16, count int, data []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	return WriteBlocks(s.transport, s.counter, s.key[:], addr, count, data, &s.cfg)
}

// Read performs an authenticated read of count half sectors starting at
// addr.
func (s *Session) Read(addr uint16, count int) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	return ReadBlocks(s.transport, s.key[:], addr, count, &s.cfg)
}

// Close releases the transport, when it implements io.Closer, and clears
// the session key. No device side state is changed.
func (s *Session) Close() (err error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.key = [KeyLength]byte{}

	if c, ok := s.transport.(io.Closer); ok {
		err = c.Close()
	}

	return
}
