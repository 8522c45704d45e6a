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

// Package rollback implements firmware rollback protection by storing
// version epochs in RPMB half sectors.
package rollback

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rpmb/rpmb"
)

// ErrRollback is returned when a version is older than the stored one.
var ErrRollback = errors.New("version mismatch")

// BlockDevice is an authenticated half sector store, such as an
// *rpmb.Session.
type BlockDevice interface {
	Read(addr uint16, count int) ([]byte, error)
	Write(addr uint16, count int, data []byte) error
}

// Store keeps version epochs in RPMB half sectors, one per address.
type Store struct {
	dev BlockDevice
}

// New returns a version store backed by dev.
func New(dev BlockDevice) *Store {
	return &Store{dev: dev}
}

func parseVersion(s string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(s, "v"))
}

// Expected returns the version epoch stored at addr, a never written area
// holds version 0.0.0.
func (s *Store) Expected(addr uint16) (*semver.Version, error) {
	buf, err := s.dev.Read(addr, 1)

	if err != nil {
		return nil, err
	}

	v := string(bytes.TrimRight(buf, "\x00"))

	if len(v) == 0 {
		return &semver.Version{}, nil
	}

	return parseVersion(v)
}

// Update writes a new version epoch at addr.
func (s *Store) Update(addr uint16, version semver.Version) error {
	v := version.String()

	if len(v) > rpmb.DataLength {
		return fmt.Errorf("version %q exceeds %d bytes", v, rpmb.DataLength)
	}

	buf := make([]byte, rpmb.DataLength)
	copy(buf, v)

	return s.dev.Write(addr, 1, buf)
}

// Check verifies version information against the version stored at addr.
//
// If the passed version is older than the stored one ErrRollback is
// returned, if it is more recent the stored version is updated with it.
func (s *Store) Check(addr uint16, version string) error {
	running, err := parseVersion(version)

	if err != nil {
		return err
	}

	expected, err := s.Expected(addr)

	if err != nil {
		return err
	}

	switch {
	case running.LessThan(*expected):
		return fmt.Errorf("%w: running %v, expected at least %v", ErrRollback, running, expected)
	case running.Equal(*expected):
		return nil
	}

	klog.V(1).Infof("updating version epoch at %#04x from %v to %v", addr, expected, running)

	return s.Update(addr, *running)
}
