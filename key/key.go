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

// Package key provides helpers to obtain RPMB authentication keys.
package key

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/transparency-dev/armored-witness-rpmb/rpmb"
)

// Iterations is the PBKDF2 iteration count used by Derive.
const Iterations = 4096

// Derive returns an RPMB authentication key bound to a device, from a
// secret (e.g. a hardware derived key) and the device unique ID.
func Derive(secret []byte, uid []byte) []byte {
	return pbkdf2.Key(secret, uid, Iterations, rpmb.KeyLength, sha256.New)
}

// Load reads an authentication key from a file which must hold exactly
// rpmb.KeyLength bytes.
func Load(path string) (k []byte, err error) {
	f, err := os.Open(path)

	if err != nil {
		return
	}
	defer f.Close()

	k = make([]byte, rpmb.KeyLength)

	if _, err = io.ReadFull(f, k); err != nil {
		return nil, fmt.Errorf("%w: %v", rpmb.ErrInvalidKey, err)
	}

	// anything past the key is an error
	if n, _ := f.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("%w: %s is longer than %d bytes", rpmb.ErrInvalidKey, path, rpmb.KeyLength)
	}

	return
}
