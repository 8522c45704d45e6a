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
	"crypto/hmac"
	"crypto/sha256"
)

// Sign computes the HMAC-SHA-256 of the frame trailer, stores it in the
// frame KeyMAC field and returns it.
func Sign(key []byte, d *DataFrame) [KeyLength]byte {
	copy(d.KeyMAC[:], ComputeMAC(key, []*DataFrame{d}))
	return d.KeyMAC
}

// ComputeMAC computes the HMAC-SHA-256 over the trailers of all frames, in
// order.
func ComputeMAC(key []byte, frames []*DataFrame) []byte {
	mac := hmac.New(sha256.New, key)

	for _, d := range frames {
		mac.Write(d.Trailer())
	}

	return mac.Sum(nil)
}

// Verify reports whether tag authenticates the ordered sequence of frames.
func Verify(key []byte, frames []*DataFrame, tag []byte) bool {
	return hmac.Equal(ComputeMAC(key, frames), tag)
}
