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
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
)

func TestSign(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, KeyLength)
	d := testFrame()

	mac := hmac.New(sha256.New, key)
	mac.Write(d.Bytes()[228:])
	want := mac.Sum(nil)

	got := Sign(key, d)

	if !bytes.Equal(got[:], want) {
		t.Fatalf("Got MAC %x, want %x", got, want)
	}

	if !bytes.Equal(d.KeyMAC[:], want) {
		t.Fatalf("Frame MAC %x, want %x", d.KeyMAC, want)
	}
}

func TestVerify(t *testing.T) {
	key := make([]byte, KeyLength)
	frames := []*DataFrame{testFrame(), {Address: 7}, {Result: 1}}

	mac := hmac.New(sha256.New, key)
	for _, d := range frames {
		mac.Write(d.Bytes()[228:])
	}
	tag := mac.Sum(nil)

	if !Verify(key, frames, tag) {
		t.Fatal("Verify failed on valid tag")
	}

	if Verify(key, frames[:2], tag) {
		t.Fatal("Verify succeeded on truncated sequence")
	}

	if Verify(key, []*DataFrame{frames[1], frames[0], frames[2]}, tag) {
		t.Fatal("Verify succeeded on reordered sequence")
	}

	otherKey := bytes.Repeat([]byte{1}, KeyLength)
	if Verify(otherKey, frames, tag) {
		t.Fatal("Verify succeeded with wrong key")
	}

	for i := range tag {
		bad := bytes.Clone(tag)
		bad[i] ^= 0x01
		if Verify(key, frames, bad) {
			t.Fatalf("Verify succeeded with tag corrupted at %d", i)
		}
	}
}
