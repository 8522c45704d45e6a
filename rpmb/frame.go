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
	"encoding/binary"
	"fmt"
)

const (
	// FrameLength is the size in bytes of a single RPMB data frame.
	FrameLength = 512
	// DataLength is the size of the frame payload, one half sector.
	DataLength = 256
	// KeyLength is the size of the authentication key and of the MAC.
	KeyLength = 32
	// MaxBlocks is the largest block count a single request can address.
	MaxBlocks = 0xffff

	// offset of the Data field, the MAC covers everything from here on
	trailerOffset = 196 + KeyLength
)

// MessageType is the req_resp field of a data frame.
type MessageType uint16

// p99, Table 18 — RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming MessageType = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

const responseFlag MessageType = 0x0100

// Response returns the message type a device uses to answer t.
func (t MessageType) Response() MessageType {
	return t | responseFlag
}

// IsResponse reports whether t carries the response flag.
func (t MessageType) IsResponse() bool {
	return t&responseFlag != 0
}

func (t MessageType) String() string {
	var name string

	switch t &^ responseFlag {
	case AuthenticationKeyProgramming:
		name = "key programming"
	case WriteCounterRead:
		name = "write counter read"
	case AuthenticatedDataWrite:
		name = "authenticated data write"
	case AuthenticatedDataRead:
		name = "authenticated data read"
	case ResultRead:
		name = "result read"
	case AuthenticatedDeviceConfigurationWrite:
		name = "authenticated device configuration write"
	case AuthenticatedDeviceConfigurationRead:
		name = "authenticated device configuration read"
	default:
		return fmt.Sprintf("unknown (%#04x)", uint16(t))
	}

	if t.IsResponse() {
		return name + " response"
	}

	return name
}

// p98, Table 17 — Data Frame Files for RPMB, JESD84-B51
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [KeyLength]byte
	Data         [DataLength]byte
	Nonce        [16]byte
	WriteCounter uint32
	Address      uint16
	BlockCount   uint16
	Result       uint16
	ReqResp      MessageType
}

// Bytes converts the data frame structure to its big-endian wire format.
func (d *DataFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(FrameLength)
	// writes to a bytes.Buffer of a fixed size struct cannot fail
	_ = binary.Write(buf, binary.BigEndian, d)
	return buf.Bytes()
}

// Trailer returns the wire bytes covered by the frame MAC, from the Data
// field to the end of the frame.
func (d *DataFrame) Trailer() []byte {
	return d.Bytes()[trailerOffset:]
}

// Decode parses the first FrameLength bytes of buf into a data frame.
func Decode(buf []byte) (*DataFrame, error) {
	if len(buf) < FrameLength {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedFrame, len(buf), FrameLength)
	}

	d := &DataFrame{}

	if err := binary.Read(bytes.NewReader(buf[:FrameLength]), binary.BigEndian, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return d, nil
}

// DecodeFrames parses a buffer holding one or more consecutive frames.
func DecodeFrames(buf []byte) (frames []*DataFrame, err error) {
	if len(buf) == 0 || len(buf)%FrameLength != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedFrame, len(buf), FrameLength)
	}

	for off := 0; off < len(buf); off += FrameLength {
		d, err := Decode(buf[off : off+FrameLength])

		if err != nil {
			return nil, err
		}

		frames = append(frames, d)
	}

	return
}
