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

package emulator

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-rpmb/rpmb"
)

func programmed(t *testing.T, numBlocks int, key []byte) *Device {
	t.Helper()
	d := New(numBlocks)
	if err := rpmb.ProgramKey(d, key); err != nil {
		t.Fatalf("ProgramKey: %v", err)
	}
	return d
}

func writeFrame(key []byte, counter uint32, addr uint16, fill byte) *rpmb.DataFrame {
	req := &rpmb.DataFrame{
		WriteCounter: counter,
		Address:      addr,
		BlockCount:   1,
		ReqResp:      rpmb.AuthenticatedDataWrite,
	}
	for i := range req.Data {
		req.Data[i] = fill
	}
	rpmb.Sign(key, req)
	return req
}

func TestWriteResults(t *testing.T) {
	key := bytes.Repeat([]byte{9}, rpmb.KeyLength)

	for _, test := range []struct {
		name    string
		req     func() *rpmb.DataFrame
		want    uint16
		counter uint32
	}{
		{
			name:    "ok",
			req:     func() *rpmb.DataFrame { return writeFrame(key, 0, 1, 0xff) },
			want:    rpmb.OperationOK,
			counter: 1,
		}, {
			name:    "stale counter",
			req:     func() *rpmb.DataFrame { return writeFrame(key, 5, 1, 0xff) },
			want:    rpmb.CounterFailure,
			counter: 0,
		}, {
			name: "bad MAC",
			req: func() *rpmb.DataFrame {
				f := writeFrame(key, 0, 1, 0xff)
				f.Data[0] = 0
				return f
			},
			want:    rpmb.AuthenticationFailure,
			counter: 0,
		}, {
			name:    "address",
			req:     func() *rpmb.DataFrame { return writeFrame(key, 0, 8, 0xff) },
			want:    rpmb.AddressFailure,
			counter: 0,
		}, {
			name: "block count",
			req: func() *rpmb.DataFrame {
				f := writeFrame(key, 0, 1, 0xff)
				f.BlockCount = 2
				rpmb.Sign(key, f)
				return f
			},
			want:    rpmb.GeneralFailure,
			counter: 0,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := programmed(t, 8, key)

			res, err := d.Exchange([]*rpmb.DataFrame{test.req()}, 1)
			if err != nil {
				t.Fatalf("Exchange: %v", err)
			}

			r := res[0]
			if r.Result != test.want {
				t.Fatalf("Got result %#04x, want %#04x", r.Result, test.want)
			}
			if r.ReqResp != rpmb.AuthenticatedDataWrite.Response() {
				t.Fatalf("Got response type %v", r.ReqResp)
			}
			if r.WriteCounter != test.counter || d.WriteCounter() != test.counter {
				t.Fatalf("Got counter %d (device %d), want %d", r.WriteCounter, d.WriteCounter(), test.counter)
			}
			if !rpmb.Verify(key, res, r.KeyMAC[:]) {
				t.Fatal("Response is not authenticated")
			}
		})
	}
}

func TestReadAddressFailure(t *testing.T) {
	key := make([]byte, rpmb.KeyLength)
	d := programmed(t, 4, key)

	res, err := d.Exchange([]*rpmb.DataFrame{{ReqResp: rpmb.AuthenticatedDataRead, Address: 3}}, 2)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	if got := res[1].Result; got != rpmb.AddressFailure {
		t.Fatalf("Got result %#04x, want address failure", got)
	}
}

func TestExchangeErrors(t *testing.T) {
	d := New(4)

	if _, err := d.Exchange(nil, 1); err == nil {
		t.Fatal("Exchange succeeded without request")
	}

	if _, err := d.Exchange([]*rpmb.DataFrame{{ReqResp: rpmb.WriteCounterRead}}, 2); err == nil {
		t.Fatal("Exchange succeeded with wrong response count")
	}

	res, err := d.Exchange([]*rpmb.DataFrame{{ReqResp: rpmb.ResultRead}}, 1)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res[0].Result != rpmb.GeneralFailure {
		t.Fatalf("Got result %#04x, want general failure", res[0].Result)
	}
}

func TestSaveLoad(t *testing.T) {
	key := bytes.Repeat([]byte{1}, rpmb.KeyLength)
	d := programmed(t, 4, key)

	if _, err := d.Exchange([]*rpmb.DataFrame{writeFrame(key, 0, 2, 0x5a)}, 1); err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := d.Save(buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	l, err := Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !l.Programmed() || l.WriteCounter() != 1 {
		t.Fatalf("Got programmed %v counter %d, want true 1", l.Programmed(), l.WriteCounter())
	}

	if diff := cmp.Diff(d.Block(2), l.Block(2)); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	// the restored key still authenticates requests
	if _, err := rpmb.ReadBlocks(l, key, 2, 1, nil); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	if _, err := Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Fatal("Load succeeded on garbage")
	}
}
