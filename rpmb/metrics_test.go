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
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// replayTransport answers every request with copies of a fixed frame.
type replayTransport struct {
	res   DataFrame
	err   error
	calls int
}

func (r *replayTransport) Exchange(_ []*DataFrame, responses int) ([]*DataFrame, error) {
	r.calls++

	if r.err != nil {
		return nil, r.err
	}

	res := make([]*DataFrame, responses)
	for i := range res {
		f := r.res
		res[i] = &f
	}

	return res, nil
}

type fixedCounter uint32

func (c fixedCounter) ReadCounter() (uint32, error) {
	return uint32(c), nil
}

func TestMetrics(t *testing.T) {
	key := make([]byte, KeyLength)

	macFailures := testutil.ToFloat64(counterMACFailures)
	readMismatch := testutil.ToFloat64(counterOperations.WithLabelValues("read", "mac_mismatch"))
	readTransport := testutil.ToFloat64(counterOperations.WithLabelValues("read", "transport"))
	readInvalid := testutil.ToFloat64(counterOperations.WithLabelValues("read", "invalid"))
	writeTransport := testutil.ToFloat64(counterOperations.WithLabelValues("write", "transport"))

	// all zero responses carry an invalid MAC
	tr := &replayTransport{}
	if _, err := ReadBlocks(tr, key, 0, 1, nil); !errors.Is(err, ErrMACMismatch) {
		t.Fatalf("ReadBlocks = %v, want ErrMACMismatch", err)
	}

	tr.err = errors.New("bus fault")
	if _, err := ReadBlocks(tr, key, 0, 1, nil); err == nil {
		t.Fatal("ReadBlocks succeeded on transport failure")
	}

	if _, err := ReadBlocks(tr, key, 0, 0, nil); err == nil {
		t.Fatal("ReadBlocks succeeded with zero blocks")
	}

	if err := WriteBlocks(tr, fixedCounter(0), key, 0, 1, make([]byte, DataLength), nil); err == nil {
		t.Fatal("WriteBlocks succeeded on transport failure")
	}

	for _, test := range []struct {
		name string
		c    prometheus.Collector
		base float64
	}{
		{"mac failures", counterMACFailures, macFailures},
		{"read mac_mismatch", counterOperations.WithLabelValues("read", "mac_mismatch"), readMismatch},
		{"read transport", counterOperations.WithLabelValues("read", "transport"), readTransport},
		{"read invalid", counterOperations.WithLabelValues("read", "invalid"), readInvalid},
		{"write transport", counterOperations.WithLabelValues("write", "transport"), writeTransport},
	} {
		if got, want := testutil.ToFloat64(test.c), test.base+1; got != want {
			t.Errorf("%s: got %v, want %v", test.name, got, want)
		}
	}
}

func TestRegisterMetrics(t *testing.T) {
	r := prometheus.NewRegistry()

	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}

	// registering twice is not an error
	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
}
