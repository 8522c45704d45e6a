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

	"github.com/prometheus/client_golang/prometheus"
)

var (
	counterOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpmb_operations_total",
			Help: "Number of RPMB operations by operation and outcome.",
		},
		[]string{"op", "status"},
	)
	counterMACFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpmb_mac_failures_total",
			Help: "Number of RPMB responses which failed MAC verification.",
		},
	)
)

// RegisterMetrics registers the package collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{counterOperations, counterMACFailures} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	return nil
}

func observe(op string, err error) {
	var status string

	var te *TransportError

	switch {
	case err == nil:
		status = "ok"
	case errors.Is(err, ErrMACMismatch):
		status = "mac_mismatch"
		counterMACFailures.Inc()
	case errors.Is(err, ErrCounterUnavailable):
		status = "counter_unavailable"
	case errors.As(err, &te):
		status = "transport"
	case errors.Is(err, ErrDeviceRejected):
		status = "rejected"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidKey):
		status = "invalid"
	default:
		status = "error"
	}

	counterOperations.WithLabelValues(op, status).Inc()
}
