/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package metrics counts and times mount and umount operations.
package metrics

import (
	"time"

	"github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	ns = metrics.NewNamespace("libmount", "", nil)

	operations = ns.NewLabeledCounter("operations", "The number of mount operations", "operation", "result")
	duration   = ns.NewLabeledTimer("operation_duration", "The time a mount operation took", "operation")
)

func init() {
	metrics.Register(ns)
}

// Collector returns the collector of all operation metrics.
func Collector() prometheus.Collector {
	return ns
}

// Observe records one operation started at start that ended with err.
func Observe(op string, err error, start time.Time) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	operations.WithValues(op, result).Inc()
	duration.WithValues(op).UpdateSince(start)
}
