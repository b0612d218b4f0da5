/*
Copyright 2018 The OpenCV Infrastructure Authors.

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

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics holds the metrics gathered for master requests.
type ClientMetrics struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	RequestRetries prometheus.Counter
}

// NewMetrics creates and registers the master client metrics.
func NewMetrics() *ClientMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "master_requests",
		Help: "Number of master requests made by this service.",
	}, []string{
		"verb", "handler", "code",
	})
	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "master_request_latency",
		Help: "Latency distribution of master requests.",
	}, []string{
		"verb", "handler",
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "master_request_retries",
		Help: "Number of master request retries made by this service.",
	})

	prometheus.MustRegister(requests)
	prometheus.MustRegister(requestLatency)
	prometheus.MustRegister(retries)

	return &ClientMetrics{
		Requests:       requests,
		RequestLatency: requestLatency,
		RequestRetries: retries,
	}
}
