/*
Copyright 2025 The Kubernetes Authors.

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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// InflightBatcherComponent is the metrics subsystem for the dispatch core.
	InflightBatcherComponent = "inflight_batcher"
)

var (
	// RequestLatencyBuckets covers long running inference from 5ms to 1 hour.
	RequestLatencyBuckets = []float64{
		0.005, 0.025, 0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0, 1.25, 1.5, 2, 3, 4, 5, 6,
		8, 10, 15, 20, 30, 45, 60, 120, 180, 240, 300, 360, 480, 600, 900, 1200,
		1800, 2700, 3600,
	}
)

var (
	requestCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "request_total",
			Help:      "Counter of inference requests accepted into the work-items queue.",
		},
	)

	requestErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "request_error_total",
			Help:      "Counter of requests rejected or failed, broken out by canonical error code.",
		},
		[]string{"error_code"},
	)

	stopRequestCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "stop_request_total",
			Help:      "Counter of stop requests recorded against pending or in-flight work items.",
		},
	)

	answerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "answer_total",
			Help:      "Counter of engine answers routed to response sinks, partial and final.",
		},
		[]string{"final"},
	)

	pendingWorkItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "pending_work_items",
			Help:      "Number of work items waiting to be pulled by the batch engine.",
		},
	)

	inProgressWorkItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "in_progress_work_items",
			Help:      "Number of work items currently owned by the batch engine.",
		},
	)

	requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "request_duration_seconds",
			Help:      "End to end latency distribution from enqueue to final answer.",
			Buckets:   RequestLatencyBuckets,
		},
	)

	broadcastWords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InflightBatcherComponent,
			Name:      "broadcast_words_total",
			Help:      "Counter of 8-byte words replicated to the process group, by payload kind.",
		},
		[]string{"kind"},
	)
)

var registerMetrics sync.Once

// Register all metrics onto the given registry. Safe to call more than once.
func Register(r prometheus.Registerer) {
	registerMetrics.Do(func() {
		r.MustRegister(requestCounter)
		r.MustRegister(requestErrCounter)
		r.MustRegister(stopRequestCounter)
		r.MustRegister(answerCounter)
		r.MustRegister(pendingWorkItems)
		r.MustRegister(inProgressWorkItems)
		r.MustRegister(requestLatency)
		r.MustRegister(broadcastWords)
	})
}

// RecordRequest counts a request accepted into the queue.
func RecordRequest() {
	requestCounter.Inc()
}

// RecordRequestErr counts a rejected or failed request by canonical code.
func RecordRequestErr(errorCode string) {
	requestErrCounter.WithLabelValues(errorCode).Inc()
}

// RecordStopRequest counts a stop recorded against an active work item.
func RecordStopRequest() {
	stopRequestCounter.Inc()
}

// RecordAnswer counts an answer delivered to a response sink.
func RecordAnswer(final bool) {
	if final {
		answerCounter.WithLabelValues("true").Inc()
	} else {
		answerCounter.WithLabelValues("false").Inc()
	}
}

// RecordRequestLatency observes the enqueue-to-final latency of a request.
func RecordRequestLatency(enqueued, completed time.Time) {
	if completed.IsZero() || enqueued.IsZero() || completed.Before(enqueued) {
		return
	}
	requestLatency.Observe(completed.Sub(enqueued).Seconds())
}

// SetPendingWorkItems tracks the queue depth.
func SetPendingWorkItems(n int) {
	pendingWorkItems.Set(float64(n))
}

// SetInProgressWorkItems tracks the number of items owned by the engine.
func SetInProgressWorkItems(n int) {
	inProgressWorkItems.Set(float64(n))
}

// RecordBroadcast counts collective payload words by kind ("requests" or
// "cancellations").
func RecordBroadcast(kind string, words int) {
	broadcastWords.WithLabelValues(kind).Add(float64(words))
}

// Reset the labeled metrics. Only intended to be used in tests.
func Reset() {
	requestErrCounter.Reset()
	answerCounter.Reset()
	broadcastWords.Reset()
	pendingWorkItems.Set(0)
	inProgressWorkItems.Set(0)
}
