// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics implements component 4.R: optional in-process
// Prometheus counters for chunk throughput, retry attempts, and assemble
// polls. Never required for correctness — every component that accepts a
// hook from this package works identically with it left nil.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
)

// Metrics bundles the counters named in spec.md section 4.R, registered
// against a caller-supplied prometheus.Registerer (typically a private
// *prometheus.Registry scraped via a --metrics-addr HTTP handler in
// cmd/artifactsync, never the global default registry, so repeated CLI
// invocations in a test binary never collide on duplicate registration).
type Metrics struct {
	ChunksUploaded *prometheus.CounterVec
	BytesUploaded  prometheus.Counter
	RetryAttempts  *prometheus.CounterVec
	AssemblePolls  prometheus.Counter
}

// New registers and returns a fresh set of counters against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artifactsync",
			Name:      "chunks_uploaded_total",
			Help:      "Number of content-addressed chunks successfully uploaded.",
		}, []string{"kind"}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artifactsync",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes successfully uploaded across all chunk batches.",
		}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artifactsync",
			Name:      "retry_attempts_total",
			Help:      "Number of retry attempts beyond the first, by operation.",
		}, []string{"operation"}),
		AssemblePolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artifactsync",
			Name:      "assemble_polls_total",
			Help:      "Number of assemble-endpoint POSTs issued while polling for completion.",
		}),
	}
	reg.MustRegister(m.ChunksUploaded, m.BytesUploaded, m.RetryAttempts, m.AssemblePolls)
	return m
}

// Sink wraps an inner chunkupload.Sink, incrementing BytesUploaded on
// every reported delta and forwarding everything else unchanged.
type Sink struct {
	Inner   chunkupload.Sink
	Metrics *Metrics
}

var _ chunkupload.Sink = Sink{}

func (s Sink) Step(name string) { s.Inner.Step(name) }

func (s Sink) BytesTotal(total int64) { s.Inner.BytesTotal(total) }

func (s Sink) BytesDone(delta int64) {
	s.Metrics.BytesUploaded.Add(float64(delta))
	s.Inner.BytesDone(delta)
}

func (s Sink) Done() { s.Inner.Done() }

// WrapRetry returns fn wrapped so every call after the first increments
// RetryAttempts{operation}. Pass the result to retry.Do in place of fn.
func (m *Metrics) WrapRetry(operation string, fn func(context.Context) error) func(context.Context) error {
	first := true
	return func(ctx context.Context) error {
		if !first {
			m.RetryAttempts.WithLabelValues(operation).Inc()
		}
		first = false
		return fn(ctx)
	}
}

// ObservePoll increments AssemblePolls; suitable for assemble.Coordinator.OnPoll.
func (m *Metrics) ObservePoll() {
	m.AssemblePolls.Inc()
}

// ObserveChunks increments ChunksUploaded{kind} by count.
func (m *Metrics) ObserveChunks(kind string, count int) {
	m.ChunksUploaded.WithLabelValues(kind).Add(float64(count))
}
