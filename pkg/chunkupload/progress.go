// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package chunkupload

// Sink receives one-way progress updates from the chunk scheduler and from
// other long-running operations (discovery, bundling, assembly). It is the
// core's only view of terminal rendering (spec.md section 1's "ProgressSink"),
// implemented outside the core by pkg/progress (component 4.Q).
type Sink interface {
	// Step announces the start of a named phase (e.g. "uploading chunks").
	Step(name string)
	// BytesTotal sets (or updates) the total byte count for the current step.
	BytesTotal(total int64)
	// BytesDone reports additional bytes completed for the current step.
	// Called frequently and must be cheap and non-blocking.
	BytesDone(delta int64)
	// Done announces the end of the current step.
	Done()
}

// NopSink discards all progress updates.
type NopSink struct{}

func (NopSink) Step(string)     {}
func (NopSink) BytesTotal(int64) {}
func (NopSink) BytesDone(int64)  {}
func (NopSink) Done()            {}
