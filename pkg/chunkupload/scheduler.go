// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package chunkupload implements component 4.F: concurrent multipart
// upload of missing chunks with shared progress, bounded by the server's
// advertised request-size and per-request chunk-count limits.
//
// The worker-pool shape (a fixed pool of goroutines pulling batches off a
// channel, with per-worker progress slots sampled by a single aggregator
// goroutine instead of a shared mutex) is grounded on the buildkite-agent
// artifact uploader's artifactUploadWorker/stateUpdater split.
package chunkupload

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/batch"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
)

// sampleInterval is how often the aggregator reads worker slots and
// forwards the delta to the Sink.
const sampleInterval = 200 * time.Millisecond

// Scheduler uploads chunks to the chunk-upload endpoint.
type Scheduler struct {
	Client      *httpapi.Client
	Path        string // e.g. "/api/0/organizations/{org}/chunk-upload/"
	Options     chunkserver.Options
	Sink        Sink
	RetryPolicy retry.Policy
}

type sizedChunk digest.Chunk

func (c sizedChunk) Size() int64 { return int64(c.Data.Len()) }

// Upload uploads all of chunks, split into request-bounded batches,
// across a pool of Options.Concurrency workers. Workers are independent:
// there is no ordering guarantee between concurrent requests. A batch
// that exhausts its retries aborts the whole upload (but whatever was
// already accepted by the server remains there, since the server side is
// content-addressed).
func (s *Scheduler) Upload(ctx context.Context, chunks []digest.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	sized := make([]sizedChunk, len(chunks))
	for i, c := range chunks {
		sized[i] = sizedChunk(c)
	}
	maxCumSize := s.Options.MaxRequestSize
	maxCount := s.Options.ChunksPerRequest
	batches := batch.Split(sized, maxCumSize, maxCount)

	concurrency := s.Options.Concurrency
	if concurrency <= 0 {
		concurrency = chunkserver.DefaultConcurrency
	}
	if concurrency > len(batches) {
		concurrency = len(batches)
	}

	sink := s.Sink
	if sink == nil {
		sink = NopSink{}
	}

	var total int64
	for _, b := range batches {
		total += b.CumSize
	}
	sink.Step("uploading chunks")
	sink.BytesTotal(total)
	defer sink.Done()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	work := make(chan batch.Batch[sizedChunk])
	slots := make([]int64, concurrency)

	var aggWG sync.WaitGroup
	aggDone := make(chan struct{})
	aggWG.Add(1)
	go func() {
		defer aggWG.Done()
		s.aggregate(slots, sink, aggDone)
	}()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		workerIdx := i
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b, open := <-work:
					if !open {
						return
					}
					if err := s.uploadBatch(ctx, b, &slots[workerIdx]); err != nil {
						cancel(err)
						return
					}
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, b := range batches {
			select {
			case <-ctx.Done():
				return
			case work <- b:
			}
		}
	}()

	wg.Wait()
	close(aggDone)
	aggWG.Wait()

	if err := context.Cause(ctx); err != nil && err != context.Canceled {
		return err
	}
	return ctx.Err()
}

// aggregate periodically sums the per-worker slots (never taking a shared
// lock on the hot path workers use) and forwards the delta to sink, until
// done is closed, at which point it does one final sweep.
func (s *Scheduler) aggregate(slots []int64, sink Sink, done <-chan struct{}) {
	var last int64
	report := func() {
		var sum int64
		for i := range slots {
			sum += atomic.LoadInt64(&slots[i])
		}
		if delta := sum - last; delta > 0 {
			sink.BytesDone(delta)
			last = sum
		}
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report()
		case <-done:
			report()
			return
		}
	}
}

// uploadBatch uploads one batch, retrying the whole batch per RetryPolicy.
// The worker's byte slot is only advanced after each individual attempt
// commits, so a retried batch does not double-count progress permanently
// (it is reset to zero progress for the batch on each attempt by design:
// one slot per worker, re-used across its sequential batches).
func (s *Scheduler) uploadBatch(ctx context.Context, b batch.Batch[sizedChunk], slot *int64) error {
	var reported int64
	err := retry.Do(ctx, s.RetryPolicy, func(ctx context.Context) error {
		// Undo whatever partial credit a previous failed attempt claimed.
		atomic.AddInt64(slot, -reported)
		reported = 0

		body, contentType, err := encodeMultipart(b)
		if err != nil {
			return errors.Annotate(err, "encoding chunk batch").Err()
		}
		_, err = s.Client.Do(ctx, httpapi.ChunkPutTimeout, "POST", s.Path, bytes.NewReader(body), func(r *http.Request) {
			r.Header.Set("Content-Type", contentType)
		})
		if err != nil {
			return err
		}
		reported = b.CumSize
		atomic.AddInt64(slot, reported)
		return nil
	})
	return err
}

// encodeMultipart builds a multipart/form-data body with one "file" part
// per chunk, named by the chunk's hex digest, per spec.md section 6.
func encodeMultipart(b batch.Batch[sizedChunk]) (body []byte, contentType string, err error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, c := range b.Items {
		part, err := w.CreateFormFile("file", c.Digest.String())
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(c.Data.Bytes()); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
