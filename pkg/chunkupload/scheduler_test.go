// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package chunkupload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

type fakeSink struct {
	mu   sync.Mutex
	done int64
}

func (f *fakeSink) Step(string)      {}
func (f *fakeSink) BytesTotal(int64) {}
func (f *fakeSink) Done()            {}
func (f *fakeSink) BytesDone(delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done += delta
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	Convey("Uploads all chunks across concurrent workers and reports full progress", t, func() {
		var mu sync.Mutex
		var receivedParts int

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			receivedParts += len(r.MultipartForm.File["file"])
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL})

		var chunks []digest.Chunk
		var totalSize int64
		for i := 0; i < 20; i++ {
			data := []byte{byte(i), byte(i + 1), byte(i + 2)}
			v := byteview.FromBytes(data)
			chunks = append(chunks, digest.Chunk{Digest: digest.OfView(v), Data: v})
			totalSize += int64(len(data))
		}

		sink := &fakeSink{}
		sched := &Scheduler{
			Client: client,
			Path:   "/upload",
			Options: chunkserver.Options{
				Concurrency:      4,
				ChunksPerRequest: 3,
				MaxRequestSize:   1 << 20,
			},
			Sink:        sink,
			RetryPolicy: retry.Default,
		}

		err := sched.Upload(context.Background(), chunks)
		So(err, ShouldBeNil)
		So(receivedParts, ShouldEqual, 20)
		So(sink.done, ShouldEqual, totalSize)
	})

	Convey("Empty input is a no-op", t, func() {
		sched := &Scheduler{}
		So(sched.Upload(context.Background(), nil), ShouldBeNil)
	})

	Convey("A batch that exhausts retries aborts the whole upload", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL})
		v := byteview.FromBytes([]byte("x"))
		chunks := []digest.Chunk{{Digest: digest.OfView(v), Data: v}}

		sched := &Scheduler{
			Client:  client,
			Path:    "/upload",
			Options: chunkserver.Options{Concurrency: 1, ChunksPerRequest: 1, MaxRequestSize: 1 << 20},
			Sink:    NopSink{},
			RetryPolicy: retry.Policy{
				InitialInterval:     1,
				Multiplier:          1,
				RandomizationFactor: 0,
				MaxInterval:         1,
				MaxAttempts:         2,
			},
		}
		err := sched.Upload(context.Background(), chunks)
		So(err, ShouldNotBeNil)
	})
}
