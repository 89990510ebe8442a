// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

func TestCoordinator(t *testing.T) {
	t.Parallel()

	Convey("All chunks already present: one POST returns ok", t, func() {
		var posts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&posts, 1)
			fmt.Fprintf(w, `{"%s": {"state": "ok"}}`, digest.Empty)
		}))
		defer srv.Close()

		coord := &Coordinator{
			Client: httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL}),
			Path:   "/assemble",
		}
		req := Request{digest.Empty: {Name: "a.dsym"}}
		resp, err := coord.Run(context.Background(), req, true, time.Minute, nil)
		So(err, ShouldBeNil)
		So(resp[digest.Empty].State, ShouldEqual, OK)
		So(posts, ShouldEqual, 1)
	})

	Convey("One chunk missing: scheduler uploads it, then created, then ok", t, func() {
		v := byteview.FromBytes([]byte("payload"))
		chunk := digest.Chunk{Digest: digest.OfView(v), Data: v}

		var uploadSrv *httptest.Server
		var received int32
		uploadSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&received, 1)
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer uploadSrv.Close()

		var posts int32
		assembleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&posts, 1)
			switch n {
			case 1:
				fmt.Fprintf(w, `{"%s": {"state": "not_found", "missingChunks": ["%s"]}}`, chunk.Digest, chunk.Digest)
			case 2:
				fmt.Fprintf(w, `{"%s": {"state": "created"}}`, chunk.Digest)
			default:
				fmt.Fprintf(w, `{"%s": {"state": "ok"}}`, chunk.Digest)
			}
		}))
		defer assembleSrv.Close()

		client := httpapi.New(session.AuthenticatedSession{BaseURL: assembleSrv.URL})
		uploadClient := httpapi.New(session.AuthenticatedSession{BaseURL: uploadSrv.URL})

		sched := &chunkupload.Scheduler{
			Client:      uploadClient,
			Path:        "/upload",
			Options:     chunkserver.Options{Concurrency: 1, ChunksPerRequest: 10, MaxRequestSize: 1 << 20},
			Sink:        chunkupload.NopSink{},
			RetryPolicy: retry.Default,
		}

		coord := &Coordinator{
			Client:       client,
			Path:         "/assemble",
			Scheduler:    sched,
			PollInterval: time.Millisecond,
		}

		req := Request{chunk.Digest: {Name: "b.dsym", Chunks: []digest.Digest{chunk.Digest}}}
		byDigest := map[digest.Digest]digest.Chunk{chunk.Digest: chunk}

		resp, err := coord.Run(context.Background(), req, true, time.Second, byDigest)
		So(err, ShouldBeNil)
		So(resp[chunk.Digest].State, ShouldEqual, OK)
		So(posts, ShouldEqual, 3)
		So(received, ShouldEqual, 1)
	})

	Convey("error state raises a processing error", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"%s": {"state": "error", "detail": "bad file"}}`, digest.Empty)
		}))
		defer srv.Close()

		coord := &Coordinator{Client: httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL}), Path: "/assemble"}
		_, err := coord.Run(context.Background(), Request{digest.Empty: {Name: "x"}}, true, time.Minute, nil)
		So(err, ShouldNotBeNil)
	})

	Convey("non-wait mode makes exactly one call and returns the pending response", t, func() {
		var posts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&posts, 1)
			fmt.Fprintf(w, `{"%s": {"state": "created"}}`, digest.Empty)
		}))
		defer srv.Close()

		coord := &Coordinator{Client: httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL}), Path: "/assemble"}
		resp, err := coord.Run(context.Background(), Request{digest.Empty: {Name: "x"}}, false, time.Minute, nil)
		So(err, ShouldBeNil)
		So(resp[digest.Empty].State, ShouldEqual, Created)
		So(posts, ShouldEqual, 1)
	})

	Convey("wait mode times out if never terminal", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"%s": {"state": "assembling"}}`, digest.Empty)
		}))
		defer srv.Close()

		coord := &Coordinator{
			Client:       httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL}),
			Path:         "/assemble",
			PollInterval: 5 * time.Millisecond,
		}
		_, err := coord.Run(context.Background(), Request{digest.Empty: {Name: "x"}}, true, 20*time.Millisecond, nil)
		So(err, ShouldNotBeNil)
	})
}

var _ = json.RawMessage{}
