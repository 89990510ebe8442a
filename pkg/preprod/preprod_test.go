// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package preprod

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

func TestUpload(t *testing.T) {
	t.Parallel()

	Convey("Uploads a single archive with VCS metadata and reaches ok", t, func() {
		dir := t.TempDir()
		content := []byte("PK\x03\x04fake apk bytes")
		path := filepath.Join(dir, "app.apk")
		So(os.WriteFile(path, content, 0o644), ShouldBeNil)
		total := digest.Of(content)

		var uploadCalls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/chunk-upload", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&uploadCalls, 1)
			r.ParseMultipartForm(10 << 20)
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/assemble", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"%s": {"state": "ok"}}`, total)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL})
		sched := &chunkupload.Scheduler{
			Client:      client,
			Path:        "/chunk-upload",
			Options:     chunkserver.Options{Concurrency: 1, ChunksPerRequest: 10, MaxRequestSize: 1 << 20},
			Sink:        chunkupload.NopSink{},
			RetryPolicy: retry.Default,
		}
		coord := &assemble.Coordinator{Client: client, Path: "/assemble", Scheduler: sched, PollInterval: time.Millisecond}

		u := &Uploader{ChunkSize: 1 << 20, Coordinator: coord}
		uctx := uploadctx.New("acme")
		uctx.Wait = true
		uctx.MaxWait = time.Second

		resp, err := u.Upload(context.Background(), path, "app.apk", VCS{Provider: "github", HeadSHA: "abc123"}, uctx)
		So(err, ShouldBeNil)
		So(resp.State, ShouldEqual, assemble.OK)
	})
}
