// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dif

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
	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/discover"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

func TestUploader(t *testing.T) {
	t.Parallel()

	Convey("Uploads a new DIF end to end and reports it in Summary.Uploaded", t, func() {
		dir := t.TempDir()
		content := []byte("MODULE Linux x86_64 0123456789ABCDEF libfoo.so\nINFO ...\n")
		p := filepath.Join(dir, "crash.sym")
		So(os.WriteFile(p, content, 0o644), ShouldBeNil)

		total := digest.Of(content)

		var uploadedParts int32
		var assemblePosts int32

		mux := http.NewServeMux()
		mux.HandleFunc("/api/0/projects/org/proj/files/dsyms/unknown/", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"missing": ["%s"]}`, total)
		})
		mux.HandleFunc("/chunk-upload", func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			atomic.AddInt32(&uploadedParts, int32(len(r.MultipartForm.File["file"])))
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/assemble", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&assemblePosts, 1)
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

		u := &Uploader{
			Client:      client,
			Org:         "org",
			Project:     "proj",
			ChunkSize:   1 << 20,
			Scheduler:   sched,
			Coordinator: coord,
		}

		uctx := uploadctx.New("org")
		uctx.Wait = true
		uctx.MaxWait = time.Second

		summary, err := u.Upload(context.Background(), []string{dir}, discover.Filter{Kinds: []discover.Kind{discover.KindBreakpad}}, uctx)
		So(err, ShouldBeNil)
		So(summary.Failed, ShouldBeEmpty)
		So(summary.Uploaded, ShouldResemble, []string{p})
		So(uploadedParts, ShouldEqual, 1)
		So(assemblePosts, ShouldBeGreaterThanOrEqualTo, 1)
	})

	Convey("An already-present file is reported without re-uploading chunks", t, func() {
		dir := t.TempDir()
		content := []byte("MODULE Linux x86_64 0123456789ABCDEF libfoo.so\n")
		p := filepath.Join(dir, "crash.sym")
		So(os.WriteFile(p, content, 0o644), ShouldBeNil)

		var uploadCalled int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/0/projects/org/proj/files/dsyms/unknown/", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"missing": []}`)
		})
		mux.HandleFunc("/chunk-upload", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&uploadCalled, 1)
			w.WriteHeader(http.StatusOK)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := httpapi.New(session.AuthenticatedSession{BaseURL: srv.URL})
		sched := &chunkupload.Scheduler{Client: client, Path: "/chunk-upload", Options: chunkserver.Options{Concurrency: 1, ChunksPerRequest: 10, MaxRequestSize: 1 << 20}, Sink: chunkupload.NopSink{}, RetryPolicy: retry.Default}
		coord := &assemble.Coordinator{Client: client, Path: "/assemble"}

		u := &Uploader{Client: client, Org: "org", Project: "proj", ChunkSize: 1 << 20, Scheduler: sched, Coordinator: coord}
		summary, err := u.Upload(context.Background(), []string{dir}, discover.Filter{Kinds: []discover.Kind{discover.KindBreakpad}}, uploadctx.New("org"))
		So(err, ShouldBeNil)
		So(summary.AlreadyPresent, ShouldResemble, []string{p})
		So(uploadCalled, ShouldEqual, 0)
	})

	Convey("An unreadable file is warned about during discovery, not treated as fatal", t, func() {
		dir := t.TempDir()
		p := filepath.Join(dir, "crash.sym")
		So(os.WriteFile(p, []byte("MODULE Linux x86_64 0123456789ABCDEF libfoo.so\n"), 0o644), ShouldBeNil)
		So(os.Chmod(p, 0o000), ShouldBeNil)
		defer os.Chmod(p, 0o644)

		if os.Geteuid() == 0 {
			// Running as root bypasses file permissions; skip.
			return
		}

		diag := &collectingDiagnostics{}
		client := httpapi.New(session.AuthenticatedSession{BaseURL: "http://unused.invalid"})
		u := &Uploader{Client: client, Org: "org", Project: "proj", Diagnostics: diag}
		summary, err := u.Upload(context.Background(), []string{dir}, discover.Filter{Kinds: []discover.Kind{discover.KindBreakpad}}, uploadctx.New("org"))
		So(err, ShouldBeNil)
		So(summary.Uploaded, ShouldBeEmpty)
		So(summary.Failed, ShouldBeEmpty)
		So(diag.warned, ShouldBeTrue)
	})
}

type collectingDiagnostics struct{ warned bool }

func (c *collectingDiagnostics) Warn(string, string) { c.warned = true }

var _ = byteview.View{}
