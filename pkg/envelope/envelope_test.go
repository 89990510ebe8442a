// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package envelope

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestSend(t *testing.T) {
	t.Parallel()

	Convey("Posts the envelope with a well-formed X-Sentry-Auth header and returns the event id", t, func() {
		var gotAuth, gotContentType string
		var gotBody []byte
		mux := http.NewServeMux()
		mux.HandleFunc("/api/42/envelope/", func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("X-Sentry-Auth")
			gotContentType = r.Header.Get("Content-Type")
			buf := make([]byte, r.ContentLength)
			r.Body.Read(buf)
			gotBody = buf
			fmt.Fprint(w, `{"id": "abc123"}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		dsn := session.DSN{Scheme: "http", PublicKey: "mykey", Host: strings.TrimPrefix(srv.URL, "http://"), ProjectID: "42"}

		s := &Sender{HTTP: srv.Client(), RetryPolicy: retry.Default, Now: fixedNow}
		id, err := s.Send(context.Background(), dsn, []byte(`{"event_id":"x"}`))

		So(err, ShouldBeNil)
		So(id, ShouldEqual, "abc123")
		So(gotContentType, ShouldEqual, "application/x-sentry-envelope")
		So(gotAuth, ShouldContainSubstring, "sentry_key=mykey")
		So(gotAuth, ShouldContainSubstring, "sentry_version=7")
		So(gotAuth, ShouldContainSubstring, "sentry_client=artifactsync-cli/0.1.0")
		So(gotAuth, ShouldContainSubstring, fmt.Sprintf("sentry_timestamp=%d", fixedNow().Unix()))
		So(string(gotBody), ShouldEqual, `{"event_id":"x"}`)
	})

	Convey("Retries on a transient 503 and eventually succeeds", t, func() {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/7/envelope/", func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"id": "retried"}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		dsn := session.DSN{Scheme: "http", PublicKey: "k", Host: strings.TrimPrefix(srv.URL, "http://"), ProjectID: "7"}
		fast := retry.Default
		fast.InitialInterval = time.Millisecond
		fast.MaxInterval = time.Millisecond

		s := &Sender{HTTP: srv.Client(), RetryPolicy: fast, Now: fixedNow}
		id, err := s.Send(context.Background(), dsn, []byte(`{}`))

		So(err, ShouldBeNil)
		So(id, ShouldEqual, "retried")
		So(atomic.LoadInt32(&calls), ShouldEqual, 3)
	})

	Convey("Surfaces an error on a non-retryable 4xx without retrying", t, func() {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/9/envelope/", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		dsn := session.DSN{Scheme: "http", PublicKey: "k", Host: strings.TrimPrefix(srv.URL, "http://"), ProjectID: "9"}
		s := &Sender{HTTP: srv.Client(), RetryPolicy: retry.Default, Now: fixedNow}
		_, err := s.Send(context.Background(), dsn, []byte(`{}`))

		So(err, ShouldNotBeNil)
		So(atomic.LoadInt32(&calls), ShouldEqual, 1)
	})
}
