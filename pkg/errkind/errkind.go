// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errkind defines the error-kind taxonomy as
// go.chromium.org/luci/common/errors boolean tags, the same pattern
// cloudbuildhelper's isCLIError uses. Components branch on these tags,
// never on concrete error types.
package errkind

import (
	"errors"
	"fmt"

	lucierrors "go.chromium.org/luci/common/errors"
)

// Kinds, per spec.md section 7.
var (
	// Usage: missing required argument or invalid flag.
	Usage = lucierrors.BoolTag{Key: lucierrors.NewTagKey("usage error")}
	// Config: no auth token, unreachable base URL, malformed DSN.
	Config = lucierrors.BoolTag{Key: lucierrors.NewTagKey("config error")}
	// Filesystem: unreadable file, missing root, permission denied.
	Filesystem = lucierrors.BoolTag{Key: lucierrors.NewTagKey("filesystem error")}
	// Parse: file does not match its declared kind, malformed JSON.
	Parse = lucierrors.BoolTag{Key: lucierrors.NewTagKey("parse error")}
	// Protocol: unexpected HTTP status, malformed response, unsupported
	// capability.
	Protocol = lucierrors.BoolTag{Key: lucierrors.NewTagKey("protocol error")}
	// Processing: server returned an `error` state on assemble.
	Processing = lucierrors.BoolTag{Key: lucierrors.NewTagKey("processing error")}
	// Timeout: assemble did not reach a terminal state within max-wait.
	Timeout = lucierrors.BoolTag{Key: lucierrors.NewTagKey("timeout error")}
	// Transport: connection refused, TLS error, DNS failure. Always
	// retryable.
	Transport = lucierrors.BoolTag{Key: lucierrors.NewTagKey("transport error")}
	// Canceled: user interrupt (SIGINT) or context cancellation.
	Canceled = lucierrors.BoolTag{Key: lucierrors.NewTagKey("canceled")}
)

// HTTPStatusError annotates an error with the HTTP status code that caused
// it. It unwraps to the underlying error so errors.Is/As still work through
// it and through luci's annotated errors (which also implement Unwrap).
type HTTPStatusError struct {
	Status int
	Err    error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Err)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

// WithStatus wraps err with its HTTP status and the matching kind tag:
// 408/429/5xx are tagged Transport (retryable), anything else Protocol.
func WithStatus(err error, status int) error {
	if err == nil {
		return nil
	}
	wrapped := &HTTPStatusError{Status: status, Err: err}
	reason := lucierrors.Annotate(wrapped, "unexpected HTTP status %d", status)
	if status == 408 || status == 429 || status >= 500 {
		return reason.Tag(Transport).Err()
	}
	return reason.Tag(Protocol).Err()
}

// StatusOf extracts a status code previously attached by WithStatus, if
// any, walking the error chain.
func StatusOf(err error) (int, bool) {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// Retryable reports whether err should be retried by the policy in
// pkg/retry: a Transport-tagged error (network failure, or an HTTP status
// in {408, 429, 5xx}).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Transport.In(err)
}
