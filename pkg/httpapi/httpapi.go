// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package httpapi is the one seam where every network call of the upload
// pipeline passes through: it binds an AuthenticatedSession's base URL and
// bearer token, applies a default timeout, and classifies non-2xx
// responses into the error kinds of spec.md section 7 (component 4.O).
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

// DefaultTimeout is the per-request timeout for most calls (spec.md section 5).
const DefaultTimeout = 30 * time.Second

// ChunkPutTimeout is the longer timeout used specifically for chunk PUT
// uploads (spec.md section 5).
const ChunkPutTimeout = 10 * time.Minute

// Client wraps *http.Client with session auth and base-URL resolution.
type Client struct {
	HTTP    *http.Client
	Session session.AuthenticatedSession
}

// New returns a Client using http.DefaultTransport with DefaultTimeout.
func New(sess session.AuthenticatedSession) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Session: sess,
	}
}

// Do issues method against path (relative to the session's BaseURL), with
// the given body and extra header mutator, using timeout for this specific
// call. On success (2xx) it returns the response body fully read; on
// failure it returns an error tagged per errkind.WithStatus, or a
// Transport-tagged error if the request never reached the server.
func (c *Client) Do(ctx context.Context, timeout time.Duration, method, path string, body io.Reader, mutate func(*http.Request)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.Session.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Annotate(err, "building request to %s", path).Err()
	}
	if c.Session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Session.Token)
	}
	if mutate != nil {
		mutate(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "request to %s", path).Tag(errkind.Transport).Err()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "reading response from %s", path).Tag(errkind.Transport).Err()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, errkind.WithStatus(
			fmt.Errorf("%s %s: %s", method, path, bytes.TrimSpace(respBody)), resp.StatusCode)
	}
	return respBody, nil
}

// Get is a convenience wrapper over Do for a GET request with the default
// timeout.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, DefaultTimeout, http.MethodGet, path, nil, nil)
}

// PostJSON is a convenience wrapper over Do for a JSON POST request with
// the default timeout.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.Do(ctx, DefaultTimeout, http.MethodPost, path, bytes.NewReader(body), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
	})
}
