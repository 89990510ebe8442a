// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package envelope implements component 4.M: sending a pre-serialized
// envelope to a DSN's ingestion endpoint with a computed X-Sentry-Auth
// header, retrying per the shared retry policy.
package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

// ClientName and ClientVersion identify this tool in the X-Sentry-Auth
// header's sentry_client field.
const (
	ClientName    = "artifactsync-cli"
	ClientVersion = "0.1.0"
)

// ProtocolVersion is the sentry_version advertised in X-Sentry-Auth.
const ProtocolVersion = "7"

// Sender posts pre-serialized envelopes to a DSN's ingestion endpoint.
type Sender struct {
	HTTP        *http.Client
	RetryPolicy retry.Policy
	Now         func() time.Time // overridable for tests; defaults to time.Now
}

// NewSender returns a Sender using an http.Client with a 30-second timeout
// and the default retry policy.
func NewSender() *Sender {
	return &Sender{HTTP: &http.Client{Timeout: 30 * time.Second}, RetryPolicy: retry.Default}
}

// Send POSTs envelope to dsn's ingestion URL and returns the server-
// assigned event id reported in the response body's "id" field.
func (s *Sender) Send(ctx context.Context, dsn session.DSN, envelope []byte) (string, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	policy := s.RetryPolicy
	if policy == (retry.Policy{}) {
		policy = retry.Default
	}
	httpClient := s.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	var eventID string
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dsn.EnvelopeURL(), bytes.NewReader(envelope))
		if err != nil {
			return errors.Annotate(err, "building envelope request").Err()
		}
		req.Header.Set("Content-Type", "application/x-sentry-envelope")
		req.Header.Set("X-Sentry-Auth", authHeader(dsn, now()))

		resp, err := httpClient.Do(req)
		if err != nil {
			return errors.Annotate(err, "sending envelope").Tag(errkind.Transport).Err()
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errkind.WithStatus(fmt.Errorf("envelope POST: status %d", resp.StatusCode), resp.StatusCode)
		}

		var wire struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return errors.Annotate(err, "parsing envelope response").Tag(errkind.Parse).Err()
		}
		eventID = wire.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// authHeader builds the X-Sentry-Auth header value per spec.md section
// 4.M: timestamp, client name+version, protocol version, public key.
func authHeader(dsn session.DSN, now time.Time) string {
	return "Sentry sentry_version=" + ProtocolVersion +
		", sentry_client=" + ClientName + "/" + ClientVersion +
		", sentry_timestamp=" + strconv.FormatInt(now.Unix(), 10) +
		", sentry_key=" + dsn.PublicKey
}
