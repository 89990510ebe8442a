// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package session defines AuthenticatedSession, the value the (external,
// out-of-core) configuration loader hands to every core component that
// talks to the backend: base URL, auth token, org, and project.
package session

import (
	"fmt"
	"net/url"
	"strings"
)

// AuthenticatedSession bundles everything needed to address and
// authenticate requests against the issue-tracking backend.
//
// Per spec.md section 1, loading this from a properties file and
// environment variables is an external collaborator (pkg/config, 4.N);
// this type is the seam between that collaborator and the core.
type AuthenticatedSession struct {
	BaseURL string
	Token   string
	Org     string
	Project string

	// DSN, if set, is used by the envelope sender (M) instead of
	// BaseURL/Token; it carries its own endpoint, project id and public
	// key.
	DSN string
}

// DSN is a parsed Sentry-style DSN: scheme://PUBLIC_KEY@HOST/PROJECT_ID.
type DSN struct {
	Scheme    string
	PublicKey string
	Host      string
	ProjectID string
}

// ParseDSN parses a DSN string of the form
// "https://<public_key>@<host>/<project_id>".
func ParseDSN(raw string) (DSN, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return DSN{}, fmt.Errorf("malformed DSN: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return DSN{}, fmt.Errorf("malformed DSN: missing public key")
	}
	projectID := strings.Trim(u.Path, "/")
	if projectID == "" {
		return DSN{}, fmt.Errorf("malformed DSN: missing project id")
	}
	return DSN{
		Scheme:    u.Scheme,
		PublicKey: u.User.Username(),
		Host:      u.Host,
		ProjectID: projectID,
	}, nil
}

// EnvelopeURL returns the ingestion endpoint for this DSN:
// "<scheme>://<host>/api/<project_id>/envelope/".
func (d DSN) EnvelopeURL() string {
	return fmt.Sprintf("%s://%s/api/%s/envelope/", d.Scheme, d.Host, d.ProjectID)
}
