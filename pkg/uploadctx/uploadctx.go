// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package uploadctx defines Context (spec.md "UploadContext"): the
// immutable parameters shared by the DIF uploader (H), source-map
// processor (J) and preprod-artifact uploader (K).
package uploadctx

import "time"

// DefaultMaxWait is the default bound on assemble polling (spec.md 4.L).
const DefaultMaxWait = 5 * time.Minute

// Context is passed by value; cloning is cheap because every field is a
// string, a bool or a time.Duration.
type Context struct {
	Org     string
	Project string // optional: empty for organization-level DIF uploads
	Release string // required iff the server lacks artifact-bundle support and the op targets release files
	Dist    string
	Note    string

	// Wait, if true, makes the assembly coordinator (4.G) block until a
	// terminal state or MaxWait elapses. If false, a single poll round
	// is made and the (possibly pending) response is returned as-is.
	Wait bool

	// MaxWait bounds assemble polling; combined with the server's own
	// max_wait_secs via min().
	MaxWait time.Duration

	// Dedupe, when true (read only by J's Phase 4 fallback path), skips
	// re-uploading a file whose checksum already matches what the server
	// has for the same (url, dist) key.
	Dedupe bool
}

// New returns a Context with MaxWait defaulted per spec.md 4.L.
func New(org string) Context {
	return Context{Org: org, MaxWait: DefaultMaxWait}
}

// RequiresRelease reports whether a Release is needed but not set:
// legacy release-file uploads (no artifact-bundle support on the server)
// always need one, so this is true when such an upload has an empty
// Release.
func (c Context) RequiresRelease(serverSupportsArtifactBundles bool) bool {
	return !serverSupportsArtifactBundles && c.Release == ""
}
