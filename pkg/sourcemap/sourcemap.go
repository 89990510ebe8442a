// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sourcemap implements component 4.J, the source-map processor:
// discovery of JS/map pairs on disk, URL normalization, debug-id
// injection, and upload of the resulting SourceFileSet.
//
// The debug-id injection algorithm (the code snippet, the comment
// markers, the atomic rewrite-via-temp-file pattern, the
// previously-injected/skipped/missing-sourcemap classification) follows
// the same shape sentry-cli's sourcemap injector uses, expressed here in
// idiomatic Go.
package sourcemap

import (
	"fmt"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
)

// Kind classifies a discovered source file, per spec.md section 3's
// SourceFile.kind enum.
type Kind string

const (
	KindSource         Kind = "source"
	KindMinifiedSource Kind = "minified-source"
	KindSourceMap      Kind = "source-map"
	KindIndexedBundle  Kind = "indexed-ram-bundle"
)

// DiagLevel is the severity of a SourceFile.Diagnostics entry.
type DiagLevel string

const (
	DiagInfo  DiagLevel = "info"
	DiagWarn  DiagLevel = "warn"
	DiagError DiagLevel = "error"
)

// Diagnostic is one (level, message) pair attached to a SourceFile.
type Diagnostic struct {
	Level   DiagLevel
	Message string
}

// SourceFile is spec.md section 3's SourceFile type.
type SourceFile struct {
	URL     string
	Path    string // filesystem path this was discovered at, empty if synthetic
	Content byteview.View
	Kind    Kind
	Headers map[string]string

	Diagnostics []Diagnostic

	// AlreadyUploaded is set by the uploader once this file's content has
	// been confirmed present on the server. The per-file fallback path
	// skips files that have it set, so a repeat Upload does not PUT them
	// again; the artifact-bundle path bundles every file in the Set
	// whether it is set or not.
	AlreadyUploaded bool
}

func (f *SourceFile) diag(level DiagLevel, format string, args ...any) {
	f.Diagnostics = append(f.Diagnostics, Diagnostic{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Set is an ordered list of SourceFiles. ByURL looks a file up by URL and
// returns the first match; nothing stops two entries from sharing a URL.
type Set struct {
	Files []*SourceFile
}

// ByURL returns the file with the given URL, or nil.
func (s *Set) ByURL(url string) *SourceFile {
	for _, f := range s.Files {
		if f.URL == url {
			return f
		}
	}
	return nil
}
