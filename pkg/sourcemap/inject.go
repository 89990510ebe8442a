// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// codeSnippetTemplate is appended (with debugIDPlaceholder substituted)
// ahead of the "//# debugId=" comment on every injected file: a
// self-executing snippet that records the debug id in a process-global
// registry keyed by the current stack, so a runtime crash reporter can
// recover it without re-parsing the file.
const codeSnippetTemplate = `!function(){try{var e="undefined"!=typeof window?window:"undefined"!=typeof global?global:"undefined"!=typeof self?self:{},n=(new Error).stack;n&&(e._sentryDebugIds=e._sentryDebugIds||{},e._sentryDebugIds[n]="__SENTRY_DEBUG_ID__")}catch(e){}}()`

const debugIDPlaceholder = "__SENTRY_DEBUG_ID__"
const debugIDCommentPrefix = "//# debugId"
const sourcemapDebugIDKey = "debug_id"

// Report summarizes the outcome of one Inject call.
type Report struct {
	Injected           []Entry
	PreviouslyInjected []Entry
	Skipped            []string
	MissingSourcemaps  []string
	Sourcemaps         []Entry
	SkippedSourcemaps  []Entry
	DoubleAssociations []string
}

// Entry pairs a path with the debug id found or minted for it.
type Entry struct {
	Path    string
	DebugID string
}

// Inject implements Phase 3: for every minified JS file in set, locate or
// mint a debug id and inject it into both the JS file and its source map,
// rewriting both on disk via an atomic temp-file-then-rename. Files with
// no on-disk Path (synthetic test fixtures) are rewritten only in memory.
func Inject(set *Set) (*Report, error) {
	report := &Report{}
	seen := map[string]bool{} // JS path already injected this call

	for _, f := range set.Files {
		if f.Kind != KindMinifiedSource {
			continue
		}
		if seen[f.Path] {
			report.DoubleAssociations = append(report.DoubleAssociations, f.Path)
			continue
		}

		content := string(f.Content.Bytes())

		if id, ok := discoverDebugID(content); ok {
			report.PreviouslyInjected = append(report.PreviouslyInjected, Entry{f.Path, id})
			seen[f.Path] = true
			continue
		}

		smURL, ok := discoverSourceMappingURL(content)
		if !ok {
			f.diag(DiagInfo, "no sourceMappingURL, bundled without a debug id")
			report.Skipped = append(report.Skipped, f.Path)
			continue
		}
		if strings.HasPrefix(smURL, "data:") {
			f.diag(DiagWarn, "sourceMappingURL is a data: URI, skipped")
			report.Skipped = append(report.Skipped, f.Path)
			continue
		}

		smPath := smURL
		if f.Path != "" {
			smPath = filepath.Join(filepath.Dir(f.Path), smURL)
		}
		smFile := set.byPath(smPath)

		var smContent []byte
		switch {
		case smFile != nil:
			smContent = smFile.Content.Bytes()
		case f.Path != "":
			var err error
			smContent, err = os.ReadFile(smPath)
			if err != nil {
				report.MissingSourcemaps = append(report.MissingSourcemaps, f.Path)
				continue
			}
		default:
			report.MissingSourcemaps = append(report.MissingSourcemaps, f.Path)
			continue
		}

		debugID, newSMContent, smModified, err := fixupSourcemap(smContent)
		if err != nil {
			return nil, errors.Annotate(err, "fixing up sourcemap for %s", f.Path).Tag(errkind.Parse).Err()
		}

		if smModified {
			if err := writeAtomic(smPath, newSMContent); err != nil {
				return nil, errors.Annotate(err, "writing %s", smPath).Tag(errkind.Filesystem).Err()
			}
			if smFile != nil {
				smFile.Content = byteview.FromBytes(newSMContent)
			}
			report.Sourcemaps = append(report.Sourcemaps, Entry{smPath, debugID})
		} else {
			report.SkippedSourcemaps = append(report.SkippedSourcemaps, Entry{smPath, debugID})
		}

		newJS := fixupJS(content, debugID)
		if f.Path != "" {
			if err := writeAtomic(f.Path, []byte(newJS)); err != nil {
				return nil, errors.Annotate(err, "writing %s", f.Path).Tag(errkind.Filesystem).Err()
			}
		}
		f.Content = byteview.FromBytes([]byte(newJS))
		f.Headers = setHeader(f.Headers, "debug-id", debugID)

		report.Injected = append(report.Injected, Entry{f.Path, debugID})
		seen[f.Path] = true
	}

	return report, nil
}

func setHeader(h map[string]string, key, value string) map[string]string {
	if h == nil {
		h = map[string]string{}
	}
	h[key] = value
	return h
}

func (s *Set) byPath(path string) *SourceFile {
	for _, f := range s.Files {
		if f.Path == path {
			return f
		}
	}
	return nil
}

// discoverDebugID reports whether content already carries a
// "//# debugId=<id>" (or legacy "//@ debugId=") comment, per inject.rs's
// discover_debug_id.
func discoverDebugID(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if v, ok := cutPrefixEither(trimmed, "//# debugId=", "//@ debugId="); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// discoverSourceMappingURL finds the last "//# sourceMappingURL=" (or
// legacy "//@ sourceMappingURL=") comment in content, per inject.rs's
// discover_sourcemaps_location.
func discoverSourceMappingURL(content string) (string, bool) {
	found := ""
	ok := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if v, match := cutPrefixEither(trimmed, "//# sourceMappingURL=", "//@ sourceMappingURL="); match {
			found = strings.TrimSpace(v)
			ok = true
		}
	}
	return found, ok
}

func cutPrefixEither(s, a, b string) (string, bool) {
	if strings.HasPrefix(s, a) {
		return s[len(a):], true
	}
	if strings.HasPrefix(s, b) {
		return s[len(b):], true
	}
	return "", false
}

// orderedField is one top-level key/value pair of a JSON object, kept in
// source order so re-serialization doesn't reshuffle it.
type orderedField struct {
	Key string
	Raw json.RawMessage
}

// parseOrderedObject decodes a top-level JSON object into its fields,
// preserving the order they appear in content. Nested values are kept as
// opaque json.RawMessage and never reordered.
func parseOrderedObject(content []byte) ([]orderedField, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.Reason("sourcemap is not a JSON object").Tag(errkind.Parse).Err()
	}

	var fields []orderedField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.Reason("sourcemap object key is not a string").Tag(errkind.Parse).Err()
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		fields = append(fields, orderedField{key, raw})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return fields, nil
}

// marshalOrderedObject re-renders fields as a JSON object in the given
// order.
func marshalOrderedObject(fields []orderedField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.Raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// fixupSourcemap reads or mints a "debug_id" top-level string key,
// returning the (possibly) re-serialized content and whether it changed.
// Keys besides "debug_id" are round-tripped as opaque json.RawMessage, and
// the object's original key order is preserved (per spec.md section 4.J
// step 3) rather than going through a map, which Go always marshals in
// sorted key order.
func fixupSourcemap(content []byte) (debugID string, out []byte, modified bool, err error) {
	fields, err := parseOrderedObject(content)
	if err != nil {
		return "", nil, false, err
	}

	for _, f := range fields {
		if f.Key != sourcemapDebugIDKey {
			continue
		}
		var id string
		if err := json.Unmarshal(f.Raw, &id); err != nil {
			return "", nil, false, err
		}
		return id, content, false, nil
	}

	id := uuid.New().String()
	encoded, err := json.Marshal(id)
	if err != nil {
		return "", nil, false, err
	}
	fields = append(fields, orderedField{sourcemapDebugIDKey, encoded})

	newContent, err := marshalOrderedObject(fields)
	if err != nil {
		return "", nil, false, err
	}
	return id, newContent, true, nil
}

// fixupJS appends the debug-id snippet and comment to content, moving any
// existing sourceMappingURL comment to the very end so the debug-id lines
// precede it, per spec.md section 4.J step 4.
func fixupJS(content, debugID string) string {
	lines := strings.Split(content, "\n")

	var b strings.Builder
	var sourceMappingLine string
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "//# sourceMappingURL=") || strings.HasPrefix(trimmed, "//@ sourceMappingURL=") {
			sourceMappingLine = trimmed
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	snippet := strings.ReplaceAll(codeSnippetTemplate, debugIDPlaceholder, debugID)
	b.WriteByte('\n')
	b.WriteString(snippet)
	b.WriteByte('\n')
	b.WriteString(debugIDCommentPrefix)
	b.WriteByte('=')
	b.WriteString(debugID)
	b.WriteByte('\n')

	if sourceMappingLine != "" {
		b.WriteString(sourceMappingLine)
	}

	return b.String()
}

// writeAtomic writes data to a sibling temp file and renames it over
// path, so a crash or error mid-write never corrupts the original
// (spec.md 4.J's "scoped-acquisition pattern").
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sourcemap-inject-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		os.Chmod(tmpPath, info.Mode())
	}
	return os.Rename(tmpPath, path)
}
