// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bundle implements component 4.I: packing a SourceFileSet into a
// deterministic artifact-bundle zip, with manifest.json first, file members
// under files/<server-path>, and byte-identical output regardless of the
// set's insertion order.
//
// The zip-writing idiom (archive/zip, member-at-a-time via CreateHeader)
// follows cloudbuildhelper's own archive/zip usage in
// cmd/package_index/kzip.go, which reads kzip archives the same library
// writes here.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// fixedModTime is stamped on every zip member so that two bundles built
// from the same SourceFileSet content are byte-identical regardless of
// wall-clock time (spec.md section 4.I's determinism guarantee).
var fixedModTime = time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)

// SourceFile is one member of a SourceFileSet.
type SourceFile struct {
	URL     string
	Content byteview.View
	Type    string // optional, echoed in the manifest's files section
}

// SourceFileSet is the frozen input to the bundle builder.
type SourceFileSet struct {
	DebugID string
	Org     string
	Project string // omitempty
	Release string // omitempty
	Dist    string // omitempty
	Note    string // omitempty
	Files   []SourceFile
}

// manifestFileEntry is one value in the manifest's "files" map.
type manifestFileEntry struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// manifest is serialized with a fixed field order (debug_id, org, project,
// release, dist, note, files); the "files" map's keys are sorted
// automatically by encoding/json, giving a second deterministic axis.
type manifest struct {
	DebugID string                       `json:"debug_id"`
	Org     string                       `json:"org"`
	Project string                       `json:"project,omitempty"`
	Release string                       `json:"release,omitempty"`
	Dist    string                       `json:"dist,omitempty"`
	Note    string                       `json:"note,omitempty"`
	Files   map[string]manifestFileEntry `json:"files"`
}

// Build packs set into a zip, returning its bytes.
func Build(set SourceFileSet) ([]byte, error) {
	files := make([]SourceFile, len(set.Files))
	copy(files, set.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].URL < files[j].URL })

	m := manifest{
		DebugID: set.DebugID,
		Org:     set.Org,
		Project: set.Project,
		Release: set.Release,
		Dist:    set.Dist,
		Note:    set.Note,
		Files:   make(map[string]manifestFileEntry, len(files)),
	}

	type member struct {
		path string
		data byteview.View
	}
	var members []member
	used := make(map[string]bool)

	for _, f := range files {
		p := disambiguate(serverPath(f.URL), used)
		used[p] = true
		m.Files[p] = manifestFileEntry{URL: f.URL, Type: f.Type}
		members = append(members, member{path: "files/" + p, data: f.Content})
	}

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Annotate(err, "marshaling bundle manifest").Err()
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	if err := writeMember(zw, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}
	for _, mm := range members {
		if err := writeMember(zw, mm.path, mm.data.Bytes()); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Annotate(err, "closing bundle zip").Err()
	}
	return buf.Bytes(), nil
}

func writeMember(zw *zip.Writer, name string, data []byte) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: fixedModTime,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Annotate(err, "creating zip member %q", name).Tag(errkind.Processing).Err()
	}
	if _, err := w.Write(data); err != nil {
		return errors.Annotate(err, "writing zip member %q", name).Tag(errkind.Processing).Err()
	}
	return nil
}

// serverPath derives the zip member path (relative to files/) from a
// SourceFile's URL, per spec.md section 4.I:
//
//	~/x                 -> _/_/x
//	scheme://host/x      -> scheme/host/x
//	relative url "x"     -> _/_/x
//
// A trailing "#frag" fragment is preserved verbatim at the end of the path.
func serverPath(rawURL string) string {
	url, frag := splitFragment(rawURL)

	var mapped string
	switch {
	case strings.HasPrefix(url, "~/"):
		mapped = "_/_/" + strings.TrimPrefix(url, "~/")
	default:
		if scheme, host, rest, ok := splitSchemeHost(url); ok {
			mapped = scheme + "/" + host + "/" + strings.TrimPrefix(rest, "/")
		} else {
			mapped = "_/_/" + strings.TrimPrefix(url, "/")
		}
	}

	if frag != "" {
		mapped += "#" + frag
	}
	return mapped
}

func splitFragment(url string) (base, frag string) {
	if i := strings.LastIndex(url, "#"); i >= 0 {
		return url[:i], url[i+1:]
	}
	return url, ""
}

func splitSchemeHost(url string) (scheme, host, rest string, ok bool) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", "", "", false
	}
	scheme = url[:i]
	remainder := url[i+3:]
	j := strings.IndexByte(remainder, '/')
	if j < 0 {
		return scheme, remainder, "", true
	}
	return scheme, remainder[:j], remainder[j:], true
}

// disambiguate appends ".1", ".2", ... to path until it is not in used,
// per spec.md section 4.I. Only digits are appended; repeated collisions
// never re-append an existing suffix twice.
func disambiguate(path string, used map[string]bool) string {
	if !used[path] {
		return path
	}
	for i := 1; ; i++ {
		candidate := path + "." + strconv.Itoa(i)
		if !used[candidate] {
			return candidate
		}
	}
}
