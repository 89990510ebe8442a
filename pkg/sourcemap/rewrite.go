// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"encoding/json"
	"path"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// Rewrite implements Phase 2: normalizes every file's URL (collapsing
// "./" segments), and for every source-map file whose embedded "sources"
// entries are filesystem-absolute and fall under projectRoot, rewrites
// them to "~/relative" form.
func Rewrite(set *Set, projectRoot string) error {
	for _, f := range set.Files {
		f.URL = normalizeURL(f.URL)
	}
	for _, f := range set.Files {
		if f.Kind != KindSourceMap && f.Kind != KindIndexedBundle {
			continue
		}
		if err := rewriteMapSources(f, projectRoot); err != nil {
			return errors.Annotate(err, "rewriting %s", f.URL).Tag(errkind.Parse).Err()
		}
	}
	return nil
}

// normalizeURL collapses "./" and ".." segments using path.Clean while
// preserving a leading "~/" marker (path.Clean would otherwise treat "~"
// as an ordinary path segment, which is what we want — it just also
// collapses any "//" introduced by naive joins). A leading "scheme://"
// is kept as is.
func normalizeURL(url string) string {
	tilde := strings.HasPrefix(url, "~/")
	rest := url
	if tilde {
		rest = strings.TrimPrefix(url, "~/")
	}
	frag := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		frag = rest[i:]
		rest = rest[:i]
	}
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 && !tilde {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	cleaned := path.Clean(rest)
	if cleaned == "." {
		cleaned = ""
	}
	if tilde {
		return "~/" + cleaned + frag
	}
	return scheme + cleaned + frag
}

// rewriteMapSources decodes f's JSON content, rewrites any
// filesystem-absolute "sources" entries under projectRoot to "~/relative"
// form, and re-serializes. A map with no "sources" array, or one with no
// rewritable entries, is left byte-identical.
func rewriteMapSources(f *SourceFile, projectRoot string) error {
	if projectRoot == "" || f.Content.Len() == 0 {
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(f.Content.Bytes(), &doc); err != nil {
		return err
	}
	rawSources, ok := doc["sources"]
	if !ok {
		return nil
	}
	var sources []string
	if err := json.Unmarshal(rawSources, &sources); err != nil {
		return err
	}

	changed := false
	for i, src := range sources {
		if !path.IsAbs(src) {
			continue
		}
		rel := strings.TrimPrefix(src, projectRoot)
		if rel == src {
			continue // not under projectRoot
		}
		if !strings.HasSuffix(projectRoot, "/") && !strings.HasPrefix(rel, "/") {
			continue // a sibling that only shares projectRoot's name as a prefix
		}
		sources[i] = "~/" + strings.TrimPrefix(rel, "/")
		changed = true
	}
	if !changed {
		return nil
	}

	encoded, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	doc["sources"] = encoded

	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.Content = byteview.FromBytes(out)
	return nil
}
