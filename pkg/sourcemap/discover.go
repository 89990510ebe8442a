// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// scriptExtensions are the extensions Phase 1 walks for, per spec.md
// section 4.J.
var scriptExtensions = map[string]bool{
	".js":  true,
	".cjs": true,
	".mjs": true,
}

// Discover walks roots for .js/.cjs/.mjs/.map files and classifies each,
// building a Set. urlPrefix (e.g. "~/" or "https://example.com/static/")
// is prepended to each file's root-relative path to form its URL. Files
// over maxFileSize are recorded with an error diagnostic and excluded
// from further phases (spec.md 4.J edge cases, reusing 4.E's size limit).
func Discover(roots []string, urlPrefix string, maxFileSize int64) (*Set, error) {
	set := &Set{}
	for _, root := range roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return errors.Annotate(err, "walking %s", path).Tag(errkind.Filesystem).Err()
			}
			if info.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if !scriptExtensions[ext] && ext != ".map" {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			url := joinURL(urlPrefix, filepath.ToSlash(rel))

			if maxFileSize > 0 && info.Size() > maxFileSize {
				f := &SourceFile{URL: url, Path: path, Kind: kindForExt(ext)}
				f.diag(DiagError, "file exceeds max-file-size (%d > %d), skipped", info.Size(), maxFileSize)
				set.Files = append(set.Files, f)
				return nil
			}

			view, err := byteview.FromFile(path)
			if err != nil {
				return errors.Annotate(err, "reading %s", path).Tag(errkind.Filesystem).Err()
			}

			f := &SourceFile{URL: url, Path: path, Content: view}
			if ext == ".map" {
				f.Kind = classifyMap(view.Bytes())
			} else {
				f.Kind = classifyScript(view.Bytes())
			}
			set.Files = append(set.Files, f)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

func kindForExt(ext string) Kind {
	if ext == ".map" {
		return KindSourceMap
	}
	return KindSource
}

// joinURL concatenates prefix and rel, normalizing the single separator
// between them; prefix is expected to already end in "/" for most
// callers (e.g. "~/"), but this tolerates either form.
func joinURL(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(rel, "/")
}

// classifyMap decodes just enough of a .map file's top level to tell an
// indexed source map (a "sections" array) from a regular one.
func classifyMap(data []byte) Kind {
	var probe struct {
		Sections json.RawMessage `json:"sections"`
	}
	if json.Unmarshal(data, &probe) == nil && len(probe.Sections) > 0 {
		return KindIndexedBundle
	}
	return KindSourceMap
}

// classifyScript applies the minified heuristic from spec.md section
// 4.J: a short sample of lines with a high average length and a low
// ratio of leading/trailing whitespace is treated as minified.
func classifyScript(data []byte) Kind {
	if looksMinified(data) {
		return KindMinifiedSource
	}
	return KindSource
}

// looksMinified samples up to the first 50 non-empty lines of data and
// flags it minified when the average line length exceeds 200 characters
// and fewer than 10% of sampled lines have any leading indentation —
// the two signals real hand-written JS essentially never both exhibits
// at once, while bundler output (one or a few very long lines) always
// does.
func looksMinified(data []byte) bool {
	const sampleLimit = 50
	const avgLenThreshold = 200
	const indentRatioThreshold = 0.10

	lines := strings.Split(string(data), "\n")
	var sampled, totalLen, indented int
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		sampled++
		totalLen += len(line)
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			indented++
		}
		if sampled >= sampleLimit {
			break
		}
	}
	if sampled == 0 {
		return false
	}
	avgLen := float64(totalLen) / float64(sampled)
	indentRatio := float64(indented) / float64(sampled)
	return avgLen > avgLenThreshold && indentRatio < indentRatioThreshold
}
