// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package discover implements component 4.D: walking a set of root paths,
// classifying each regular file as an archive or an object of some Kind,
// optionally descending into zip archives, extracting debug ids without
// reading whole files, deduplicating by (debug id, kind), and batching the
// survivors for upload.
//
// The walk shape (filepath.Walk over a root, collecting matches, erroring
// on an unreadable root) is grounded on cloudbuildhelper's own
// gitignore/excluder.go's findGitignores; the zip-descent idiom follows
// cloudbuildhelper's own cmd/package_index/kzip.go, which also walks into
// zip members treating each as a virtual file.
package discover

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/batch"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// Kind identifies the debug-information format of a discovered file.
type Kind string

const (
	KindDsym        Kind = "dsym"
	KindElf         Kind = "elf"
	KindPE          Kind = "pe"
	KindPDB         Kind = "pdb"
	KindPortablePDB Kind = "portable-pdb"
	KindWasm        Kind = "wasm"
	KindBreakpad    Kind = "breakpad"
	KindSources     Kind = "sources"
	KindProguard    Kind = "proguard"
	KindUnknown     Kind = "unknown"
)

// Diagnostics receives non-fatal per-item problems encountered during a
// walk (unreadable file, dropped duplicate, unclassifiable entry).
type Diagnostics interface {
	Warn(path, msg string)
}

// NopDiagnostics discards all diagnostics.
type NopDiagnostics struct{}

func (NopDiagnostics) Warn(string, string) {}

// Class is a bitmask of the object-class dimension of spec.md section
// 4.D's filter set {kind, debug-id, class, size-max, allow-zips}, grounded
// on original_source's upload_dif.rs / symbolic::ObjectClass
// (Executable, Library, Debug). ClassNone (zero) means the candidate's
// kind doesn't carry a class distinction (e.g. sources, proguard), and
// such candidates always pass a class filter.
type Class uint8

const (
	ClassNone       Class = 0
	ClassExecutable Class = 1 << (iota - 1)
	ClassLibrary
	ClassDebug
	ClassUnwind
)

// Has reports whether any of want's bits are set in c.
func (c Class) Has(want Class) bool { return c&want != 0 }

// Filter narrows a walk's results.
type Filter struct {
	Kinds     []Kind // empty means "any kind"
	DebugID   string // empty means "any id"
	Classes   Class  // 0 means "any class"; otherwise a candidate must share a bit
	SizeMax   int64  // 0 means unbounded
	AllowZips bool
}

func (f Filter) allowsKind(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

func (f Filter) allowsClass(c Class) bool {
	if f.Classes == ClassNone || c == ClassNone {
		return true
	}
	return c.Has(f.Classes)
}

// Candidate is one file surviving discovery, ready for fingerprinting.
type Candidate struct {
	// Path is the real filesystem path; for a zip member it is the
	// archive's path with the member name appended after a "!" separator,
	// e.g. "bundle.zip!lib/libfoo.so".
	Path      string
	Kind      Kind
	DebugID   string
	Class     Class
	FileSize  int64

	open func() (io.ReadCloser, error)
}

// Open returns a fresh reader over the candidate's content.
func (c Candidate) Open() (io.ReadCloser, error) { return c.open() }

// Size implements batch.Sized.
func (c Candidate) Size() int64 { return c.FileSize }

// Walk recursively visits roots and returns the filtered, deduplicated set
// of candidates. A missing root is fatal; an unreadable file is reported
// via diag and the walk continues.
func Walk(roots []string, filter Filter, diag Diagnostics) ([]Candidate, error) {
	if diag == nil {
		diag = NopDiagnostics{}
	}

	var out []Candidate
	seen := make(map[string]bool) // key: kind + "\x00" + debugID

	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return nil, errors.Annotate(err, "root path %q", root).Tag(errkind.Filesystem).Err()
		}

		err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				diag.Warn(path, err.Error())
				return nil
			}
			base := filepath.Base(path)
			if path != root && strings.HasPrefix(base, ".") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if hasDotDotSegment(path) {
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if info.Mode()&os.ModeSymlink != 0 {
				resolved, err := filepath.EvalSymlinks(path)
				if err != nil {
					diag.Warn(path, err.Error())
					return nil
				}
				rinfo, err := os.Stat(resolved)
				if err != nil {
					diag.Warn(path, err.Error())
					return nil
				}
				if rinfo.IsDir() {
					return nil
				}
				path = resolved
				info = rinfo
			}

			cands, err := discoverOne(path, info.Size(), filter, diag)
			if err != nil {
				diag.Warn(path, err.Error())
				return nil
			}
			for _, c := range cands {
				if !filter.allowsKind(c.Kind) {
					continue
				}
				if filter.DebugID != "" && c.DebugID != filter.DebugID {
					continue
				}
				if !filter.allowsClass(c.Class) {
					continue
				}
				if filter.SizeMax > 0 && c.FileSize > filter.SizeMax {
					diag.Warn(c.Path, "exceeds max file size")
					continue
				}
				key := string(c.Kind) + "\x00" + c.DebugID
				if c.DebugID != "" {
					if seen[key] {
						diag.Warn(c.Path, "duplicate debug id for kind "+string(c.Kind)+", dropped")
						continue
					}
					seen[key] = true
				}
				out = append(out, c)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func hasDotDotSegment(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// discoverOne classifies a single filesystem path, expanding into zip
// members when filter.AllowZips and the file is a zip archive.
func discoverOne(path string, size int64, filter Filter, diag Diagnostics) ([]Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 8)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	if filter.AllowZips && isZipMagic(head) {
		return discoverZip(path, size)
	}

	kind, err := classify(head, path)
	if err != nil {
		return nil, err
	}
	if kind == KindUnknown {
		return nil, nil
	}

	debugID, err := extractDebugID(path, kind)
	if err != nil {
		diag.Warn(path, "debug id extraction: "+err.Error())
	}

	class, err := classifyClass(f, kind)
	if err != nil {
		diag.Warn(path, "class classification: "+err.Error())
	}

	pathCopy := path
	return []Candidate{{
		Path:     path,
		Kind:     kind,
		DebugID:  debugID,
		Class:    class,
		FileSize: size,
		open:     func() (io.ReadCloser, error) { return os.Open(pathCopy) },
	}}, nil
}

func isZipMagic(head []byte) bool {
	return len(head) >= 4 && head[0] == 'P' && head[1] == 'K' && (head[2] == 0x03 || head[2] == 0x05 || head[2] == 0x07)
}

// discoverZip opens archivePath as a zip and treats each member as a
// virtual file, per spec.md section 4.D.
func discoverZip(archivePath string, archiveSize int64) ([]Candidate, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, errors.Annotate(err, "opening zip %q", archivePath).Err()
	}
	defer r.Close()

	var out []Candidate
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			continue
		}
		head := make([]byte, 8)
		n, _ := io.ReadFull(rc, head)
		head = head[:n]
		rc.Close()

		kind, err := classify(head, zf.Name)
		if err != nil || kind == KindUnknown {
			continue
		}

		memberName := zf.Name
		archive := archivePath
		debugID, _ := extractDebugIDFromZipMember(archive, memberName, kind)

		out = append(out, Candidate{
			Path:     archivePath + "!" + memberName,
			Kind:     kind,
			DebugID:  debugID,
			Class:    classifyZipMemberClass(kind),
			FileSize: int64(zf.UncompressedSize64),
			open: func() (io.ReadCloser, error) {
				zr, err := zip.OpenReader(archive)
				if err != nil {
					return nil, err
				}
				for _, f := range zr.File {
					if f.Name == memberName {
						inner, err := f.Open()
						if err != nil {
							zr.Close()
							return nil, err
						}
						return zipMemberReader{inner, zr}, nil
					}
				}
				zr.Close()
				return nil, errors.Reason("member %q vanished from %q", memberName, archive).Err()
			},
		})
	}
	return out, nil
}

type zipMemberReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z zipMemberReader) Close() error {
	err1 := z.ReadCloser.Close()
	err2 := z.archive.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func extractDebugIDFromZipMember(archivePath, memberName string, kind Kind) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", err
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != memberName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return extractDebugIDFromReader(rc, kind)
	}
	return "", nil
}

// Batch splits candidates into groups of at most maxCumSize total bytes
// and at most maxCount candidates (spec.md section 4.D's closing rule,
// reusing 4.B); the DIF uploader passes the server's max_request_size and
// chunks_per_request.
func Batch(candidates []Candidate, maxCumSize int64, maxCount int) []batch.Batch[Candidate] {
	return batch.Split(candidates, maxCumSize, maxCount)
}
