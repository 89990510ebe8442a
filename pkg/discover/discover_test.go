// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package discover

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type collectDiag struct{ msgs []string }

func (c *collectDiag) Warn(path, msg string) { c.msgs = append(c.msgs, path+": "+msg) }

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestWalk(t *testing.T) {
	t.Parallel()

	Convey("Walks a tree, classifies, skips dotfiles, dedupes by (kind, debug id)", t, func() {
		dir := t.TempDir()
		writeFile(t, dir, "module.sym", []byte("MODULE Linux x86_64 ABCDEF1234 libfoo.so\nINFO ...\n"))
		writeFile(t, dir, "nested/dup.sym", []byte("MODULE Linux x86_64 ABCDEF1234 libfoo2.so\nINFO ...\n"))
		writeFile(t, dir, ".hidden/module3.sym", []byte("MODULE Linux x86_64 FFFFFF0000 libbar.so\nINFO ...\n"))
		writeFile(t, dir, "unrelated.bin", []byte{0x01, 0x02, 0x03})

		diag := &collectDiag{}
		cands, err := Walk([]string{dir}, Filter{Kinds: []Kind{KindBreakpad}}, diag)
		So(err, ShouldBeNil)
		So(len(cands), ShouldEqual, 1)
		So(cands[0].DebugID, ShouldEqual, "ABCDEF1234")

		found := false
		for _, m := range diag.msgs {
			if strings.Contains(m, "duplicate debug id") {
				found = true
			}
		}
		So(found, ShouldBeTrue)
	})

	Convey("A missing root is a fatal error", t, func() {
		diag := &collectDiag{}
		_, err := Walk([]string{"/does/not/exist/anywhere"}, Filter{}, diag)
		So(err, ShouldNotBeNil)
	})

	Convey("Descends into zip members when AllowZips is set", t, func() {
		dir := t.TempDir()
		zipPath := filepath.Join(dir, "bundle.zip")
		f, err := os.Create(zipPath)
		So(err, ShouldBeNil)
		zw := zip.NewWriter(f)
		w, err := zw.Create("module.sym")
		So(err, ShouldBeNil)
		_, err = w.Write([]byte("MODULE Linux x86_64 0011223344 libbaz.so\n"))
		So(err, ShouldBeNil)
		So(zw.Close(), ShouldBeNil)
		So(f.Close(), ShouldBeNil)

		cands, err := Walk([]string{dir}, Filter{AllowZips: true}, NopDiagnostics{})
		So(err, ShouldBeNil)
		So(len(cands), ShouldEqual, 1)
		So(cands[0].Kind, ShouldEqual, KindBreakpad)
		So(cands[0].DebugID, ShouldEqual, "0011223344")

		rc, err := cands[0].Open()
		So(err, ShouldBeNil)
		defer rc.Close()
	})

	Convey("Proguard mapping files get a stable UUID-5 debug id", t, func() {
		dir := t.TempDir()
		writeFile(t, dir, "mapping.txt", []byte("com.foo.Bar -> a:\n    void method() -> a\n"))

		cands1, err := Walk([]string{dir}, Filter{}, NopDiagnostics{})
		So(err, ShouldBeNil)
		So(len(cands1), ShouldEqual, 1)
		So(cands1[0].Kind, ShouldEqual, KindProguard)

		cands2, err := Walk([]string{dir}, Filter{}, NopDiagnostics{})
		So(err, ShouldBeNil)
		So(cands2[0].DebugID, ShouldEqual, cands1[0].DebugID)
	})
}

func TestBatch(t *testing.T) {
	t.Parallel()

	Convey("Batches candidates bounded by size and count", t, func() {
		cands := []Candidate{
			{Path: "a", FileSize: 10},
			{Path: "b", FileSize: 10},
			{Path: "c", FileSize: 10},
		}
		batches := Batch(cands, 25, 2)
		So(len(batches), ShouldEqual, 2)
		So(len(batches[0].Items), ShouldEqual, 2)
		So(len(batches[1].Items), ShouldEqual, 1)
	})
}
