// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDiscover(t *testing.T) {
	t.Parallel()

	Convey("Walks roots, classifying by extension and minified-ness", t, func() {
		dir := t.TempDir()
		So(os.WriteFile(filepath.Join(dir, "app.js"), []byte("function hi() {\n  console.log('hi');\n}\n"), 0o644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "app.min.js"), []byte(strings.Repeat("a", 500)+"\n"), 0o644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "app.min.js.map"), []byte(`{"version":3,"sources":["a.js"]}`), 0o644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "bundle.map"), []byte(`{"version":3,"sections":[]}`), 0o644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644), ShouldBeNil)

		set, err := Discover([]string{dir}, "~/", 0)
		So(err, ShouldBeNil)
		So(len(set.Files), ShouldEqual, 4)

		byURL := map[string]*SourceFile{}
		for _, f := range set.Files {
			byURL[f.URL] = f
		}
		So(byURL["~/app.js"].Kind, ShouldEqual, KindSource)
		So(byURL["~/app.min.js"].Kind, ShouldEqual, KindMinifiedSource)
		So(byURL["~/app.min.js.map"].Kind, ShouldEqual, KindSourceMap)
		So(byURL["~/bundle.map"].Kind, ShouldEqual, KindIndexedBundle)
	})

	Convey("Flags oversized files with an error diagnostic instead of reading them", t, func() {
		dir := t.TempDir()
		big := strings.Repeat("x", 1024)
		So(os.WriteFile(filepath.Join(dir, "big.js"), []byte(big), 0o644), ShouldBeNil)

		set, err := Discover([]string{dir}, "", 10)
		So(err, ShouldBeNil)
		So(len(set.Files), ShouldEqual, 1)
		So(set.Files[0].Content.Len(), ShouldEqual, 0)
		So(len(set.Files[0].Diagnostics), ShouldEqual, 1)
		So(set.Files[0].Diagnostics[0].Level, ShouldEqual, DiagError)
	})
}
