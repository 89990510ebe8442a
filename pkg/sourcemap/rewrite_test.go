// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	Convey("Collapses ./ and preserves the ~/ marker and fragment", t, func() {
		So(normalizeURL("~/foo/./bar.js"), ShouldEqual, "~/foo/bar.js")
		So(normalizeURL("foo/./bar.js#frag"), ShouldEqual, "foo/bar.js#frag")
		So(normalizeURL("~/"), ShouldEqual, "~/")
	})
}

func TestRewrite(t *testing.T) {
	t.Parallel()

	Convey("Rewrites absolute sources under the project root to ~/relative form", t, func() {
		mapContent := []byte(`{"version":3,"sources":["/proj/src/a.js","/other/b.js"],"sourcesContent":["a","b"]}`)
		set := &Set{Files: []*SourceFile{
			{URL: "~/app.js.map", Kind: KindSourceMap, Content: byteview.FromBytes(mapContent)},
		}}

		err := Rewrite(set, "/proj")
		So(err, ShouldBeNil)

		var doc map[string]json.RawMessage
		So(json.Unmarshal(set.Files[0].Content.Bytes(), &doc), ShouldBeNil)
		var sources []string
		So(json.Unmarshal(doc["sources"], &sources), ShouldBeNil)
		So(sources[0], ShouldEqual, "~/src/a.js")
		So(sources[1], ShouldEqual, "/other/b.js") // not under the root, untouched
	})

	Convey("Leaves a map with no absolute sources byte-identical", t, func() {
		mapContent := []byte(`{"version":3,"sources":["a.js"]}`)
		set := &Set{Files: []*SourceFile{
			{URL: "~/app.js.map", Kind: KindSourceMap, Content: byteview.FromBytes(mapContent)},
		}}
		err := Rewrite(set, "/proj")
		So(err, ShouldBeNil)
		So(string(set.Files[0].Content.Bytes()), ShouldEqual, string(mapContent))
	})
}
