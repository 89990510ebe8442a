// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sourcemap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
)

func TestDiscoverDebugID(t *testing.T) {
	t.Parallel()

	Convey("Finds an existing debugId comment", t, func() {
		id, ok := discoverDebugID("var x=1;\n//# debugId=abc-123\n")
		So(ok, ShouldBeTrue)
		So(id, ShouldEqual, "abc-123")

		_, ok = discoverDebugID("var x=1;\n")
		So(ok, ShouldBeFalse)
	})
}

func TestDiscoverSourceMappingURL(t *testing.T) {
	t.Parallel()

	Convey("Finds the sourceMappingURL comment in the //# or legacy //@ form", t, func() {
		url, ok := discoverSourceMappingURL("var x=1;\n//# sourceMappingURL=app.js.map\n")
		So(ok, ShouldBeTrue)
		So(url, ShouldEqual, "app.js.map")

		url, ok = discoverSourceMappingURL("var x=1;\n//@ sourceMappingURL=legacy.map\n")
		So(ok, ShouldBeTrue)
		So(url, ShouldEqual, "legacy.map")

		_, ok = discoverSourceMappingURL("var x=1;\n")
		So(ok, ShouldBeFalse)
	})
}

func TestFixupJS(t *testing.T) {
	t.Parallel()

	Convey("Moves the sourceMappingURL comment to the end, after the debugId comment", t, func() {
		out := fixupJS("var x=1;\n//# sourceMappingURL=app.js.map\n", "the-id")
		lines := strings.Split(out, "\n")
		So(lines[0], ShouldEqual, "var x=1;")
		So(out, ShouldContainSubstring, "//# debugId=the-id")
		So(strings.Index(out, "//# debugId=the-id"), ShouldBeLessThan, strings.Index(out, "//# sourceMappingURL=app.js.map"))
		So(strings.HasSuffix(out, "//# sourceMappingURL=app.js.map"), ShouldBeTrue)
	})

	Convey("Appends only the snippet and comment when there is no sourceMappingURL", t, func() {
		out := fixupJS("var x=1;\n", "the-id")
		So(out, ShouldContainSubstring, "//# debugId=the-id")
		So(out, ShouldNotContainSubstring, "sourceMappingURL")
	})
}

func TestFixupSourcemap(t *testing.T) {
	t.Parallel()

	Convey("Mints a fresh debug id when absent and round-trips other keys", t, func() {
		id, out, modified, err := fixupSourcemap([]byte(`{"version":3,"sources":["a.js"]}`))
		So(err, ShouldBeNil)
		So(modified, ShouldBeTrue)
		So(id, ShouldNotBeEmpty)

		var doc map[string]json.RawMessage
		So(json.Unmarshal(out, &doc), ShouldBeNil)
		So(doc["debug_id"], ShouldNotBeNil)
		So(string(doc["version"]), ShouldEqual, "3")
	})

	Convey("Reuses an existing debug id without modifying the content", t, func() {
		in := []byte(`{"debug_id":"existing-id","version":3}`)
		id, out, modified, err := fixupSourcemap(in)
		So(err, ShouldBeNil)
		So(modified, ShouldBeFalse)
		So(id, ShouldEqual, "existing-id")
		So(string(out), ShouldEqual, string(in))
	})
}

func TestInject(t *testing.T) {
	t.Parallel()

	Convey("Injects a debug id into a minified JS file and its source map, on disk", t, func() {
		dir := t.TempDir()
		jsPath := filepath.Join(dir, "app.min.js")
		mapPath := filepath.Join(dir, "app.min.js.map")
		jsContent := strings.Repeat("a", 300) + "\n//# sourceMappingURL=app.min.js.map\n"
		mapContent := `{"version":3,"sources":["a.js"]}`

		So(os.WriteFile(jsPath, []byte(jsContent), 0o644), ShouldBeNil)
		So(os.WriteFile(mapPath, []byte(mapContent), 0o644), ShouldBeNil)

		set := &Set{Files: []*SourceFile{
			{URL: "~/app.min.js", Path: jsPath, Kind: KindMinifiedSource, Content: byteview.FromBytes([]byte(jsContent))},
			{URL: "~/app.min.js.map", Path: mapPath, Kind: KindSourceMap, Content: byteview.FromBytes([]byte(mapContent))},
		}}

		report, err := Inject(set)
		So(err, ShouldBeNil)
		So(len(report.Injected), ShouldEqual, 1)
		So(len(report.Sourcemaps), ShouldEqual, 1)
		So(report.Injected[0].DebugID, ShouldEqual, report.Sourcemaps[0].DebugID)

		onDisk, err := os.ReadFile(jsPath)
		So(err, ShouldBeNil)
		So(string(onDisk), ShouldContainSubstring, "//# debugId="+report.Injected[0].DebugID)

		mapOnDisk, err := os.ReadFile(mapPath)
		So(err, ShouldBeNil)
		var doc map[string]json.RawMessage
		So(json.Unmarshal(mapOnDisk, &doc), ShouldBeNil)
		So(doc["debug_id"], ShouldNotBeNil)
	})

	Convey("Skips a file that already has a debug id", t, func() {
		jsContent := strings.Repeat("a", 300) + "\n//# debugId=already-there\n"
		set := &Set{Files: []*SourceFile{
			{URL: "~/app.min.js", Kind: KindMinifiedSource, Content: byteview.FromBytes([]byte(jsContent))},
		}}
		report, err := Inject(set)
		So(err, ShouldBeNil)
		So(len(report.PreviouslyInjected), ShouldEqual, 1)
		So(report.PreviouslyInjected[0].DebugID, ShouldEqual, "already-there")
	})

	Convey("Records a missing-sourcemap diagnostic when the referenced map does not exist", t, func() {
		dir := t.TempDir()
		jsPath := filepath.Join(dir, "app.min.js")
		jsContent := strings.Repeat("a", 300) + "\n//# sourceMappingURL=missing.map\n"
		So(os.WriteFile(jsPath, []byte(jsContent), 0o644), ShouldBeNil)

		set := &Set{Files: []*SourceFile{
			{URL: "~/app.min.js", Path: jsPath, Kind: KindMinifiedSource, Content: byteview.FromBytes([]byte(jsContent))},
		}}
		report, err := Inject(set)
		So(err, ShouldBeNil)
		So(report.MissingSourcemaps, ShouldResemble, []string{jsPath})
	})
}
