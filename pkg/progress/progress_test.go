// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package progress

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
)

func TestSinkNonTTY(t *testing.T) {
	t.Parallel()

	Convey("Never panics and reports step/total/done as plain text when not a TTY", t, func() {
		var buf bytes.Buffer
		s := &Sink{Out: &buf, ForceText: true}

		var sink chunkupload.Sink = s
		So(func() {
			sink.Step("uploading chunks")
			sink.BytesTotal(1024)
			sink.BytesDone(512)
			sink.BytesDone(512)
			sink.Done()
		}, ShouldNotPanic)

		So(buf.String(), ShouldContainSubstring, "uploading chunks")
	})

	Convey("Handles zero total without dividing by zero or panicking", t, func() {
		var buf bytes.Buffer
		s := &Sink{Out: &buf, ForceText: true}
		So(func() {
			s.Step("discovering")
			s.BytesDone(10)
			s.Done()
		}, ShouldNotPanic)
	})
}
