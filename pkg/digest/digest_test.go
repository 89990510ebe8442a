// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package digest

import (
	"bytes"
	"testing"

	"github.com/chromium-infra/artifactsync/pkg/byteview"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDigest(t *testing.T) {
	t.Parallel()

	Convey("Empty digest matches the well-known SHA-1 of the empty string", t, func() {
		So(Empty.String(), ShouldEqual, "da39a3ee5e6b4b0d3255bfef95601890afd80709")
		So(OfView(byteview.FromBytes(nil)).String(), ShouldEqual, Empty.String())
	})

	Convey("Split", t, func() {
		Convey("empty view has zero chunks and total == digest of empty", func() {
			total, chunks := Split(byteview.FromBytes(nil), 8)
			So(total, ShouldResemble, Empty)
			So(chunks, ShouldBeEmpty)
		})

		Convey("view exactly one chunk_size long produces exactly one chunk", func() {
			buf := bytes.Repeat([]byte{0x42}, 16)
			total, chunks := Split(byteview.FromBytes(buf), 16)
			So(chunks, ShouldHaveLength, 1)
			So(chunks[0], ShouldResemble, total)
			So(chunks[0], ShouldResemble, OfView(byteview.FromBytes(buf)))
		})

		Convey("concatenation round-trips and per-chunk digests match", func() {
			buf := make([]byte, 0, 100)
			for i := 0; i < 100; i++ {
				buf = append(buf, byte(i))
			}
			view := byteview.FromBytes(buf)
			total, chunks := Split(view, 7)

			So(total, ShouldResemble, OfView(view))

			fp := FingerprintView(view, 7)
			So(fp.ChunkDigests(), ShouldResemble, chunks)

			var reassembled []byte
			for _, c := range fp.Chunks {
				reassembled = append(reassembled, c.Data.Bytes()...)
			}
			So(reassembled, ShouldResemble, buf)

			for _, c := range fp.Chunks {
				So(c.Digest, ShouldResemble, OfView(c.Data))
			}

			// Last chunk is shorter since 100 is not a multiple of 7.
			last := fp.Chunks[len(fp.Chunks)-1]
			So(last.Data.Len(), ShouldEqual, 100%7)
		})
	})

	Convey("Parse round-trips String", t, func() {
		d := Of([]byte("hello world"))
		parsed, err := Parse(d.String())
		So(err, ShouldBeNil)
		So(parsed, ShouldResemble, d)

		_, err = Parse("not-hex")
		So(err, ShouldNotBeNil)

		_, err = Parse("ab")
		So(err, ShouldNotBeNil)
	})
}
