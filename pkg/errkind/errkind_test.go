// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errkind

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestWithStatus(t *testing.T) {
	t.Parallel()

	Convey("Retryable statuses are tagged Transport", t, func() {
		for _, status := range []int{408, 429, 500, 503} {
			err := WithStatus(errors.New("boom"), status)
			So(Transport.In(err), ShouldBeTrue)
			So(Retryable(err), ShouldBeTrue)
			gotStatus, ok := StatusOf(err)
			So(ok, ShouldBeTrue)
			So(gotStatus, ShouldEqual, status)
		}
	})

	Convey("Other 4xx statuses are tagged Protocol and not retryable", t, func() {
		err := WithStatus(errors.New("nope"), 404)
		So(Protocol.In(err), ShouldBeTrue)
		So(Retryable(err), ShouldBeFalse)
	})

	Convey("nil passes through", t, func() {
		So(WithStatus(nil, 500), ShouldBeNil)
	})
}
