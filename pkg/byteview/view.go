// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package byteview implements an immutable window over a contiguous byte
// sequence, backed by an in-memory buffer (files are read in full; no
// memory mapping is used).
package byteview

import (
	"io"
	"io/ioutil"
	"os"
)

// View is an immutable, O(1)-sliceable window over bytes.
//
// The zero value is an empty view. Views are cheap to copy: Slice never
// allocates or copies the underlying bytes.
type View struct {
	buf []byte
}

// FromBytes wraps an existing byte slice. The caller must not mutate buf
// afterwards.
func FromBytes(buf []byte) View {
	return View{buf: buf}
}

// FromFile reads the whole file into memory and returns a View over it.
//
// Large files are still read in full: a ByteView could in principle be
// backed by a memory-mapped file, but a straightforward read keeps this
// portable and is what every component here actually needs (chunking and
// hashing require the bytes regardless).
func FromFile(path string) (View, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return View{}, err
	}
	return View{buf: b}, nil
}

// FromOpenFile reads the full contents of an already-open file.
func FromOpenFile(f *os.File) (View, error) {
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return View{}, err
	}
	return View{buf: b}, nil
}

// FromReader drains r and returns a View over its full contents. Used for
// sources whose backing isn't a plain filesystem path, such as a zip
// archive member.
func FromReader(r io.Reader) (View, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return View{}, err
	}
	return View{buf: b}, nil
}

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.buf) }

// Bytes returns the underlying bytes. Callers must treat them as read-only.
func (v View) Bytes() []byte { return v.buf }

// Slice returns the sub-view [start:end). Panics on out-of-range bounds,
// same as a regular slice expression.
func (v View) Slice(start, end int) View {
	return View{buf: v.buf[start:end]}
}

// Chunks splits the view into consecutive slices of at most size bytes
// each, in order. The last slice may be shorter. size must be > 0.
func (v View) Chunks(size int) []View {
	if size <= 0 {
		panic("byteview: chunk size must be positive")
	}
	if len(v.buf) == 0 {
		return nil
	}
	n := (len(v.buf) + size - 1) / size
	out := make([]View, 0, n)
	for off := 0; off < len(v.buf); off += size {
		end := off + size
		if end > len(v.buf) {
			end = len(v.buf)
		}
		out = append(out, v.Slice(off, end))
	}
	return out
}
