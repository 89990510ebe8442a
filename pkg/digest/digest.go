// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package digest computes SHA-1 content digests over byteview.View values,
// implementing component 4.A of the upload pipeline: a single pass that
// produces both the digest of the whole view and the digests of its
// fixed-size chunks.
package digest

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
)

// Size is the length in bytes of a Digest.
const Size = sha1.Size

// Digest is a 20-byte SHA-1 value, printed as lowercase hex.
type Digest [Size]byte

// Empty is the digest of a zero-length byte sequence.
var Empty = Of(nil)

// Of returns the SHA-1 digest of b.
func Of(b []byte) Digest {
	return Digest(sha1.Sum(b))
}

// OfView returns the SHA-1 digest of the whole view (component 4.A's
// `digest` operation).
func OfView(v byteview.View) Digest {
	return Of(v.Bytes())
}

// String renders the digest as lowercase hex, e.g. the digest of the empty
// string is "da39a3ee5e6b4b0d3255bfef95601890afd80709".
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value (never a valid SHA-1 digest of
// anything we compute ourselves, used as a "not set" sentinel).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a lowercase (or uppercase) hex-encoded digest string.
func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	if len(b) != Size {
		return Digest{}, errInvalidLength(len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

type errInvalidLength int

func (e errInvalidLength) Error() string {
	return "digest: invalid length"
}

// Split computes both the total digest of v and the digests of its
// chunkSize-bounded slices in a single pass.
//
// Guarantees (spec.md 4.A): concatenating the chunk byte slices reproduces
// v exactly, and total == OfView(v).
func Split(v byteview.View, chunkSize int) (total Digest, chunks []Digest) {
	h := sha1.New()
	slices := v.Chunks(chunkSize)
	chunks = make([]Digest, len(slices))
	for i, s := range slices {
		h.Write(s.Bytes())
		chunks[i] = OfView(s)
	}
	var sum [Size]byte
	copy(sum[:], h.Sum(nil))
	total = Digest(sum)
	return total, chunks
}
