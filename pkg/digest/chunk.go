// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package digest

import "github.com/chromium-infra/artifactsync/pkg/byteview"

// Chunk is a fixed-size slice of a file, addressed by the SHA-1 digest of
// its bytes (spec.md "Chunk"). Digest must equal Of(Data.Bytes()); callers
// that construct a Chunk directly (rather than via FingerprintView) are
// responsible for this invariant.
type Chunk struct {
	Digest Digest
	Data   byteview.View
}

// Fingerprint is the (total, ordered chunk digests) pair of a file
// (spec.md "FileFingerprint"). Concatenating the Chunks (in Data order)
// reproduces the original bytes, and Total == Of(those bytes).
type Fingerprint struct {
	Total  Digest
	Chunks []Chunk
}

// ChunkDigests returns just the ordered digest list, as used in an
// AssembleRequest entry.
func (f Fingerprint) ChunkDigests() []Digest {
	out := make([]Digest, len(f.Chunks))
	for i, c := range f.Chunks {
		out[i] = c.Digest
	}
	return out
}

// FingerprintView computes a Fingerprint for v, splitting it into chunkSize
// chunks (component 4.A's `split_and_digest`, wired to carry the byte data
// alongside each digest so the chunk scheduler (4.F) doesn't need to
// re-slice the view).
func FingerprintView(v byteview.View, chunkSize int) Fingerprint {
	total, digests := Split(v, chunkSize)
	slices := v.Chunks(chunkSize)
	chunks := make([]Chunk, len(slices))
	for i, s := range slices {
		chunks[i] = Chunk{Digest: digests[i], Data: s}
	}
	return Fingerprint{Total: total, Chunks: chunks}
}
