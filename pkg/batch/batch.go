// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package batch splits an ordered sequence of sized items into batches
// bounded by a cumulative size and a maximum count (spec.md component 4.B).
package batch

// Sized is implemented by anything that can be batched.
type Sized interface {
	Size() int64
}

// Batch is one partition of the input: the items it holds, in order, and
// their cumulative size.
type Batch[T Sized] struct {
	Items   []T
	CumSize int64
}

// Split partitions items into batches such that:
//   - a batch always holds at least one item, even if that item alone
//     exceeds maxCumSize;
//   - a batch closes (and a new one starts) when appending the next item
//     would push CumSize over maxCumSize, or when it already holds
//     maxCount items, or at end of input;
//   - items are never reordered.
//
// maxCount <= 0 means "unbounded by count". maxCumSize <= 0 means
// "unbounded by size".
func Split[T Sized](items []T, maxCumSize int64, maxCount int) []Batch[T] {
	var out []Batch[T]
	var cur Batch[T]

	flush := func() {
		if len(cur.Items) > 0 {
			out = append(out, cur)
			cur = Batch[T]{}
		}
	}

	for _, item := range items {
		sz := item.Size()

		if len(cur.Items) > 0 {
			overCount := maxCount > 0 && len(cur.Items) >= maxCount
			overSize := maxCumSize > 0 && cur.CumSize+sz > maxCumSize
			if overCount || overSize {
				flush()
			}
		}

		cur.Items = append(cur.Items, item)
		cur.CumSize += sz
	}
	flush()

	return out
}
