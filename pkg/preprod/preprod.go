// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package preprod implements component 4.K: uploading a single
// pre-production mobile archive (.apk, .aab, .ipa, .xcarchive.zip) as one
// AssembleRequest entry, with optional VCS metadata.
package preprod

import (
	"context"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

// VCS carries optional version-control context for the archive, per
// spec.md section 4.K step 4. Empty fields are omitted from the wire
// request entirely (assemble.Entry already tags every VCS field omitempty).
type VCS struct {
	Provider     string
	HeadRepoName string
	BaseRepoName string
	HeadRef      string
	BaseRef      string
	HeadSHA      string
	BaseSHA      string
}

func (v VCS) apply(e *assemble.Entry) {
	e.Provider = v.Provider
	e.HeadRepoName = v.HeadRepoName
	e.BaseRepoName = v.BaseRepoName
	e.HeadRef = v.HeadRef
	e.BaseRef = v.BaseRef
	e.HeadSHA = v.HeadSHA
	e.BaseSHA = v.BaseSHA
}

// Uploader uploads one preprod archive. Coordinator already carries the
// HTTP client, assemble path, and chunk scheduler it needs.
type Uploader struct {
	ChunkSize   int64
	Coordinator *assemble.Coordinator
}

// Upload reads the whole archive at path into memory, fingerprints it,
// posts exactly one AssembleRequest entry named name, uploads chunks the
// server reports missing, and drives assembly to completion.
func (u *Uploader) Upload(ctx context.Context, path, name string, vcs VCS, uctx uploadctx.Context) (assemble.Response, error) {
	view, err := byteview.FromFile(path)
	if err != nil {
		return assemble.Response{}, errors.Annotate(err, "reading %s", path).Tag(errkind.Filesystem).Err()
	}

	chunkSize := int(u.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	fp := digest.FingerprintView(view, chunkSize)

	entry := assemble.Entry{Name: name, Chunks: fp.ChunkDigests()}
	vcs.apply(&entry)

	req := assemble.Request{fp.Total: entry}

	chunksByDigest := make(map[digest.Digest]digest.Chunk, len(fp.Chunks))
	for _, c := range fp.Chunks {
		chunksByDigest[c.Digest] = c
	}

	resp, err := u.Coordinator.Run(ctx, req, uctx.Wait, uctx.MaxWait, chunksByDigest)
	if err != nil {
		return assemble.Response{}, err
	}
	return resp[fp.Total], nil
}
