// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dif implements component 4.H: the debug-information-file upload
// pipeline, orchestrating discovery (4.D), fingerprinting (4.A), a
// server-side missing-checksums check, chunk upload (4.F) and assembly
// (4.G) into one invocation, and emitting a per-file diagnostic summary.
package dif

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/batch"
	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/discover"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

// Kinds lists the discover.Kind values relevant to a DIF upload, per
// spec.md section 4.H step 1.
var Kinds = []discover.Kind{
	discover.KindDsym,
	discover.KindElf,
	discover.KindPE,
	discover.KindPDB,
	discover.KindPortablePDB,
	discover.KindWasm,
	discover.KindBreakpad,
	discover.KindSources,
	discover.KindProguard,
}

// Summary is the per-file diagnostic report spec.md section 4.H step 7
// requires.
type Summary struct {
	Uploaded       []string
	AlreadyPresent []string
	Failed         []FailedFile
}

// FailedFile pairs a file path with why it could not be fingerprinted,
// uploaded or assembled.
type FailedFile struct {
	Path string
	Err  error
}

// Uploader drives the DIF pipeline for one invocation.
type Uploader struct {
	Client      *httpapi.Client
	Org         string
	Project     string
	ChunkSize   int64
	Options     chunkserver.Options // bounds discover.Batch and the missing-checksums query
	Scheduler   *chunkupload.Scheduler
	Coordinator *assemble.Coordinator
	Diagnostics discover.Diagnostics
}

// missingChecksumsPath matches spec.md section 6's table.
func (u *Uploader) missingChecksumsPath(checksums []digest.Digest) string {
	q := make(url.Values)
	for _, d := range checksums {
		q.Add("checksums", d.String())
	}
	return fmt.Sprintf("/api/0/projects/%s/%s/files/dsyms/unknown/?%s", u.Org, u.Project, q.Encode())
}

func (u *Uploader) reprocessingPath() string {
	return fmt.Sprintf("/api/0/projects/%s/%s/reprocessing/", u.Org, u.Project)
}

// TriggerReprocessing asks the server to reprocess issues affected by this
// upload, grounded on original_source's upload_dif.rs calling
// api.trigger_reprocessing after a successful upload. A 404 means the
// server doesn't support reprocessing at all; that's reported as (false,
// nil), matching the original's "ignore, server doesn't support it"
// handling rather than failing the whole upload over it.
func (u *Uploader) TriggerReprocessing(ctx context.Context) (bool, error) {
	_, err := u.Client.PostJSON(ctx, u.reprocessingPath(), nil)
	if err != nil {
		if status, ok := errkind.StatusOf(err); ok && status == 404 {
			return false, nil
		}
		return false, errors.Annotate(err, "triggering reprocessing").Err()
	}
	return true, nil
}

// sizedDigest adapts digest.Digest to batch.Sized so checksum lists can be
// split the same way discover.Batch splits discovered candidates: "size"
// here is the hex string's length, the actual contribution each checksum
// makes to the query string's length.
type sizedDigest digest.Digest

func (d sizedDigest) Size() int64 { return int64(len(digest.Digest(d).String())) }

type fingerprinted struct {
	candidate discover.Candidate
	total     digest.Digest
	chunks    []digest.Chunk
	chunkIDs  []digest.Digest
}

// Upload runs the full pipeline over roots, filtered by filter (narrowed to
// Kinds unless filter already restricts kinds further), and returns a
// Summary. uctx.Wait/MaxWait bound the assembly phase.
func (u *Uploader) Upload(ctx context.Context, roots []string, filter discover.Filter, uctx uploadctx.Context) (Summary, error) {
	if len(filter.Kinds) == 0 {
		filter.Kinds = Kinds
	}

	diag := u.Diagnostics
	if diag == nil {
		diag = discover.NopDiagnostics{}
	}

	candidates, err := discover.Walk(roots, filter, diag)
	if err != nil {
		return Summary{}, err
	}

	// Batch discovered candidates via 4.B, bounded by the same server limits
	// as chunk upload (spec.md section 4.D's closing rule). The batches are
	// walked in order and every fingerprint lands in one list, so the rest of
	// the pipeline still handles the whole discovered set together.
	candidateBatches := discover.Batch(candidates, u.Options.MaxRequestSize, u.Options.ChunksPerRequest)

	var summary Summary
	var fps []fingerprinted
	for _, b := range candidateBatches {
		for _, c := range b.Items {
			fp, err := u.fingerprint(c)
			if err != nil {
				summary.Failed = append(summary.Failed, FailedFile{Path: c.Path, Err: err})
				continue
			}
			fps = append(fps, fp)
		}
	}
	if len(fps) == 0 {
		return summary, nil
	}

	missing, err := u.missingChecksumsBatched(ctx, fps)
	if err != nil {
		return summary, err
	}

	req := make(assemble.Request)
	chunksByDigest := make(map[digest.Digest]digest.Chunk)
	var toUpload []fingerprinted
	for _, fp := range fps {
		if !missing[fp.total] {
			summary.AlreadyPresent = append(summary.AlreadyPresent, fp.candidate.Path)
			continue
		}
		toUpload = append(toUpload, fp)
		entry := assemble.Entry{
			Name:   fp.candidate.Path,
			Chunks: fp.chunkIDs,
		}
		if fp.candidate.Kind == discover.KindProguard {
			entry.DebugID = fp.candidate.DebugID
		}
		req[fp.total] = entry
		for _, c := range fp.chunks {
			chunksByDigest[c.Digest] = c
		}
	}

	if len(toUpload) == 0 {
		return summary, nil
	}

	var allChunks []digest.Chunk
	for _, fp := range toUpload {
		allChunks = append(allChunks, fp.chunks...)
	}
	if err := u.Scheduler.Upload(ctx, allChunks); err != nil {
		for _, fp := range toUpload {
			summary.Failed = append(summary.Failed, FailedFile{Path: fp.candidate.Path, Err: err})
		}
		return summary, err
	}

	resp, err := u.Coordinator.Run(ctx, req, uctx.Wait, uctx.MaxWait, chunksByDigest)
	if err != nil {
		return summary, err
	}

	for _, fp := range toUpload {
		r, ok := resp[fp.total]
		if !ok {
			summary.Failed = append(summary.Failed, FailedFile{Path: fp.candidate.Path, Err: errors.Reason("no assemble response for %s", fp.candidate.Path).Err()})
			continue
		}
		switch r.State {
		case assemble.OK:
			summary.Uploaded = append(summary.Uploaded, fp.candidate.Path)
		case assemble.Error:
			summary.Failed = append(summary.Failed, FailedFile{Path: fp.candidate.Path, Err: errors.Reason("%s", r.Detail).Tag(errkind.Processing).Err()})
		default:
			logging.Debugf(ctx, "assembly for %s still pending at state %s", fp.candidate.Path, r.State)
		}
	}

	return summary, nil
}

func (u *Uploader) fingerprint(c discover.Candidate) (fingerprinted, error) {
	rc, err := c.Open()
	if err != nil {
		return fingerprinted{}, errors.Annotate(err, "opening %s", c.Path).Tag(errkind.Filesystem).Err()
	}
	defer rc.Close()

	view, err := byteview.FromReader(rc)
	if err != nil {
		return fingerprinted{}, errors.Annotate(err, "reading %s", c.Path).Tag(errkind.Filesystem).Err()
	}

	chunkSize := int(u.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	fp := digest.FingerprintView(view, chunkSize)
	return fingerprinted{candidate: c, total: fp.Total, chunks: fp.Chunks, chunkIDs: fp.ChunkDigests()}, nil
}

// missingChecksumsBatched splits fps' total digests into groups bounded by
// the same chunks-per-request and max-request-size limits as chunk upload
// (spec.md 4.H step 3, resolved against original_source's file_upload.rs),
// rather than querying the whole discovered set in a single unbounded call.
func (u *Uploader) missingChecksumsBatched(ctx context.Context, fps []fingerprinted) (map[digest.Digest]bool, error) {
	sized := make([]sizedDigest, len(fps))
	for i, fp := range fps {
		sized[i] = sizedDigest(fp.total)
	}
	groups := batch.Split(sized, u.Options.MaxRequestSize, u.Options.ChunksPerRequest)

	missing := make(map[digest.Digest]bool)
	for _, g := range groups {
		checksums := make([]digest.Digest, len(g.Items))
		for i, d := range g.Items {
			checksums[i] = digest.Digest(d)
		}
		m, err := u.missingChecksums(ctx, checksums)
		if err != nil {
			return nil, err
		}
		for d := range m {
			missing[d] = true
		}
	}
	return missing, nil
}

func (u *Uploader) missingChecksums(ctx context.Context, checksums []digest.Digest) (map[digest.Digest]bool, error) {
	body, err := u.Client.Get(ctx, u.missingChecksumsPath(checksums))
	if err != nil {
		return nil, errors.Annotate(err, "fetching missing checksums").Err()
	}
	var wire struct {
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errors.Annotate(err, "parsing missing checksums response").Tag(errkind.Parse).Err()
	}
	out := make(map[digest.Digest]bool, len(wire.Missing))
	for _, s := range wire.Missing {
		d, err := digest.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		out[d] = true
	}
	return out, nil
}
