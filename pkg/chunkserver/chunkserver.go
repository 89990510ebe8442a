// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package chunkserver implements component 4.E: fetching and interpreting
// ChunkServerOptions from the chunk-upload options endpoint.
package chunkserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
)

// Capability names recognized by the pipeline (spec.md 4.E).
const (
	ChunkedReleaseFiles  = "chunked_release_files"
	ArtifactBundles      = "artifact_bundles"
	ArtifactBundlesV2    = "artifact_bundles_v2"
	DartSymbolMap        = "dart_symbol_map"
	PreprodArtifacts     = "preprod_artifacts"
	DebugFiles           = "debug_files"
	PDBs                 = "pdbs"
	PortablePDBs         = "portable_pdbs"
	Sources              = "sources"
	BcSymbolmap          = "bc_symbolmap"
	Il2cpp               = "il2cpp"
	Proguard             = "proguard"
)

// Options mirrors spec.md "ChunkServerOptions". Immutable once probed.
type Options struct {
	URL               string        `json:"url"`
	ChunkSize         int64         `json:"chunkSize"`
	ChunksPerRequest  int           `json:"chunksPerRequest"`
	MaxRequestSize    int64         `json:"maxRequestSize"`
	MaxFileSize       int64         `json:"maxFileSize"`
	Concurrency       int           `json:"concurrency"`
	HashAlgorithm     string        `json:"hashAlgorithm"`
	Accept            []string      `json:"accept"`
	Compression       []string      `json:"compression"`
	MaxWaitSecs       int           `json:"maxWait"`

	accept map[string]bool
}

// wireOptions is the raw JSON shape of the chunk-upload options endpoint.
type wireOptions Options

// DefaultConcurrency is used when the server does not advertise one.
const DefaultConcurrency = 8

// NoChunkedUpload is returned by Probe when the options endpoint 404s: the
// server doesn't support chunked upload at all (spec.md 4.E).
var NoChunkedUpload = errors.BoolTag{Key: errors.NewTagKey("no chunked upload support")}

// Probe fetches ChunkServerOptions from the given options path
// (e.g. "/api/0/organizations/{org}/chunk-upload/").
func Probe(ctx context.Context, client *httpapi.Client, path string) (Options, error) {
	var body []byte
	err := retry.DoDefault(ctx, func(ctx context.Context) error {
		var err error
		body, err = client.Get(ctx, path)
		return err
	})
	if err != nil {
		if status, ok := errkind.StatusOf(err); ok && status == 404 {
			return Options{}, errors.Annotate(err, "no chunk-upload support").Tag(NoChunkedUpload).Err()
		}
		return Options{}, errors.Annotate(err, "fetching chunk-upload options").Err()
	}

	var w wireOptions
	if err := json.Unmarshal(body, &w); err != nil {
		return Options{}, errors.Annotate(err, "parsing chunk-upload options").Err()
	}
	opts := Options(w)
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = "sha1"
	}
	opts.accept = make(map[string]bool, len(opts.Accept))
	for _, c := range opts.Accept {
		opts.accept[c] = true
	}
	return opts, nil
}

// Supports reports whether the server advertised the given capability.
func (o Options) Supports(capability string) bool {
	return o.accept[capability]
}

// MaxWait returns the server's max wait as a time.Duration.
func (o Options) MaxWait() time.Duration {
	return time.Duration(o.MaxWaitSecs) * time.Second
}

// PreferredCompression picks the highest-ranked algorithm present in both
// clientRanked (most to least preferred) and the server's advertised set.
// Returns "" if none match.
func (o Options) PreferredCompression(clientRanked []string) string {
	serverHas := make(map[string]bool, len(o.Compression))
	for _, c := range o.Compression {
		serverHas[c] = true
	}
	for _, c := range clientRanked {
		if serverHas[c] {
			return c
		}
	}
	return ""
}

// String is used for diagnostics/logging.
func (o Options) String() string {
	return fmt.Sprintf("chunkserver.Options{url=%s chunkSize=%d concurrency=%d accept=%v}",
		o.URL, o.ChunkSize, o.Concurrency, o.Accept)
}
