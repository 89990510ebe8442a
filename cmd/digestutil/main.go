// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command digestutil prints a file's total digest and chunk digests as
// JSON, wrapping pkg/digest outside of the full CLI dispatcher so
// integration tests can cross-check bundle hashes without driving the
// subcommands.Application.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/chromium-infra/artifactsync/pkg/byteview"
	"github.com/chromium-infra/artifactsync/pkg/digest"
)

type output struct {
	Total  string   `json:"total"`
	Chunks []string `json:"chunks"`
}

func main() {
	chunkSize := pflag.IntP("chunk-size", "c", 1<<20, "Chunk size in bytes.")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: digestutil [-c chunk-size] <path>")
		os.Exit(2)
	}

	view, err := byteview.FromFile(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fp := digest.FingerprintView(view, *chunkSize)
	out := output{Total: fp.Total.String()}
	for _, c := range fp.Chunks {
		out.Chunks = append(out.Chunks, c.Digest.String())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
