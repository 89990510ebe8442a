// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command artifactsync uploads build artifacts (debug information files,
// source maps, preprod mobile archives, proguard mappings) to an
// issue-tracking backend's ingestion API.
package main

import (
	"os"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging/gologger"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func app() *cli.Application {
	return &cli.Application{
		Name:    "artifactsync",
		Title:   "Uploads build artifacts to the issue-tracking backend.",
		Context: logCfg.Use,
		Commands: []*subcommands.Command{
			cmdUploadDIF,
			cmdSourcemaps,
			cmdBuildUpload,
			cmdUploadProguard,

			subcommands.CmdHelp,
		},
	}
}

func main() {
	os.Exit(subcommands.Run(app(), nil))
}
