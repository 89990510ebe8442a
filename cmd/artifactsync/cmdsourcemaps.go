// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/metrics"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/sourcemap"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

// sourcemapsGroup dispatches "sourcemaps <sub-command>" to its own
// sub-application, the way audit.go's AuditCmd does.
type sourcemapsGroup struct {
	subcommands.CommandRunBase
}

// cmdSourcemaps is the single top-level "sourcemaps" entry; its "upload"
// and "inject" sub-dispatches live in GetCommands below.
var cmdSourcemaps = &subcommands.Command{
	UsageLine: "sourcemaps <sub-command>",
	ShortDesc: "uploads or injects JavaScript source maps",
	LongDesc:  "Collection of commands for processing and uploading JavaScript source maps.",
	CommandRun: func() subcommands.CommandRun {
		return &sourcemapsGroup{}
	},
}

func (g *sourcemapsGroup) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	d := a.(*cli.Application)
	return subcommands.Run(&sourcemapsApp{*d}, args)
}

type sourcemapsApp struct {
	cli.Application
}

func (sourcemapsApp) GetCommands() []*subcommands.Command {
	return []*subcommands.Command{
		subcommands.CmdHelp,
		cmdSourcemapsUploadRun,
		cmdSourcemapsInjectRun,
	}
}

var cmdSourcemapsUploadRun = &subcommands.Command{
	UsageLine: "upload <paths>",
	ShortDesc: "discovers, rewrites and uploads source maps",
	CommandRun: func() subcommands.CommandRun {
		c := &sourcemapsUploadRun{}
		c.init()
		return c
	},
}

type sourcemapsUploadRun struct {
	commandBase

	paths []string

	release           string
	dist              string
	urlPrefix         string
	noRewrite         bool
	stripPrefix       string
	stripCommonPrefix bool
	bundle            bool
	noDedupe          bool
}

func (c *sourcemapsUploadRun) init() {
	c.commandBase.initVariadic(c.exec, nil, &c.paths)

	c.Flags.StringVar(&c.release, "release", "", "Release name these source maps belong to (required unless the server supports artifact bundles).")
	c.Flags.StringVar(&c.dist, "dist", "", "Distribution identifier within the release.")
	c.Flags.StringVar(&c.urlPrefix, "url-prefix", "~/", "Prefix prepended to every file's path to form its served URL.")
	c.Flags.BoolVar(&c.noRewrite, "no-rewrite", false, "Skip rewriting absolute source paths in uploaded maps to ~/-relative form.")
	c.Flags.StringVar(&c.stripPrefix, "strip-prefix", "", "Prefix to remove from discovered source paths before rewriting.")
	c.Flags.BoolVar(&c.stripCommonPrefix, "strip-common-prefix", false, "Strip the longest common prefix shared by all path arguments.")
	c.Flags.BoolVar(&c.bundle, "bundle", false, "Force artifact-bundle upload even if the server's support is unconfirmed.")
	c.Flags.BoolVar(&c.noDedupe, "no-dedupe", false, "Always re-upload files even if the server already has a matching checksum.")
}

func (c *sourcemapsUploadRun) exec(ctx context.Context) error {
	set, err := sourcemap.Discover(c.paths, c.urlPrefix, 0)
	if err != nil {
		return err
	}
	for _, f := range set.Files {
		for _, d := range f.Diagnostics {
			logging.Warningf(ctx, "%s: %s", f.URL, d.Message)
		}
	}

	if !c.noRewrite {
		root := c.stripPrefix
		if root == "" && c.stripCommonPrefix {
			root = commonPrefix(c.paths)
		}
		if root != "" {
			if err := sourcemap.Rewrite(set, root); err != nil {
				return err
			}
		}
	}

	client := c.httpClient()
	chunkUploadPath := fmt.Sprintf("/api/0/organizations/%s/chunk-upload/", c.settings.Org)
	opts, err := chunkserver.Probe(ctx, client, chunkUploadPath)
	if err != nil {
		return err
	}

	sink := c.progressSink()
	sink.Step("uploading source maps")
	defer sink.Done()

	var schedSink chunkupload.Sink = sink
	if c.metrics != nil {
		schedSink = metrics.Sink{Inner: sink, Metrics: c.metrics}
	}

	sched := &chunkupload.Scheduler{
		Client:      client,
		Path:        chunkUploadPath,
		Options:     opts,
		Sink:        schedSink,
		RetryPolicy: retry.Default,
	}

	supportsBundles := c.bundle || opts.Supports(chunkserver.ArtifactBundles)
	assemblePath := fmt.Sprintf("/api/0/organizations/%s/artifactbundle/assemble/", c.settings.Org)
	if !supportsBundles {
		assemblePath = fmt.Sprintf("/api/0/organizations/%s/releases/%s/assemble/", c.settings.Org, c.release)
	}
	coord := &assemble.Coordinator{
		Client:        client,
		Path:          assemblePath,
		Scheduler:     sched,
		PollInterval:  time.Second,
		ServerMaxWait: opts.MaxWait(),
	}
	if c.metrics != nil {
		coord.OnPoll = c.metrics.ObservePoll
	}

	up := &sourcemap.Uploader{
		Client:                  client,
		ChunkSize:               opts.ChunkSize,
		Coordinator:             coord,
		SupportsArtifactBundles: supportsBundles,
	}

	uctx := uploadctx.New(c.settings.Org)
	uctx.Release = c.release
	uctx.Dist = c.dist
	uctx.Wait = true
	uctx.Dedupe = !c.noDedupe

	result, err := up.Upload(ctx, set, uuid.New().String(), uctx)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "bundle %s reached state %s", result.BundleDebugID, result.State)
	for _, p := range result.PerFilePUTs {
		logging.Infof(ctx, "uploaded: %s", p)
	}
	return nil
}

func commonPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := paths[0]
	for _, p := range paths[1:] {
		for len(prefix) > 0 && (len(p) < len(prefix) || p[:len(prefix)] != prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

var cmdSourcemapsInjectRun = &subcommands.Command{
	UsageLine: "inject <paths>",
	ShortDesc: "injects debug ids into minified JS files and their source maps, in place",
	CommandRun: func() subcommands.CommandRun {
		c := &sourcemapsInjectRun{}
		c.init()
		return c
	},
}

type sourcemapsInjectRun struct {
	commandBase

	paths []string
}

func (c *sourcemapsInjectRun) init() {
	c.commandBase.initVariadic(c.exec, nil, &c.paths)
}

func (c *sourcemapsInjectRun) exec(ctx context.Context) error {
	set, err := sourcemap.Discover(c.paths, "", 0)
	if err != nil {
		return err
	}
	report, err := sourcemap.Inject(set)
	if err != nil {
		return err
	}
	for _, e := range report.Injected {
		logging.Infof(ctx, "injected %s into %s", e.DebugID, e.Path)
	}
	for _, e := range report.PreviouslyInjected {
		logging.Infof(ctx, "already injected %s: %s", e.DebugID, e.Path)
	}
	for _, p := range report.Skipped {
		logging.Warningf(ctx, "skipped (no sourceMappingURL): %s", p)
	}
	for _, p := range report.MissingSourcemaps {
		logging.Warningf(ctx, "missing source map for: %s", p)
	}
	for _, p := range report.DoubleAssociations {
		logging.Warningf(ctx, "listed more than once, injected once: %s", p)
	}
	return nil
}
