// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/dif"
	"github.com/chromium-infra/artifactsync/pkg/discover"
	"github.com/chromium-infra/artifactsync/pkg/metrics"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

// envProguardChunked, when set, silences the warning logged when the server
// did not advertise the proguard capability on its chunk-upload options.
// The older non-chunked endpoint some server versions use is not
// implemented here: no example in the corpus shows its wire shape, so
// upload-proguard always drives the chunked path, set or not.
const envProguardChunked = "ARTIFACTSYNC_PROGUARD_CHUNKED"

var cmdUploadProguard = &subcommands.Command{
	UsageLine: "upload-proguard <mappings>",
	ShortDesc: "uploads proguard mapping files",
	LongDesc:  "Uploads one or more proguard mapping text files, deriving each one's debug id as a UUID-5 of its contents.",
	CommandRun: func() subcommands.CommandRun {
		c := &cmdUploadProguardRun{}
		c.init()
		return c
	},
}

type cmdUploadProguardRun struct {
	commandBase

	mappings []string

	requireAll bool
	wait       bool
}

func (c *cmdUploadProguardRun) init() {
	c.commandBase.initVariadic(c.exec, nil, &c.mappings)

	c.Flags.BoolVar(&c.requireAll, "require-all", false, "Fail the whole run if any mapping failed to upload.")
	c.Flags.BoolVar(&c.wait, "wait", false, "Block until assembly reaches a terminal state.")
}

func (c *cmdUploadProguardRun) exec(ctx context.Context) error {
	client := c.httpClient()
	chunkUploadPath := fmt.Sprintf("/api/0/organizations/%s/chunk-upload/", c.settings.Org)
	opts, err := chunkserver.Probe(ctx, client, chunkUploadPath)
	if err != nil {
		return err
	}
	if !opts.Supports(chunkserver.Proguard) && os.Getenv(envProguardChunked) == "" {
		logging.Warningf(ctx, "server did not advertise proguard chunk-upload support; uploading anyway via the chunked path")
	}

	sink := c.progressSink()
	sink.Step("uploading proguard mappings")
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
	coord := &assemble.Coordinator{
		Client:        client,
		Path:          fmt.Sprintf("/api/0/projects/%s/%s/files/difs/assemble/", c.settings.Org, c.settings.Project),
		Scheduler:     sched,
		PollInterval:  time.Second,
		ServerMaxWait: opts.MaxWait(),
	}
	if c.metrics != nil {
		coord.OnPoll = c.metrics.ObservePoll
	}
	up := &dif.Uploader{
		Client:      client,
		Org:         c.settings.Org,
		Project:     c.settings.Project,
		ChunkSize:   opts.ChunkSize,
		Options:     opts,
		Scheduler:   sched,
		Coordinator: coord,
		Diagnostics: cliDiagnostics{},
	}

	uctx := uploadctx.New(c.settings.Org)
	uctx.Project = c.settings.Project
	uctx.Wait = c.wait

	summary, err := up.Upload(ctx, c.mappings, discover.Filter{Kinds: []discover.Kind{discover.KindProguard}}, uctx)
	if err != nil {
		return err
	}
	printDIFSummary(ctx, summary)
	if c.requireAll && len(summary.Failed) > 0 {
		return errors.Reason("%d mapping(s) failed to upload", len(summary.Failed)).Err()
	}
	return nil
}
