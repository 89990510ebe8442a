// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/assemble"
	"github.com/chromium-infra/artifactsync/pkg/chunkserver"
	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/metrics"
	"github.com/chromium-infra/artifactsync/pkg/preprod"
	"github.com/chromium-infra/artifactsync/pkg/retry"
	"github.com/chromium-infra/artifactsync/pkg/uploadctx"
)

var cmdBuildUpload = &subcommands.Command{
	UsageLine: "build upload <archive>",
	ShortDesc: "uploads a preprod mobile archive",
	LongDesc:  "Uploads a single .apk, .aab, .ipa or .xcarchive.zip build artifact, with optional VCS metadata.",
	CommandRun: func() subcommands.CommandRun {
		c := &cmdBuildUploadRun{}
		c.init()
		return c
	},
}

type cmdBuildUploadRun struct {
	commandBase

	archive string

	vcsProvider     string
	vcsHeadRepoName string
	vcsBaseRepoName string
	vcsHeadRef      string
	vcsBaseRef      string
	vcsHeadSHA      string
	vcsBaseSHA      string

	wait bool
}

func (c *cmdBuildUploadRun) init() {
	c.commandBase.init(c.exec, []*string{&c.archive})

	c.Flags.StringVar(&c.vcsProvider, "vcs-provider", "", "VCS provider name (e.g. github).")
	c.Flags.StringVar(&c.vcsHeadRepoName, "vcs-head-repo", "", "Head repository name.")
	c.Flags.StringVar(&c.vcsBaseRepoName, "vcs-base-repo", "", "Base repository name.")
	c.Flags.StringVar(&c.vcsHeadRef, "vcs-head-ref", "", "Head ref.")
	c.Flags.StringVar(&c.vcsBaseRef, "vcs-base-ref", "", "Base ref.")
	c.Flags.StringVar(&c.vcsHeadSHA, "vcs-head-sha", "", "Head commit SHA.")
	c.Flags.StringVar(&c.vcsBaseSHA, "vcs-base-sha", "", "Base commit SHA.")
	c.Flags.BoolVar(&c.wait, "wait", true, "Block until assembly reaches a terminal state.")
}

func (c *cmdBuildUploadRun) exec(ctx context.Context) error {
	client := c.httpClient()
	chunkUploadPath := fmt.Sprintf("/api/0/organizations/%s/chunk-upload/", c.settings.Org)
	opts, err := chunkserver.Probe(ctx, client, chunkUploadPath)
	if err != nil {
		return err
	}

	sink := c.progressSink()
	sink.Step("uploading build archive")
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
		Path:          fmt.Sprintf("/api/0/projects/%s/%s/files/preprodartifacts/assemble/", c.settings.Org, c.settings.Project),
		Scheduler:     sched,
		PollInterval:  time.Second,
		ServerMaxWait: opts.MaxWait(),
	}
	if c.metrics != nil {
		coord.OnPoll = c.metrics.ObservePoll
	}
	up := &preprod.Uploader{ChunkSize: opts.ChunkSize, Coordinator: coord}

	vcs := preprod.VCS{
		Provider:     c.vcsProvider,
		HeadRepoName: c.vcsHeadRepoName,
		BaseRepoName: c.vcsBaseRepoName,
		HeadRef:      c.vcsHeadRef,
		BaseRef:      c.vcsBaseRef,
		HeadSHA:      c.vcsHeadSHA,
		BaseSHA:      c.vcsBaseSHA,
	}

	uctx := uploadctx.New(c.settings.Org)
	uctx.Project = c.settings.Project
	uctx.Wait = c.wait

	resp, err := up.Upload(ctx, c.archive, filepath.Base(c.archive), vcs, uctx)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "%s reached state %s", c.archive, resp.State)
	return nil
}
