// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"
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

// typesToKinds maps the --type flag's accepted values onto discover.Kind,
// per spec.md section 6's upload-dif surface.
var typesToKinds = map[string]discover.Kind{
	"dsym":         discover.KindDsym,
	"elf":          discover.KindElf,
	"pe":           discover.KindPE,
	"pdb":          discover.KindPDB,
	"portable-pdb": discover.KindPortablePDB,
	"wasm":         discover.KindWasm,
	"breakpad":     discover.KindBreakpad,
	"sources":      discover.KindSources,
	"proguard":     discover.KindProguard,
}

var cmdUploadDIF = &subcommands.Command{
	UsageLine: "upload-dif <paths>",
	ShortDesc: "uploads debug information files found under paths",
	LongDesc: `Walks paths, classifies every debug information file it finds
(dSYM bundles, ELF/.note.gnu.build-id binaries, PE/PDB pairs, portable
PDBs, wasm, breakpad symbol files, proguard mappings, plain sources), and
uploads the ones the server doesn't already have.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdUploadDIFRun{}
		c.init()
		return c
	},
}

type cmdUploadDIFRun struct {
	commandBase

	paths []string

	types           luciflag.StringSlice
	id              string
	noDebug         bool
	noBin           bool
	noUnwind        bool
	noSources       bool
	includeSources  bool
	requireAll      bool
	noReprocessing  bool
	wait            bool
	waitForSecs     int
}

func (c *cmdUploadDIFRun) init() {
	c.commandBase.initVariadic(c.exec, nil, &c.paths)

	c.Flags.Var(&c.types, "type", "Restrict to this DIF type; may be repeated. One of: dsym, elf, pe, pdb, portable-pdb, wasm, breakpad, sources, proguard.")
	c.Flags.StringVar(&c.id, "id", "", "Restrict to files whose debug id equals this value.")
	c.Flags.BoolVar(&c.noDebug, "no-debug", false, "Skip files that only carry debug information.")
	c.Flags.BoolVar(&c.noBin, "no-bin", false, "Skip files that only carry executable code.")
	c.Flags.BoolVar(&c.noUnwind, "no-unwind", false, "Skip files that only carry unwind information.")
	c.Flags.BoolVar(&c.noSources, "no-sources", false, "Exclude plain source bundles.")
	c.Flags.BoolVar(&c.includeSources, "include-sources", false, "Include plain source bundles alongside debug files.")
	c.Flags.BoolVar(&c.requireAll, "require-all", false, "Fail the whole run if any file could not be uploaded.")
	c.Flags.BoolVar(&c.noReprocessing, "no-reprocessing", false, "Ask the server not to trigger reprocessing for affected issues.")
	c.Flags.BoolVar(&c.wait, "wait", false, "Block until assembly reaches a terminal state.")
	c.Flags.IntVar(&c.waitForSecs, "wait-for", 0, "Maximum seconds to wait when -wait is set (0 means the default).")
}

func (c *cmdUploadDIFRun) exec(ctx context.Context) error {
	var kinds []discover.Kind
	for _, t := range c.types {
		k, ok := typesToKinds[t]
		if !ok {
			return errBadFlag("-type", fmt.Sprintf("unknown DIF type %q", t))
		}
		kinds = append(kinds, k)
	}
	if c.noSources {
		if len(kinds) == 0 {
			kinds = append(kinds, dif.Kinds...)
		}
		kinds = dropKind(kinds, discover.KindSources)
	}
	if c.includeSources && len(kinds) > 0 {
		kinds = append(kinds, discover.KindSources)
	}

	classes := discover.ClassExecutable | discover.ClassLibrary | discover.ClassDebug | discover.ClassUnwind
	if c.noDebug {
		classes &^= discover.ClassDebug
	}
	if c.noBin {
		classes &^= discover.ClassExecutable | discover.ClassLibrary
	}
	if c.noUnwind {
		classes &^= discover.ClassUnwind
	}

	filter := discover.Filter{Kinds: kinds, DebugID: c.id, Classes: classes, AllowZips: true}

	client := c.httpClient()
	chunkUploadPath := fmt.Sprintf("/api/0/organizations/%s/chunk-upload/", c.settings.Org)
	opts, err := chunkserver.Probe(ctx, client, chunkUploadPath)
	if err != nil {
		return err
	}

	sink := c.progressSink()
	sink.Step("uploading debug information files")
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
		ChunkSize:   int64(opts.ChunkSize),
		Options:     opts,
		Scheduler:   sched,
		Coordinator: coord,
		Diagnostics: cliDiagnostics{},
	}

	uctx := uploadctx.New(c.settings.Org)
	uctx.Project = c.settings.Project
	uctx.Wait = c.wait
	if c.waitForSecs > 0 {
		uctx.MaxWait = time.Duration(c.waitForSecs) * time.Second
	}

	summary, err := up.Upload(ctx, c.paths, filter, uctx)
	if err != nil {
		return err
	}
	printDIFSummary(ctx, summary)

	if c.noReprocessing {
		logging.Infof(ctx, "skipped reprocessing")
	} else if supported, err := up.TriggerReprocessing(ctx); err != nil {
		return err
	} else if !supported {
		logging.Infof(ctx, "server does not support reprocessing")
	}

	if c.requireAll && len(summary.Failed) > 0 {
		return errors.Reason("%d file(s) failed to upload", len(summary.Failed)).Err()
	}
	return nil
}

func dropKind(kinds []discover.Kind, drop discover.Kind) []discover.Kind {
	out := kinds[:0]
	for _, k := range kinds {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}

func printDIFSummary(ctx context.Context, s dif.Summary) {
	for _, p := range s.Uploaded {
		logging.Infof(ctx, "uploaded: %s", p)
	}
	for _, p := range s.AlreadyPresent {
		logging.Infof(ctx, "already present: %s", p)
	}
	for _, f := range s.Failed {
		logging.Errorf(ctx, "failed: %s: %s", f.Path, f.Err)
	}
}

// cliDiagnostics reports discovery warnings to the logger.
type cliDiagnostics struct{}

func (cliDiagnostics) Warn(path, msg string) {
	logging.Warningf(context.Background(), "%s: %s", path, msg)
}
