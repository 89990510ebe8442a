// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/maruel/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/config"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/metrics"
	"github.com/chromium-infra/artifactsync/pkg/progress"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

// execCb is called to actually run a subcommand once flags and positional
// arguments are parsed.
type execCb func(ctx context.Context) error

// commandBase carries the flags common to every subcommand: how to reach
// and authenticate against the backend, and how loud to be about it.
type commandBase struct {
	subcommands.CommandRunBase

	exec     execCb
	posArgs  []*string
	variadic *[]string // if set, collects every arg past len(posArgs); requires at least one

	authToken      string // -auth-token
	url            string // -url
	org            string // -org
	project        string // -project
	dsn            string // -dsn
	propertiesFile string // -properties-file
	logLevel       string // -log-level
	jsonOutput     string // -json-output
	metricsAddr    string // -metrics-addr

	settings config.Settings
	metrics  *metrics.Metrics // set by Run when -metrics-addr is given, nil otherwise
}

// init registers the shared flags and the positional-argument slots the
// caller wants filled in. Every subcommand's own init must call this.
func (c *commandBase) init(exec execCb, posArgs []*string) {
	c.exec = exec
	c.posArgs = posArgs

	c.Flags.StringVar(&c.authToken, "auth-token", "", "Bearer token for the backend API.")
	c.Flags.StringVar(&c.url, "url", "", "Base URL of the backend API.")
	c.Flags.StringVar(&c.org, "org", "", "Organization slug.")
	c.Flags.StringVar(&c.project, "project", "", "Project slug.")
	c.Flags.StringVar(&c.dsn, "dsn", "", "DSN for envelope ingestion, used instead of -url/-auth-token by the envelope sender.")
	c.Flags.StringVar(&c.propertiesFile, "properties-file", "", "Path to an INI properties file (defaults unset; env vars always take precedence).")
	c.Flags.StringVar(&c.logLevel, "log-level", "info", "Logging verbosity: debug, info, warning, error.")
	c.Flags.StringVar(&c.jsonOutput, "json-output", "", "Accepted but unused: no subcommand writes a JSON summary of the run.")
	c.Flags.StringVar(&c.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics (component 4.R) on this address for the life of the command, e.g. \"localhost:9090\".")
}

// initVariadic is like init, but accepts one or more trailing positional
// arguments into variadic instead of a fixed count (e.g. "<paths>...").
func (c *commandBase) initVariadic(exec execCb, posArgs []*string, variadic *[]string) {
	c.init(exec, posArgs)
	c.variadic = variadic
}

// ModifyContext implements cli.ContextModificator.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	lvl, ok := parseLevel(c.logLevel)
	if ok {
		ctx = logging.SetLevel(ctx, lvl)
	}
	return ctx
}

func parseLevel(s string) (logging.Level, bool) {
	switch s {
	case "debug":
		return logging.Debug, true
	case "info", "":
		return logging.Info, true
	case "warning", "warn":
		return logging.Warning, true
	case "error":
		return logging.Error, true
	}
	return 0, false
}

// Run implements subcommands.CommandRun.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)

	if c.variadic != nil {
		if len(args) < len(c.posArgs)+1 {
			return handleErr(ctx, errors.Reason(
				"expected at least %d positional argument(s), got %d", len(c.posArgs)+1, len(args)).Tag(errkind.Usage).Err())
		}
	} else if len(args) != len(c.posArgs) {
		return handleErr(ctx, errors.Reason(
			"expected %d positional argument(s), got %d", len(c.posArgs), len(args)).Tag(errkind.Usage).Err())
	}
	for i := range c.posArgs {
		*c.posArgs[i] = args[i]
	}
	if c.variadic != nil {
		*c.variadic = args[len(c.posArgs):]
	}

	settings, err := c.loadSettings(env)
	if err != nil {
		return handleErr(ctx, err)
	}
	c.settings = settings

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopMetrics := c.startMetrics(ctx)
	defer stopMetrics()

	if err := c.exec(ctx); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

// startMetrics registers component 4.R's counters against a private
// registry and serves them over HTTP on -metrics-addr for the life of the
// command, if that flag is set. It returns a stop function that is always
// safe to call (a no-op when -metrics-addr was never set).
func (c *commandBase) startMetrics(ctx context.Context) (stop func()) {
	if c.metricsAddr == "" {
		return func() {}
	}

	reg := prometheus.NewRegistry()
	c.metrics = metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.metricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Warningf(ctx, "metrics server on %s: %s", c.metricsAddr, err)
		}
	}()

	return func() { srv.Close() }
}

// loadSettings resolves pkg/config.Settings from -properties-file, process
// environment, then the command-line flags, in that overlay order (flags win).
func (c *commandBase) loadSettings(env subcommands.Env) (config.Settings, error) {
	flagValues := map[string]string{
		config.EnvAuthToken: c.authToken,
		config.EnvURL:       c.url,
		config.EnvOrg:       c.org,
		config.EnvProject:   c.project,
		config.EnvDSN:       c.dsn,
	}
	getenv := func(k string) string {
		if v := flagValues[k]; v != "" {
			return v
		}
		if v, ok := env[k]; ok {
			return v.Value
		}
		return os.Getenv(k)
	}

	s, err := config.Load(c.propertiesFile, getenv)
	if err != nil {
		return config.Settings{}, err
	}

	if c.authToken != "" {
		s.Token = c.authToken
	}
	if c.url != "" {
		s.BaseURL = c.url
	}
	if c.org != "" {
		s.Org = c.org
	}
	if c.project != "" {
		s.Project = c.project
	}
	if c.dsn != "" {
		s.DSN = c.dsn
	}
	if lvl, ok := parseLevel(c.logLevel); ok {
		_ = lvl
		s.LogLevel = c.logLevel
	}
	if s.Token == "" && s.DSN == "" {
		return config.Settings{}, errors.Reason("no auth token or DSN configured: pass -auth-token/-dsn, set ARTIFACTSYNC_AUTH_TOKEN/ARTIFACTSYNC_DSN, or use -properties-file").Tag(errkind.Config).Err()
	}
	return s, nil
}

func (c *commandBase) httpClient() *httpapi.Client {
	return httpapi.New(session.AuthenticatedSession{
		BaseURL: c.settings.BaseURL,
		Token:   c.settings.Token,
		Org:     c.settings.Org,
		Project: c.settings.Project,
		DSN:     c.settings.DSN,
	})
}

func (c *commandBase) progressSink() *progress.Sink {
	return progress.New()
}

// errBadFlag produces a Usage-tagged error naming the offending flag.
func errBadFlag(flag, msg string) error {
	return errors.Reason("bad %q: %s", flag, msg).Tag(errkind.Usage).Err()
}

// handleErr prints err (if any) and returns the matching process exit code
// per spec.md section 6: 0 success, 2 usage error, 1 everything else.
func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Contains(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	case errkind.Usage.In(err):
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		return 2
	default:
		logging.Errorf(ctx, "%s", err)
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
}
