// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config implements component 4.N: loading an AuthenticatedSession
// from a .artifactsyncrc-style INI file, overlaid with environment
// variables, layering file defaults under env overrides the way
// cloudbuildhelper layers its own flag registration under defaults.
package config

import (
	"os"

	"github.com/go-ini/ini"
	"go.chromium.org/luci/common/errors"

	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/session"
)

// Env names overlaid on top of the INI file, per spec.md section 4.N.
const (
	EnvAuthToken  = "ARTIFACTSYNC_AUTH_TOKEN"
	EnvURL        = "ARTIFACTSYNC_URL"
	EnvOrg        = "ARTIFACTSYNC_ORG"
	EnvProject    = "ARTIFACTSYNC_PROJECT"
	EnvDSN        = "ARTIFACTSYNC_DSN"
	EnvLogLevel   = "ARTIFACTSYNC_LOG_LEVEL"
	EnvHTTPProxy  = "HTTP_PROXY"
	EnvHTTPSProxy = "HTTPS_PROXY"

	// EnvIntegrationTestHash is copied into Settings.IntegrationTestSHA;
	// nothing else in this module reads that field.
	EnvIntegrationTestHash = "ARTIFACTSYNC_INTEGRATION_TEST_HASH"
)

// Settings is the fully resolved configuration: an AuthenticatedSession
// plus the ambient settings that don't belong on the wire session type.
type Settings struct {
	session.AuthenticatedSession

	LogLevel          string
	HTTPProxy         string
	IntegrationTestSHA string
}

// Load reads path (an INI file with [auth] and [defaults] sections) if it
// exists, then overlays environment variables, producing Settings. A
// missing path is not an error: an all-env-var configuration is valid.
// A malformed file, or a resolved session missing both an auth token and
// a DSN, is a Config-kind error.
func Load(path string, getenv func(string) string) (Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var s Settings
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := ini.Load(path)
			if err != nil {
				return Settings{}, errors.Annotate(err, "parsing %s", path).Tag(errkind.Config).Err()
			}
			auth := cfg.Section("auth")
			s.Token = auth.Key("token").String()
			s.DSN = auth.Key("dsn").String()

			defaults := cfg.Section("defaults")
			s.BaseURL = defaults.Key("url").String()
			s.Org = defaults.Key("org").String()
			s.Project = defaults.Key("project").String()
			s.LogLevel = defaults.Key("log_level").String()
		} else if !os.IsNotExist(err) {
			return Settings{}, errors.Annotate(err, "statting %s", path).Tag(errkind.Config).Err()
		}
	}

	overlay(&s.Token, getenv(EnvAuthToken))
	overlay(&s.BaseURL, getenv(EnvURL))
	overlay(&s.Org, getenv(EnvOrg))
	overlay(&s.Project, getenv(EnvProject))
	overlay(&s.DSN, getenv(EnvDSN))
	overlay(&s.LogLevel, getenv(EnvLogLevel))
	overlay(&s.IntegrationTestSHA, getenv(EnvIntegrationTestHash))

	if proxy := getenv(EnvHTTPSProxy); proxy != "" {
		s.HTTPProxy = proxy
	} else if proxy := getenv(EnvHTTPProxy); proxy != "" {
		s.HTTPProxy = proxy
	}

	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	if s.DSN != "" {
		if _, err := session.ParseDSN(s.DSN); err != nil {
			return Settings{}, errors.Annotate(err, "config").Tag(errkind.Config).Err()
		}
	} else if s.Token == "" {
		return Settings{}, errors.Reason("no auth token or DSN configured").Tag(errkind.Config).Err()
	}

	return s, nil
}

// overlay sets *dst to v if v is non-empty, leaving the existing value
// (the file-loaded default) untouched otherwise.
func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
