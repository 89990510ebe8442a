// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package assemble implements component 4.G: posting an AssembleRequest to
// the server-side assembly endpoint and polling it to a terminal state.
package assemble

import (
	"context"
	"encoding/json"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
	"github.com/chromium-infra/artifactsync/pkg/digest"
	"github.com/chromium-infra/artifactsync/pkg/errkind"
	"github.com/chromium-infra/artifactsync/pkg/httpapi"
	"github.com/chromium-infra/artifactsync/pkg/retry"
)

// State is one of the ChunkedFileState values from spec.md section 3.
type State string

const (
	NotFound   State = "not_found"
	Created    State = "created"
	Assembling State = "assembling"
	OK         State = "ok"
	Error      State = "error"
)

// Terminal reports whether s is a terminal state ({ok, error}).
func (s State) Terminal() bool {
	return s == OK || s == Error
}

// Entry is one value in an AssembleRequest map.
type Entry struct {
	Name     string          `json:"name"`
	Chunks   []digest.Digest `json:"chunks"`
	DebugID  string          `json:"debug_id,omitempty"`
	Projects []string        `json:"projects,omitempty"`
	// VCS context fields, included only when non-empty (spec.md 4.K).
	HeadRepoName string `json:"head_repo_name,omitempty"`
	BaseRepoName string `json:"base_repo_name,omitempty"`
	HeadRef      string `json:"head_ref,omitempty"`
	BaseRef      string `json:"base_ref,omitempty"`
	HeadSHA      string `json:"head_sha,omitempty"`
	BaseSHA      string `json:"base_sha,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// Request maps a file's total digest to its assembly entry.
type Request map[digest.Digest]Entry

// Result carries whatever per-file payload the server attaches on success
// (e.g. a DIF object description); kept opaque since interpreting it is a
// concern of read-only display commands, out of scope for the core.
type Result = json.RawMessage

// Response is one file's reported state from the assemble endpoint.
type Response struct {
	State         State           `json:"state"`
	MissingChunks []digest.Digest `json:"missingChunks,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Result        Result          `json:"dif,omitempty"`
}

// ResponseMap is the full decoded assemble response.
type ResponseMap map[digest.Digest]Response

// marshalRequest renders req using hex-string keys, per spec.md section 6's
// wire format.
func marshalRequest(req Request) ([]byte, error) {
	wire := make(map[string]Entry, len(req))
	for k, v := range req {
		wire[k.String()] = v
	}
	return json.Marshal(wire)
}

func unmarshalResponse(body []byte) (ResponseMap, error) {
	var wire map[string]Response
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	out := make(ResponseMap, len(wire))
	for k, v := range wire {
		d, err := digest.Parse(k)
		if err != nil {
			return nil, err
		}
		out[d] = v
	}
	return out, nil
}

// Coordinator drives one AssembleRequest to completion, feeding back any
// reported missing chunks to the chunk scheduler.
type Coordinator struct {
	Client       *httpapi.Client
	Path         string
	Scheduler    *chunkupload.Scheduler
	PollInterval time.Duration

	// ServerMaxWait is the server's advertised max_wait (chunkserver.Options.MaxWait);
	// Run's deadline is min(the caller's maxWait, ServerMaxWait). Zero means
	// the server didn't advertise one, leaving the caller's maxWait as the
	// only bound.
	ServerMaxWait time.Duration

	// OnPoll, if set, is called once per assemble POST (component 4.R's
	// metrics hook). Never required for correctness.
	OnPoll func()
}

// effectiveMaxWait implements spec.md section 4.G's "bounded by
// min(context.max_wait, server.max_wait)", treating a non-positive duration
// on either side as "no bound from that side".
func effectiveMaxWait(callerMaxWait, serverMaxWait time.Duration) time.Duration {
	switch {
	case callerMaxWait <= 0:
		return serverMaxWait
	case serverMaxWait <= 0:
		return callerMaxWait
	case serverMaxWait < callerMaxWait:
		return serverMaxWait
	default:
		return callerMaxWait
	}
}

// DefaultPollInterval matches spec.md 4.G.
const DefaultPollInterval = time.Second

// Run posts req and, depending on ctx's wait mode, polls until a terminal
// state (wait=true) or returns after exactly one round (wait=false).
//
// chunksByDigest supplies the actual chunk bytes the scheduler needs to
// upload should the server report missingChunks.
func (c *Coordinator) Run(ctx context.Context, req Request, wait bool, maxWait time.Duration, chunksByDigest map[digest.Digest]digest.Chunk) (ResponseMap, error) {
	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.Now().Add(effectiveMaxWait(maxWait, c.ServerMaxWait))

	for {
		if c.OnPoll != nil {
			c.OnPoll()
		}
		resp, err := c.post(ctx, req)
		if err != nil {
			return nil, err
		}

		allTerminal := true
		var missing []digest.Chunk
		for d, r := range resp {
			switch r.State {
			case Error:
				return resp, errors.Reason("assembly failed for %s: %s", d, r.Detail).Tag(errkind.Processing).Err()
			case NotFound:
				allTerminal = false
				for _, m := range r.MissingChunks {
					if chunk, ok := chunksByDigest[m]; ok {
						missing = append(missing, chunk)
					}
				}
			case Created, Assembling:
				allTerminal = false
			}
		}

		if len(missing) > 0 {
			if c.Scheduler == nil {
				return resp, errors.Reason("server reports missing chunks but no scheduler is configured").Err()
			}
			if err := c.Scheduler.Upload(ctx, missing); err != nil {
				return nil, err
			}
			// Immediately retry the assemble POST; the server may now have
			// everything it needs.
			continue
		}

		if allTerminal {
			return resp, nil
		}

		if !wait {
			return resp, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resp, errors.Reason("assembly did not complete within the allotted wait").Tag(errkind.Timeout).Err()
		}
		sleep := poll
		if sleep > remaining {
			sleep = remaining
		}

		logging.Debugf(ctx, "assembly pending, polling again in %s", sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Coordinator) post(ctx context.Context, req Request) (ResponseMap, error) {
	body, err := marshalRequest(req)
	if err != nil {
		return nil, errors.Annotate(err, "marshaling assemble request").Err()
	}
	var respBody []byte
	err = retry.DoDefault(ctx, func(ctx context.Context) error {
		var err error
		respBody, err = c.Client.PostJSON(ctx, c.Path, body)
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "posting assemble request").Err()
	}
	resp, err := unmarshalResponse(respBody)
	if err != nil {
		return nil, errors.Annotate(err, "parsing assemble response").Tag(errkind.Parse).Err()
	}
	return resp, nil
}
