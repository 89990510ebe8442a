// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package progress implements component 4.Q: a terminal-rendering
// chunkupload.Sink, driving a progress bar when stdout is a TTY and
// falling back to periodic plain-text lines otherwise.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/chromium-infra/artifactsync/pkg/chunkupload"
)

// TTY reports whether f is a terminal, per github.com/mattn/go-isatty.
// Exposed so callers can force-disable bar rendering.
func TTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Sink implements chunkupload.Sink by rendering either a live bar (TTY) or
// periodic plain-text status lines (non-TTY: piped output, CI logs).
type Sink struct {
	Out       io.Writer
	ForceText bool // force the non-TTY rendering path, for tests

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	step     string
	total    int64
	done     int64
	lastLine time.Time
}

var _ chunkupload.Sink = (*Sink)(nil)

// New returns a Sink writing to stdout, using the live bar only if stdout
// is a terminal.
func New() *Sink {
	return &Sink{Out: os.Stdout, ForceText: !TTY(os.Stdout)}
}

func (s *Sink) Step(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = name
	s.total = 0
	s.done = 0
	s.lastLine = time.Time{}
	if !s.ForceText {
		s.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWriter(s.out()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		return
	}
	fmt.Fprintf(s.out(), "%s...\n", color.CyanString(name))
}

func (s *Sink) BytesTotal(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
	if s.bar != nil {
		s.bar.ChangeMax64(total)
	}
}

func (s *Sink) BytesDone(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done += delta
	if s.bar != nil {
		s.bar.Add64(delta)
		return
	}
	if time.Since(s.lastLine) < time.Second {
		return
	}
	s.lastLine = time.Now()
	if s.total > 0 {
		fmt.Fprintf(s.out(), "  %s: %s/%s\n", s.step, humanize.Bytes(uint64(s.done)), humanize.Bytes(uint64(s.total)))
	} else {
		fmt.Fprintf(s.out(), "  %s: %s\n", s.step, humanize.Bytes(uint64(s.done)))
	}
}

func (s *Sink) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
		return
	}
	fmt.Fprintf(s.out(), "%s %s\n", color.GreenString("done:"), s.step)
}

func (s *Sink) out() io.Writer {
	if s.Out != nil {
		return s.Out
	}
	return os.Stdout
}
