// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("component", "test").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("expected structured field in output, got %s", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Errorf("expected message in output, got %s", out)
	}
}

func TestSlogHandlerForwardsToZerolog(t *testing.T) {
	var buf bytes.Buffer
	zl := NewTestLogger(&buf)

	slogger := slog.New(NewSlogHandlerWithLogger(zl))
	slogger.Info("supervisor event", slog.String("service", "firehose"), slog.Int("restarts", 2))

	out := buf.String()
	if !strings.Contains(out, `"service":"firehose"`) {
		t.Errorf("expected slog attr forwarded, got %s", out)
	}
	if !strings.Contains(out, `"restarts":2`) {
		t.Errorf("expected int attr forwarded, got %s", out)
	}
}

func TestSlogHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	zl := NewTestLogger(&buf)

	slogger := slog.New(NewSlogHandlerWithLogger(zl)).WithGroup("queue")
	slogger.Warn("redelivery", slog.String("topic", "jobs.feed.ingest"))

	if !strings.Contains(buf.String(), `"queue.topic":"jobs.feed.ingest"`) {
		t.Errorf("expected grouped key, got %s", buf.String())
	}
}
