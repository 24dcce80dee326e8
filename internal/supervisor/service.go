// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package supervisor

import (
	"context"
	"errors"
)

// Runner is the lifecycle every supervised subsystem exposes: block in
// Serve until the context is cancelled or the subsystem fails.
//
// Satisfied by the firehose subscriber, the queue dispatcher, the
// reconciliation manager, and the HTTP server.
type Runner interface {
	Serve(ctx context.Context) error
}

// Service adapts a Runner to suture.Service, normalizing the exit value
// so suture treats a clean context-driven stop as completion rather
// than a crash.
type Service struct {
	runner Runner
	name   string
}

// NewService wraps a runner under the given name. The name appears in
// suture's event log.
func NewService(name string, runner Runner) *Service {
	return &Service{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	err := s.runner.Serve(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		// Suture interprets ErrDoNotRestart-free nil returns as a
		// completed service; map a cancelled context to the ctx error
		// it expects for a supervised shutdown.
		return ctx.Err()
	}
	return err
}

// String implements fmt.Stringer for suture's event log.
func (s *Service) String() string {
	return s.name
}
