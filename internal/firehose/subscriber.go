// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package firehose

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
)

// cursorName keys the single firehose cursor in the checkpoint store.
const cursorName = "firehose"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// EnqueueFunc hands a normalized event to the durable queue. It may block;
// the subscriber treats sustained blocking as backpressure.
type EnqueueFunc func(ctx context.Context, evt Event) error

// Subscriber maintains the firehose websocket connection. It resumes from
// the persisted cursor, reconnects with exponential backoff, and checkpoints
// the cursor on an interval and event-count cadence.
//
// The frame buffer between the socket reader and the enqueue loop is bounded.
// When downstream stalls the buffer fills and the reader suspends on the
// send, leaving further frames in the socket until the enqueue loop catches
// up or the session ends. Replayed events after a resume are absorbed by
// idempotent handling downstream.
type Subscriber struct {
	cfg     config.FirehoseConfig
	cursors *CursorStore
	norm    *Normalizer
	enqueue EnqueueFunc
	logger  zerolog.Logger

	position atomic.Int64
}

// NewSubscriber builds a firehose subscriber. The cursor store must outlive it.
func NewSubscriber(cfg config.FirehoseConfig, cursors *CursorStore, enqueue EnqueueFunc) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		cursors: cursors,
		norm:    NewNormalizer(cfg.Collections),
		enqueue: enqueue,
		logger:  logging.With().Str("component", "firehose").Logger(),
	}
}

// Position returns the highest firehose position handed off so far.
func (s *Subscriber) Position() int64 {
	return s.position.Load()
}

// Serve runs the subscription until ctx is cancelled. It satisfies the
// supervisor's service contract: transient failures are retried internally,
// and only cancellation ends the loop.
func (s *Subscriber) Serve(ctx context.Context) error {
	pos, err := s.cursors.Load(cursorName)
	if err != nil {
		return err
	}
	s.position.Store(pos)
	if pos > 0 {
		s.logger.Info().Int64("cursor", pos).Msg("Resuming firehose from checkpoint")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBase
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever

	for {
		connected, streamErr := s.stream(ctx)
		s.checkpoint()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			// Only consecutive dial failures escalate the wait; a session
			// that reached the socket starts over from the base interval.
			bo.Reset()
		}

		metrics.FirehoseReconnects.Inc()
		wait := bo.NextBackOff()
		s.logger.Warn().
			Err(streamErr).
			Dur("retry_in", wait).
			Msg("Firehose connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// stream runs one websocket session: dial, read, normalize, enqueue. Any
// returned error ends the session; the caller decides whether to reconnect.
// The boolean reports whether the dial succeeded.
func (s *Subscriber) stream(ctx context.Context) (bool, error) {
	endpoint, err := s.buildURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1 << 20,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial firehose: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info().
		Str("endpoint", s.cfg.Endpoint).
		Int64("cursor", s.position.Load()).
		Msg("Firehose connected")

	frames := make(chan []byte, s.cfg.BufferSize)
	readErr := make(chan error, 1)
	// done releases a reader suspended on a full buffer once this session
	// returns, whatever ended it. Closed before conn via the defer order.
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(conn, frames, readErr, done)

	pingTicker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer pingTicker.Stop()
	checkpointTicker := time.NewTicker(s.cfg.CheckpointInterval)
	defer checkpointTicker.Stop()

	sinceCheckpoint := 0
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return true, ctx.Err()

		case err := <-readErr:
			return true, err

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return true, fmt.Errorf("ping: %w", err)
			}

		case <-checkpointTicker.C:
			s.checkpoint()
			sinceCheckpoint = 0

		case data, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return true, ctx.Err()
				}
				return true, <-readErr
			}
			metrics.FirehoseEventsReceived.Inc()
			if err := s.handleFrame(ctx, data); err != nil {
				return true, err
			}
			sinceCheckpoint++
			if s.cfg.CheckpointEvery > 0 && sinceCheckpoint >= s.cfg.CheckpointEvery {
				s.checkpoint()
				sinceCheckpoint = 0
			}
		}
	}
}

// readLoop drains the socket into the bounded frame buffer. A full buffer
// suspends the read, so frames back up in the socket until the enqueue loop
// catches up; done releases a suspended reader when the session ends.
func (s *Subscriber) readLoop(conn *websocket.Conn, frames chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	defer close(frames)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

// handleFrame decodes, normalizes, and enqueues one frame. The position only
// advances once the event is handed off (or dropped as irrelevant), so a
// crash before hand-off replays the frame on resume.
func (s *Subscriber) handleFrame(ctx context.Context, data []byte) error {
	evt, err := DecodeFrame(data)
	if err != nil {
		metrics.FirehoseEventsSkipped.WithLabelValues("decode_error").Inc()
		s.logger.Debug().Err(err).Msg("Skipping undecodable frame")
		return nil
	}

	domain := s.norm.Normalize(evt)
	if domain == nil {
		s.advance(evt.TimeUS)
		return nil
	}

	if err := s.enqueue(ctx, domain); err != nil {
		return fmt.Errorf("enqueue %s: %w", domain.Type(), err)
	}
	s.advance(evt.TimeUS)
	return nil
}

func (s *Subscriber) advance(timeUS int64) {
	for {
		cur := s.position.Load()
		if timeUS <= cur {
			return
		}
		if s.position.CompareAndSwap(cur, timeUS) {
			return
		}
	}
}

// checkpoint persists the current position. Failures are logged, not fatal:
// the worst case is replaying one checkpoint window after a restart.
func (s *Subscriber) checkpoint() {
	pos := s.position.Load()
	if pos == 0 {
		return
	}
	if err := s.cursors.Save(cursorName, pos); err != nil {
		s.logger.Warn().Err(err).Int64("position", pos).Msg("Cursor checkpoint failed")
	}
}

// buildURL assembles the subscription URL with the wanted collections and,
// when resuming, the cursor query parameter.
func (s *Subscriber) buildURL() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse firehose endpoint: %w", err)
	}

	q := u.Query()
	for _, c := range s.cfg.Collections {
		q.Add("wantedCollections", c)
	}
	if pos := s.position.Load(); pos > 0 {
		q.Set("cursor", fmt.Sprintf("%d", pos))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
