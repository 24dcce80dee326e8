// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the target's shared secret.
const SignatureHeader = "X-Scrobbleweave-Signature"

// webhookEnvelope is the JSON body posted to targets.
type webhookEnvelope struct {
	EventType string          `json:"event_type"`
	ActorDID  string          `json:"actor_did,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	Data      json.RawMessage `json:"data"`
}

// WebhookSink delivers events to registered HTTP targets. Each target has
// its own circuit breaker; a shared rate limiter caps total outbound volume.
type WebhookSink struct {
	client   *http.Client
	targets  map[string]config.WebhookTarget
	breakers map[string]*gobreaker.CircuitBreaker[int]
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewWebhookSink builds a sink over the configured targets.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	sink := &WebhookSink{
		client:   &http.Client{Timeout: timeout},
		targets:  make(map[string]config.WebhookTarget, len(cfg.Targets)),
		breakers: make(map[string]*gobreaker.CircuitBreaker[int], len(cfg.Targets)),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logging.With().Str("component", "webhook").Logger(),
	}

	for _, target := range cfg.Targets {
		sink.targets[target.Name] = target
		sink.breakers[target.Name] = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
			Name:    "webhook-" + target.Name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return sink
}

// HandleDeliver posts one webhook_deliver job to its target. Unknown targets
// and rejected payloads are permanent; network errors, 5xx responses, and an
// open breaker are retryable.
func (s *WebhookSink) HandleDeliver(ctx context.Context, job *queue.Job) error {
	payload, err := job.Webhook()
	if err != nil {
		return queue.NewPermanentError("decode webhook job", err)
	}

	target, ok := s.targets[payload.Target]
	if !ok {
		return queue.NewPermanentError("unknown webhook target "+payload.Target, nil)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return queue.NewRetryableError("rate limiter", err)
	}

	body, err := json.Marshal(webhookEnvelope{
		EventType: payload.EventType,
		ActorDID:  job.ActorDID,
		SentAt:    time.Now().UTC(),
		Data:      payload.Body,
	})
	if err != nil {
		return queue.NewPermanentError("marshal webhook body", err)
	}

	breaker := s.breakers[target.Name]
	status, err := breaker.Execute(func() (int, error) {
		return s.post(ctx, target, body)
	})
	if err != nil {
		return queue.NewRetryableError("deliver to "+target.Name, err)
	}

	switch {
	case status >= 200 && status < 300:
		s.logger.Debug().Str("target", target.Name).Int("status", status).Msg("Webhook delivered")
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return queue.NewRetryableError(fmt.Sprintf("target %s returned %d", target.Name, status), nil)
	default:
		return queue.NewPermanentError(fmt.Sprintf("target %s rejected with %d", target.Name, status), nil)
	}
}

func (s *WebhookSink) post(ctx context.Context, target config.WebhookTarget, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(target.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// 5xx counts as a breaker failure so a dying target trips it open.
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 signature for a webhook body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body. Exported for
// webhook consumers built against this module.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
