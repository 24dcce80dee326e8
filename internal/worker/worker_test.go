// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
)

// fakeStore records calls and fails the first N upserts.
type fakeStore struct {
	mu          sync.Mutex
	failures    int
	upserts     []models.ScrobbleEvent
	deletes     []string
	users       []models.User
	unavailable error
}

func (s *fakeStore) UpsertScrobble(_ context.Context, scrobble models.ScrobbleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.unavailable
	}
	s.upserts = append(s.upserts, scrobble)
	return nil
}

func (s *fakeStore) DeleteScrobble(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, eventID)
	return nil
}

func (s *fakeStore) UpsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, user)
	return nil
}

func (s *fakeStore) Feed(context.Context, models.FeedRequest) (*models.FeedResult, error) {
	return &models.FeedResult{}, nil
}

func (s *fakeStore) Backend() string            { return "fake" }
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

// fakeSubscriber feeds messages from an in-memory channel.
type fakeSubscriber struct {
	ch chan *message.Message
}

func (f *fakeSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return f.ch, nil
}

func testJobMessage(t *testing.T) (*queue.Job, *message.Message) {
	t.Helper()
	job, err := queue.NewIngestJob(models.ScrobbleEvent{
		EventID:    "at://did:plc:abc/fm.scrobbleweave.scrobble/3k2a",
		ActorDID:   "did:plc:abc",
		TrackTitle: "Harvest Moon",
		PlayedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	data, err := job.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return job, message.NewMessage(job.JobID, data)
}

func newTestDispatcher(sub Subscriber) *Dispatcher {
	return NewDispatcher(sub, nil, config.WorkerConfig{
		PoolSize:  1,
		RetryBase: time.Millisecond,
		RetryMax:  5 * time.Millisecond,
	}, 5)
}

func TestDispatchTransientFailuresThenSuccess(t *testing.T) {
	// The store fails twice, then recovers. The job must be nacked twice,
	// acked on the third delivery, carry two failed attempts at success
	// time, and never reach the dead-letter path.
	store := &fakeStore{failures: 2, unavailable: errors.New("connection refused")}
	sink := NewFeedSink(store, nil, nil)

	d := newTestDispatcher(nil)
	d.Register(queue.KindFeedIngest, sink.HandleIngest)

	job, _ := testJobMessage(t)
	ctx := context.Background()

	for delivery := 0; delivery < 3; delivery++ {
		_, msg := testJobMessage(t)
		d.dispatch(ctx, msg)

		select {
		case <-msg.Acked():
			if delivery != 2 {
				t.Fatalf("delivery %d acked early", delivery)
			}
		case <-msg.Nacked():
			if delivery == 2 {
				t.Fatal("final delivery nacked")
			}
		case <-time.After(time.Second):
			t.Fatalf("delivery %d not settled", delivery)
		}

		if delivery == 1 {
			if got := d.Attempts(job.JobID); got != 2 {
				t.Fatalf("expected attempt_count 2 after second failure, got %d", got)
			}
		}
	}

	if store.upsertCount() != 1 {
		t.Fatalf("expected exactly one successful upsert, got %d", store.upsertCount())
	}
	if got := d.Attempts(job.JobID); got != 0 {
		t.Fatalf("attempt tracking must clear on ack, got %d", got)
	}
}

func TestDispatchPermanentFailureAcks(t *testing.T) {
	d := newTestDispatcher(nil)
	d.Register(queue.KindFeedIngest, func(context.Context, *queue.Job) error {
		return queue.NewPermanentError("rejected", nil)
	})

	_, msg := testJobMessage(t)
	d.dispatch(context.Background(), msg)

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.Fatal("permanent failure must not be redelivered")
	case <-time.After(time.Second):
		t.Fatal("message not settled")
	}
}

func TestDispatchExhaustionAcks(t *testing.T) {
	d := NewDispatcher(nil, nil, config.WorkerConfig{
		PoolSize:  1,
		RetryBase: time.Millisecond,
		RetryMax:  2 * time.Millisecond,
	}, 2)
	d.Register(queue.KindFeedIngest, func(context.Context, *queue.Job) error {
		return queue.NewRetryableError("still down", nil)
	})

	ctx := context.Background()

	_, first := testJobMessage(t)
	d.dispatch(ctx, first)
	select {
	case <-first.Nacked():
	case <-time.After(time.Second):
		t.Fatal("first delivery should nack")
	}

	// Second failure hits the ceiling: acked away to the dead-letter path.
	_, second := testJobMessage(t)
	d.dispatch(ctx, second)
	select {
	case <-second.Acked():
	case <-time.After(time.Second):
		t.Fatal("exhausted delivery should ack")
	}
}

func TestDispatchUnknownKindAcks(t *testing.T) {
	d := newTestDispatcher(nil)

	_, msg := testJobMessage(t)
	d.dispatch(context.Background(), msg)

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("unhandled kind must be acked away")
	}
}

func TestServeConsumesFromSubscription(t *testing.T) {
	store := &fakeStore{}
	sink := NewFeedSink(store, nil, nil)

	sub := &fakeSubscriber{ch: make(chan *message.Message, 1)}
	d := newTestDispatcher(sub)
	d.Register(queue.KindFeedIngest, sink.HandleIngest)

	_, msg := testJobMessage(t)
	sub.ch <- msg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("message not processed")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if store.upsertCount() != 1 {
		t.Fatalf("expected one upsert, got %d", store.upsertCount())
	}
}

func TestWebhookDelivery(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{
		Targets: []config.WebhookTarget{{Name: "feedgen", URL: srv.URL, Secret: "s3cret"}},
		Timeout: 5 * time.Second,
	})

	job, err := queue.NewJob(queue.KindWebhookDeliver, "did:plc:abc", "",
		queue.WebhookPayload{Target: "feedgen", EventType: "scrobble.created", Body: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := sink.HandleDeliver(context.Background(), job); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotSig == "" {
		t.Fatal("expected signature header")
	}
	if !VerifySignature("s3cret", gotBody, gotSig) {
		t.Error("signature does not verify against received body")
	}
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retries", http.StatusInternalServerError, false},
		{"throttled retries", http.StatusTooManyRequests, false},
		{"client error is permanent", http.StatusNotFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sink := NewWebhookSink(config.WebhookConfig{
				Targets: []config.WebhookTarget{{Name: "t", URL: srv.URL}},
				Timeout: 5 * time.Second,
			})

			job, err := queue.NewJob(queue.KindWebhookDeliver, "", "",
				queue.WebhookPayload{Target: "t", EventType: "scrobble.created", Body: []byte(`{}`)})
			if err != nil {
				t.Fatalf("new job: %v", err)
			}

			err = sink.HandleDeliver(context.Background(), job)
			if err == nil {
				t.Fatal("expected error")
			}
			if queue.IsPermanent(err) != tt.permanent {
				t.Errorf("status %d: permanent=%v, want %v", tt.status, queue.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestWebhookUnknownTargetPermanent(t *testing.T) {
	sink := NewWebhookSink(config.WebhookConfig{Timeout: time.Second})
	job, err := queue.NewJob(queue.KindWebhookDeliver, "", "",
		queue.WebhookPayload{Target: "missing", EventType: "scrobble.created", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := sink.HandleDeliver(context.Background(), job); !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
