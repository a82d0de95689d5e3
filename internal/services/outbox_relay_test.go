package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hanko-field/orders/internal/repositories"
)

type stubPublisher struct {
	mu        sync.Mutex
	failFor   map[string]error
	published []OutboundMessage
}

func (p *stubPublisher) Publish(_ context.Context, msg OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[msg.ID]; err != nil {
		return err
	}
	p.published = append(p.published, msg)
	return nil
}

func seedOutbox(t *testing.T, registry *memRegistry, at time.Time, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := registry.Outbox().Insert(context.Background(), repositories.OutboxMessage{
			ID:            id,
			Topic:         DefaultEventTopic,
			EventType:     "shop-order-paid",
			Key:           "ord_" + id,
			Payload:       []byte(`{}`),
			CreatedAt:     at,
			NextAttemptAt: at,
		}); err != nil {
			t.Fatalf("seed outbox: %v", err)
		}
	}
}

func TestRelayOncePublishesAndReschedules(t *testing.T) {
	registry := newMemRegistry()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	seedOutbox(t, registry, now, "evt_1", "evt_2", "evt_3")
	publisher := &stubPublisher{failFor: map[string]error{"evt_2": errors.New("broker down")}}

	relay, err := NewOutboxRelay(OutboxRelayDeps{
		UnitOfWork: registry,
		Publisher:  publisher,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	stats, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("relay once: %v", err)
	}
	if stats != (RelayStats{Claimed: 3, Published: 2, Failed: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("expected 2 published, got %d", len(publisher.published))
	}

	st := registry.snapshot()
	if len(st.outbox) != 1 {
		t.Fatalf("expected only the failed message to remain, got %d", len(st.outbox))
	}
	failed := st.outbox["evt_2"]
	if failed.Attempts != 1 || failed.LastError == nil || *failed.LastError != "broker down" {
		t.Fatalf("unexpected failed message %+v", failed)
	}
	if !failed.NextAttemptAt.Equal(now.Add(defaultRelayBaseBackoff)) {
		t.Fatalf("expected base backoff, got %s", failed.NextAttemptAt)
	}

	stats, err = relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("second relay: %v", err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected rescheduled message to wait, got %+v", stats)
	}
}

func TestRelayOnceAbandonsAfterMaxAttempts(t *testing.T) {
	registry := newMemRegistry()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	seedOutbox(t, registry, now, "evt_1")
	publisher := &stubPublisher{failFor: map[string]error{"evt_1": errors.New("rejected")}}
	var events []string

	clock := now
	relay, err := NewOutboxRelay(OutboxRelayDeps{
		UnitOfWork:  registry,
		Publisher:   publisher,
		MaxAttempts: 2,
		Clock:       func() time.Time { return clock },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	for range 2 {
		if _, err := relay.RelayOnce(context.Background()); err != nil {
			t.Fatalf("relay: %v", err)
		}
		clock = clock.Add(time.Hour)
	}
	stats, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected abandoned message to stay parked, got %+v", stats)
	}
	if !containsEvent(events, "outbox.abandoned") {
		t.Fatalf("expected abandonment to be logged, got %v", events)
	}
	if got := registry.snapshot().outbox["evt_1"].Attempts; got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestRelayStoresTruncatedErrorAsValidUTF8(t *testing.T) {
	registry := newMemRegistry()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	seedOutbox(t, registry, now, "evt_1")
	// Two ASCII bytes put a three-byte rune across the length limit.
	reason := "xy" + strings.Repeat("\u914d", maxLastErrorLength)
	publisher := &stubPublisher{failFor: map[string]error{"evt_1": errors.New(reason)}}

	relay, err := NewOutboxRelay(OutboxRelayDeps{
		UnitOfWork: registry,
		Publisher:  publisher,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if _, err := relay.RelayOnce(context.Background()); err != nil {
		t.Fatalf("relay once: %v", err)
	}

	stored := registry.snapshot().outbox["evt_1"].LastError
	if stored == nil {
		t.Fatalf("expected last error to be stored")
	}
	if !utf8.ValidString(*stored) || len(*stored) > maxLastErrorLength || !strings.HasPrefix(reason, *stored) {
		t.Fatalf("unexpected stored error of %d bytes", len(*stored))
	}
	if len(*stored) < maxLastErrorLength-utf8.UTFMax {
		t.Fatalf("expected only the partial rune to be dropped, got %d bytes", len(*stored))
	}
}

func TestTruncateErrorTextDropsInvalidBytes(t *testing.T) {
	cases := map[string]string{
		"short":           "short",
		"bad\xffbyte":     "badbyte",
		"nul\x00inside":   "nulinside",
		"abc\xe9\x85\x8d": "abc\u914d",
	}
	for in, want := range cases {
		if got := truncateErrorText(in, 64); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
	if got := truncateErrorText("ab\u914d", 4); got != "ab" {
		t.Fatalf("expected the cut rune to be dropped, got %q", got)
	}
}

func TestRelayBackoffIsCapped(t *testing.T) {
	relay := &OutboxRelay{baseBackoff: 5 * time.Second, maxBackoff: time.Minute}
	cases := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		4: 40 * time.Second,
		5: time.Minute,
		9: time.Minute,
	}
	for attempts, want := range cases {
		if got := relay.backoff(attempts); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempts, want, got)
		}
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	registry := newMemRegistry()
	now := time.Now().UTC()
	seedOutbox(t, registry, now.Add(-time.Second), "evt_1")
	publisher := &stubPublisher{}

	relay, err := NewOutboxRelay(OutboxRelayDeps{
		UnitOfWork:   registry,
		Publisher:    publisher,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		publisher.mu.Lock()
		n := len(publisher.published)
		publisher.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message was not relayed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestNewOutboxRelayRequiresCollaborators(t *testing.T) {
	if _, err := NewOutboxRelay(OutboxRelayDeps{Publisher: &stubPublisher{}}); err == nil {
		t.Fatalf("expected error without unit of work")
	}
	if _, err := NewOutboxRelay(OutboxRelayDeps{UnitOfWork: newMemRegistry()}); err == nil {
		t.Fatalf("expected error without publisher")
	}
}
