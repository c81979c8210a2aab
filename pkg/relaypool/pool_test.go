package relaypool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
)

func testEvent(t *testing.T, kp *identity.Keypair, content string) *event.Event {
	t.Helper()
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindChatMessage,
		Content:   content,
	}
	if err := ev.Sign(kp); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestSeenSetDedup(t *testing.T) {
	s := newSeenSet(4)
	if !s.add("a") {
		t.Error("first add should succeed")
	}
	if s.add("a") {
		t.Error("second add of same id should report duplicate")
	}
	// Overflow evicts the oldest entry.
	for _, id := range []string{"b", "c", "d", "e"} {
		s.add(id)
	}
	if !s.add("a") {
		t.Error("evicted id should be addable again")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	for attempt := 0; attempt < 40; attempt++ {
		d := backoffDelay(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		if d > backoffCap+backoffBase {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}
}

func TestHealthClassification(t *testing.T) {
	cases := []struct {
		live, total int
		rtt         time.Duration
		want        Health
	}{
		{0, 3, 0, HealthPoor},
		{1, 3, 100 * time.Millisecond, HealthFair},
		{2, 3, 100 * time.Millisecond, HealthGood},
		{3, 3, 100 * time.Millisecond, HealthExcellent},
		{3, 3, 2 * time.Second, HealthGood},
	}
	for _, tc := range cases {
		if got := classify(tc.live, tc.total, tc.rtt); got != tc.want {
			t.Errorf("classify(%d, %d, %v) = %v, want %v",
				tc.live, tc.total, tc.rtt, got, tc.want)
		}
	}
}

func TestMemoryOutboxBound(t *testing.T) {
	kp, _ := identity.Generate()
	ob := NewMemoryOutbox(2)

	if err := ob.Append(testEvent(t, kp, "1")); err != nil {
		t.Fatal(err)
	}
	if err := ob.Append(testEvent(t, kp, "2")); err != nil {
		t.Fatal(err)
	}
	if err := ob.Append(testEvent(t, kp, "3")); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("expected ErrOutboxFull, got %v", err)
	}

	batch, err := ob.Drain(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("drained %d, want 2", len(batch))
	}
	if n, _ := ob.Len(); n != 0 {
		t.Errorf("len after drain = %d", n)
	}
}

func TestBadgerOutbox(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	kp, _ := identity.Generate()
	ob, err := NewBadgerOutbox(db, 3)
	if err != nil {
		t.Fatal(err)
	}

	first := testEvent(t, kp, "first")
	second := testEvent(t, kp, "second")
	if err := ob.Append(first); err != nil {
		t.Fatal(err)
	}
	if err := ob.Append(second); err != nil {
		t.Fatal(err)
	}

	// A new outbox over the same DB recovers the queue.
	ob2, err := NewBadgerOutbox(db, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := ob2.Len(); n != 2 {
		t.Fatalf("recovered len = %d, want 2", n)
	}

	batch, err := ob2.Drain(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].ID != first.ID {
		t.Error("drain should return entries in append order")
	}
	batch, _ = ob2.Drain(0)
	if len(batch) != 1 || batch[0].ID != second.ID {
		t.Error("second drain should return the remaining entry")
	}
}

func TestPublishQueuesWhenOffline(t *testing.T) {
	kp, _ := identity.Generate()
	p := New(nil, WithOutbox(NewMemoryOutbox(1)))
	defer p.Close()

	if err := p.Publish(context.Background(), testEvent(t, kp, "queued")); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.outbox.Len(); n != 1 {
		t.Errorf("outbox len = %d, want 1", n)
	}
	if err := p.Publish(context.Background(), testEvent(t, kp, "over")); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("expected ErrOutboxFull, got %v", err)
	}
}

func TestPublishRejectsUnsigned(t *testing.T) {
	p := New(nil)
	defer p.Close()

	ev := &event.Event{Kind: event.KindChatMessage, Content: "x"}
	if err := p.Publish(context.Background(), ev); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDispatchRoutesAndDeduplicates(t *testing.T) {
	kp, _ := identity.Generate()
	p := New(nil)
	defer p.Close()

	ch, cancel := p.Subscribe(context.Background(), event.Filter{
		Kinds: []event.Kind{event.KindChatMessage},
	})
	defer cancel()

	ev := testEvent(t, kp, "hello")
	p.dispatch(ev)
	p.dispatch(ev) // duplicate from a second endpoint

	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Errorf("got event %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
	select {
	case <-ch:
		t.Error("duplicate should have been suppressed")
	default:
	}
}

func TestDispatchDropsTampered(t *testing.T) {
	kp, _ := identity.Generate()
	p := New(nil)
	defer p.Close()

	ch, cancel := p.Subscribe(context.Background(), event.Filter{})
	defer cancel()

	ev := testEvent(t, kp, "original")
	ev.Content = "tampered"
	p.dispatch(ev)

	select {
	case <-ch:
		t.Error("tampered event must not be delivered")
	default:
	}
}

func TestSubscribeFilterExcludes(t *testing.T) {
	kp, _ := identity.Generate()
	p := New(nil)
	defer p.Close()

	ch, cancel := p.Subscribe(context.Background(), event.Filter{
		Kinds: []event.Kind{event.KindGoalUpdate},
	})
	defer cancel()

	p.dispatch(testEvent(t, kp, "chat, not goal"))

	select {
	case <-ch:
		t.Error("non-matching event must not be delivered")
	default:
	}
}
