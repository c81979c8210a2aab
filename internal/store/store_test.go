package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
)

func signedEvent(t *testing.T, kind event.Kind, group string, createdAt int64) *event.Event {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ev := &event.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Content:   "payload",
	}
	if group != "" {
		ev.AppendTag(event.TagGroup, group)
	}
	if err := ev.Sign(kp); err != nil {
		t.Fatal(err)
	}
	return ev
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": bs,
	}
}

func TestPutGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ev := signedEvent(t, event.KindChatMessage, "g1", 100)
			if err := s.Put(ev); err != nil {
				t.Fatal(err)
			}
			got, err := s.Get(ev.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != ev.ID || got.Content != ev.Content {
				t.Errorf("got %+v", got)
			}
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing get: %v", err)
			}
		})
	}
}

func TestQueryFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := s.Put(signedEvent(t, event.KindGoalUpdate, "g1", int64(100+i))); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.Put(signedEvent(t, event.KindChatMessage, "g2", 50)); err != nil {
				t.Fatal(err)
			}

			f, err := CompileFilter(fmt.Sprintf(`kind == %d && group == "g1"`, event.KindGoalUpdate))
			if err != nil {
				t.Fatal(err)
			}
			got, err := s.Query(f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Errorf("matched %d, want 3", len(got))
			}

			recent, err := CompileFilter(`created_at >= 101`)
			if err != nil {
				t.Fatal(err)
			}
			got, err = s.Query(recent)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 {
				t.Errorf("matched %d, want 2", len(got))
			}

			// nil filter returns everything
			all, err := s.Query(nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 4 {
				t.Errorf("all = %d, want 4", len(all))
			}
		})
	}
}

func TestCompileFilterRejectsBadExpr(t *testing.T) {
	if _, err := CompileFilter(`kind ==`); err == nil {
		t.Error("expected compile error")
	}
}

func TestFilterMissingAttributeIsFalse(t *testing.T) {
	// proposal tag absent: expression must evaluate false, not error
	f, err := CompileFilter(`proposal == "p1"`)
	if err != nil {
		t.Fatal(err)
	}
	ev := signedEvent(t, event.KindChatMessage, "g1", 100)
	if f.Matches(ev) {
		t.Error("missing attribute matched")
	}
}
