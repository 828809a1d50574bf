package store

import (
	"context"
	"testing"

	"github.com/dukerupert/virtualtours/internal/database"
)

func setupPushTestDB(t *testing.T) *PushStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPushStore(db)
}

func TestPushSubscribe(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	sub, err := ps.Subscribe(ctx, "sess-a", "https://push.example/1", "p256", "auth")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID == 0 || sub.SessionID != "sess-a" || sub.Endpoint != "https://push.example/1" {
		t.Errorf("subscription = %+v", sub)
	}

	subs, err := ps.ListBySession(ctx, "sess-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len = %d, want 1", len(subs))
	}
}

func TestPushSubscribeUpsertMovesEndpoint(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	first, err := ps.Subscribe(ctx, "sess-a", "https://push.example/1", "old", "old")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := ps.Subscribe(ctx, "sess-b", "https://push.example/1", "new", "new")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("id = %d, want %d", second.ID, first.ID)
	}
	if second.SessionID != "sess-b" || second.P256dhKey != "new" || second.AuthKey != "new" {
		t.Errorf("subscription = %+v", second)
	}

	subs, _ := ps.ListBySession(ctx, "sess-a")
	if len(subs) != 0 {
		t.Errorf("old session still has %d subscriptions", len(subs))
	}
}

func TestPushUnsubscribe(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	if _, err := ps.Subscribe(ctx, "sess-a", "https://push.example/1", "k", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ok, err := ps.Unsubscribe(ctx, "sess-b", "https://push.example/1")
	if err != nil {
		t.Fatalf("unsubscribe other session: %v", err)
	}
	if ok {
		t.Error("another session should not remove the subscription")
	}

	ok, err = ps.Unsubscribe(ctx, "sess-a", "https://push.example/1")
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if !ok {
		t.Error("expected subscription to be removed")
	}

	sub, err := ps.GetByEndpoint(ctx, "https://push.example/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub != nil {
		t.Error("expected nil after unsubscribe")
	}
}

func TestPushDeleteByEndpoint(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	if _, err := ps.Subscribe(ctx, "sess-a", "https://push.example/gone", "k", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ps.DeleteByEndpoint(ctx, "https://push.example/gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	subs, _ := ps.ListBySession(ctx, "sess-a")
	if len(subs) != 0 {
		t.Errorf("len = %d, want 0", len(subs))
	}
}
