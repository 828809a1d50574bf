package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/virtualtours/internal/database"
)

func setupEventTestDB(t *testing.T) *EventStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventStore(db)
}

func TestEventInsertDedup(t *testing.T) {
	es := setupEventTestDB(t)
	ctx := context.Background()

	inserted, err := es.InsertTx(ctx, es.db, "evt_1", "checkout.session.completed", "alice@example.com", 3)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Error("first insert should report inserted")
	}

	inserted, err = es.InsertTx(ctx, es.db, "evt_1", "checkout.session.completed", "alice@example.com", 3)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should report not inserted")
	}

	e, err := es.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil || e.Credits != 3 || e.Email != "alice@example.com" {
		t.Errorf("event = %+v", e)
	}
}

func TestEventDeleteOlderThan(t *testing.T) {
	es := setupEventTestDB(t)
	ctx := context.Background()

	if _, err := es.InsertTx(ctx, es.db, "evt_old", "t", "a@example.com", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := es.db.Exec(`UPDATE processed_events SET processed_at = datetime('now', '-60 days') WHERE event_id = 'evt_old'`)
	if err != nil {
		t.Fatalf("age event: %v", err)
	}
	if _, err := es.InsertTx(ctx, es.db, "evt_new", "t", "a@example.com", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := es.DeleteOlderThan(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if e, _ := es.Get(ctx, "evt_new"); e == nil {
		t.Error("recent event should remain")
	}
}
