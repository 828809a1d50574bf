package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
)

// EventStore records payment notifications that have already been applied.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// InsertTx records an event id. It returns false without error when the id
// was recorded before.
func (s *EventStore) InsertTx(ctx context.Context, q Querier, eventID, eventType, email string, credits int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, email, credits, processed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, email, credits, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *EventStore) Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	var e model.ProcessedEvent
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, email, credits, processed_at FROM processed_events WHERE event_id = ?`,
		eventID,
	).Scan(&e.EventID, &e.EventType, &e.Email, &e.Credits, &e.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processed event: %w", err)
	}
	return &e, nil
}

// DeleteOlderThan prunes the dedup table.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete processed events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
