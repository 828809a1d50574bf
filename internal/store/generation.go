package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
)

type GenerationStore struct {
	db *sql.DB
}

func NewGenerationStore(db *sql.DB) *GenerationStore {
	return &GenerationStore{db: db}
}

func scanGeneration(scanner interface{ Scan(...any) error }) (*model.Generation, error) {
	var g model.Generation
	var status string
	err := scanner.Scan(
		&g.ID, &g.Prompt, &g.SessionID, &g.Folder, &g.OwnerEmail,
		&status, &g.Error, &g.Attempts, &g.Refunded, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Status = model.GenerationStatus(status)
	return &g, nil
}

const generationCols = `id, prompt, session_id, folder, owner_email, status, error, attempts, refunded, created_at, updated_at`

// Create inserts a pending generation record.
func (s *GenerationStore) Create(ctx context.Context, prompt, sessionID, folder, ownerEmail string) (*model.Generation, error) {
	return s.CreateTx(ctx, s.db, prompt, sessionID, folder, ownerEmail)
}

// CreateTx inserts a pending generation record using q, typically the
// transaction that also debited the owner's balance.
func (s *GenerationStore) CreateTx(ctx context.Context, q Querier, prompt, sessionID, folder, ownerEmail string) (*model.Generation, error) {
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx,
		`INSERT INTO generations (prompt, session_id, folder, owner_email, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		prompt, sessionID, folder, ownerEmail, string(model.GenerationPending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert generation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := q.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE id = ?`, id)
	return scanGeneration(row)
}

func (s *GenerationStore) GetByID(ctx context.Context, id int64) (*model.Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get generation by id: %w", err)
	}
	return g, nil
}

// ListBySession returns the newest generations for a session, newest first.
func (s *GenerationStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationCols+` FROM generations WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()
	return collectGenerations(rows)
}

// ListPending returns every generation still waiting on a result, oldest first.
func (s *GenerationStore) ListPending(ctx context.Context) ([]model.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationCols+` FROM generations WHERE status = ? ORDER BY id`,
		string(model.GenerationPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending generations: %w", err)
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func collectGenerations(rows *sql.Rows) ([]model.Generation, error) {
	var gens []model.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return gens, nil
}

func (s *GenerationStore) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE generations SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	return nil
}

// MarkReady moves a pending generation to ready. Records that already left
// the pending state are untouched.
func (s *GenerationStore) MarkReady(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, error = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(model.GenerationReady), time.Now().UTC(), id, string(model.GenerationPending),
	)
	if err != nil {
		return fmt.Errorf("mark generation ready: %w", err)
	}
	return nil
}

// MarkFailedTx moves a pending generation to failed and reports whether the
// transition happened.
func (s *GenerationStore) MarkFailedTx(ctx context.Context, q Querier, id int64, reason string) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE generations SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.GenerationFailed), reason, time.Now().UTC(), id, string(model.GenerationPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark generation failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkRefundedTx flags a failed generation as refunded. It reports false if
// the generation was already refunded, so a credit is returned at most once.
func (s *GenerationStore) MarkRefundedTx(ctx context.Context, q Querier, id int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE generations SET refunded = 1, updated_at = ? WHERE id = ? AND refunded = 0`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark generation refunded: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
