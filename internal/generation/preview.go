package generation

import (
	"context"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
)

// Preview is the polling view of one generation.
type Preview struct {
	Generation *model.Generation
	Ready      bool
	// RetryAfter is set while the generation is pending.
	RetryAfter time.Duration
}

// Preview reports the state of generation id for sessionID.
func (w *Workflow) Preview(ctx context.Context, id int64, sessionID string) (*Preview, error) {
	g, err := w.generations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.SessionID != sessionID {
		return nil, ErrWrongSession
	}

	// Records from before the status column only prove readiness by file.
	if g.Status == model.GenerationPending && w.storage.Exists(g.ImagePath()) {
		g.Status = model.GenerationReady
	}

	p := &Preview{Generation: g}
	switch g.Status {
	case model.GenerationReady:
		p.Ready = true
	case model.GenerationPending:
		p.RetryAfter = w.cfg.PollInterval
	}
	return p, nil
}

// PollInterval is how long clients should wait between polls of a pending
// generation.
func (w *Workflow) PollInterval() time.Duration {
	return w.cfg.PollInterval
}

// ListRecent returns the newest generations for sessionID, newest first.
func (w *Workflow) ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Generation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return w.generations.ListBySession(ctx, sessionID, limit)
}
