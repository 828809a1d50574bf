// Package generation runs the credit-backed image generation workflow: it
// debits a credit, records a pending generation and produces the image in
// the background.
package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/model"
	"github.com/dukerupert/virtualtours/internal/store"
)

const (
	DefaultListLimit = 10
	maxListLimit     = 100
	creditCost       = 1
)

var (
	ErrNotFound      = errors.New("generation: not found")
	ErrWrongSession  = errors.New("generation: belongs to another session")
	ErrSessionNeeded = errors.New("generation: session id is required")
	ErrImageProvider = errors.New("generation: image provider failed")
	ErrShuttingDown  = errors.New("generation: workflow is shutting down")
)

// ImageProvider turns a prompt into downloadable image URLs.
type ImageProvider interface {
	Generate(ctx context.Context, prompt string) ([]string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Storage allocates generation folders and persists finished images.
type Storage interface {
	Allocate(ctx context.Context) (string, error)
	Discard(folder string) error
	Write(ctx context.Context, path string, data []byte) error
	Exists(path string) bool
}

// Notifier is told when a generation reaches a terminal state.
type Notifier interface {
	NotifyGeneration(g *model.Generation)
}

type Config struct {
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries      uint64
	RetryBase       time.Duration
	RefundOnFailure bool
	PollInterval    time.Duration
	TaskTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		RetryBase:       2 * time.Second,
		RefundOnFailure: true,
		PollInterval:    2 * time.Second,
		TaskTimeout:     10 * time.Minute,
	}
}

type Workflow struct {
	db          *sql.DB
	ledger      *ledger.Ledger
	generations *store.GenerationStore
	provider    ImageProvider
	storage     Storage
	notifiers   []Notifier
	metrics     *metrics.Metrics
	cfg         Config
	logger      *slog.Logger
	intn        func(int) int

	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

type Option func(*Workflow)

// WithRand replaces the scene picker used for unknown tour types.
func WithRand(intn func(int) int) Option {
	return func(w *Workflow) { w.intn = intn }
}

// WithNotifier adds n to the notifiers told about settled generations.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) { w.notifiers = append(w.notifiers, n) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

func New(db *sql.DB, l *ledger.Ledger, gens *store.GenerationStore, provider ImageProvider, storage Storage, cfg Config, logger *slog.Logger, opts ...Option) *Workflow {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workflow{
		db:          db,
		ledger:      l,
		generations: gens,
		provider:    provider,
		storage:     storage,
		cfg:         cfg,
		logger:      logger,
		intn:        rand.IntN,
		baseCtx:     ctx,
		cancelFn:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start debits one credit from email, records a pending generation for
// sessionID and dispatches image production. It returns without waiting for
// the image.
func (w *Workflow) Start(ctx context.Context, sessionID, email, tourType string) (*model.Generation, error) {
	if sessionID == "" {
		return nil, ErrSessionNeeded
	}
	if email == "" {
		return nil, ledger.ErrAccountNotFound
	}
	if !w.reserve() {
		return nil, ErrShuttingDown
	}

	g, err := w.create(ctx, sessionID, email, tourType)
	if err != nil {
		w.wg.Done()
		return nil, err
	}

	w.metrics.GenerationStarted()
	w.logger.Info("generation started", "generation_id", g.ID, "session_id", sessionID, "email", email)
	go w.run(g)
	return g, nil
}

func (w *Workflow) reserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return false
	}
	w.wg.Add(1)
	return true
}

// create runs the debit and the insert in one transaction so a credit is
// never spent without a record to show for it.
func (w *Workflow) create(ctx context.Context, sessionID, email, tourType string) (*model.Generation, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := w.ledger.DebitTx(ctx, tx, email, creditCost); err != nil {
		return nil, err
	}

	prompt := SelectPrompt(tourType, w.intn)
	folder, err := w.storage.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	g, err := w.generations.CreateTx(ctx, tx, prompt, sessionID, folder, email)
	if err != nil {
		w.storage.Discard(folder)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		w.storage.Discard(folder)
		return nil, fmt.Errorf("commit generation: %w", err)
	}
	return g, nil
}

// Resume re-dispatches generations left pending by a previous process.
func (w *Workflow) Resume(ctx context.Context) (int, error) {
	pending, err := w.generations.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range pending {
		if !w.reserve() {
			break
		}
		g := pending[i]
		w.logger.Info("resuming generation", "generation_id", g.ID, "attempts", g.Attempts)
		go w.run(&g)
		n++
	}
	return n, nil
}

func (w *Workflow) run(g *model.Generation) {
	defer w.wg.Done()
	started := time.Now()

	ctx, cancel := context.WithTimeout(w.baseCtx, w.cfg.TaskTimeout)
	defer cancel()
	logger := w.logger.With("generation_id", g.ID)

	if w.storage.Exists(g.ImagePath()) {
		w.finishReady(g, started)
		return
	}

	backoff := retry.WithMaxRetries(w.cfg.MaxRetries, retry.NewExponential(w.cfg.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := w.generations.IncrementAttempts(context.WithoutCancel(ctx), g.ID); err != nil {
			logger.Warn("failed to record attempt", "error", err)
		}
		if err := w.produce(ctx, g); err != nil {
			logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if err == nil {
		w.finishReady(g, started)
		return
	}
	if w.baseCtx.Err() != nil {
		logger.Info("generation interrupted by shutdown, left pending")
		return
	}
	w.finishFailed(g, err, started)
}

func (w *Workflow) produce(ctx context.Context, g *model.Generation) error {
	urls, err := w.provider.Generate(ctx, g.Prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageProvider, err)
	}
	if len(urls) == 0 {
		return fmt.Errorf("%w: no output", ErrImageProvider)
	}
	data, err := w.provider.Download(ctx, urls[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageProvider, err)
	}
	return w.storage.Write(ctx, g.ImagePath(), data)
}

func (w *Workflow) finishReady(g *model.Generation, started time.Time) {
	ctx := context.Background()
	if err := w.generations.MarkReady(ctx, g.ID); err != nil {
		w.logger.Error("failed to mark generation ready", "generation_id", g.ID, "error", err)
		return
	}
	g.Status = model.GenerationReady
	g.Error = ""
	w.metrics.GenerationFinished(true, time.Since(started))
	w.logger.Info("generation ready", "generation_id", g.ID, "took", time.Since(started))
	w.notify(g)
}

func (w *Workflow) finishFailed(g *model.Generation, cause error, started time.Time) {
	ctx := context.Background()
	refunded, err := w.markFailed(ctx, g, cause.Error())
	if err != nil {
		w.logger.Error("failed to mark generation failed", "generation_id", g.ID, "error", err)
		return
	}
	g.Status = model.GenerationFailed
	g.Error = cause.Error()
	g.Refunded = g.Refunded || refunded
	w.metrics.GenerationFinished(false, time.Since(started))
	if refunded {
		w.metrics.GenerationRefunded()
	}
	w.logger.Error("generation failed", "generation_id", g.ID, "refunded", refunded, "error", cause)
	w.notify(g)
}

// markFailed flips the record to failed and, when configured, returns the
// credit in the same transaction.
func (w *Workflow) markFailed(ctx context.Context, g *model.Generation, reason string) (bool, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := w.generations.MarkFailedTx(ctx, tx, g.ID, reason)
	if err != nil {
		return false, err
	}
	refunded := false
	if moved && w.cfg.RefundOnFailure && g.OwnerEmail != "" {
		_, err := w.ledger.CreditTx(ctx, tx, g.OwnerEmail, creditCost)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			w.logger.Warn("refund skipped, account gone", "generation_id", g.ID, "email", g.OwnerEmail)
		case err != nil:
			return false, fmt.Errorf("refund credit: %w", err)
		default:
			ok, err := w.generations.MarkRefundedTx(ctx, tx, g.ID)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, fmt.Errorf("generation %d already refunded", g.ID)
			}
			refunded = true
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit failure: %w", err)
	}
	return refunded, nil
}

func (w *Workflow) notify(g *model.Generation) {
	for _, n := range w.notifiers {
		n.NotifyGeneration(g)
	}
}

// Wait blocks until every dispatched task has finished.
func (w *Workflow) Wait() {
	w.wg.Wait()
}

// Shutdown stops accepting work and waits for running tasks. If ctx expires
// first, running tasks are cancelled and their records stay pending for
// Resume.
func (w *Workflow) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancelFn()
		return nil
	case <-ctx.Done():
		w.cancelFn()
		<-done
		return ctx.Err()
	}
}
