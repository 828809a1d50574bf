// Package backup takes encrypted snapshots of the SQLite database and keeps
// them in object storage.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/objectstore"
)

const keyDir = "backups"

var ErrNotConfigured = errors.New("backup: object storage or passphrase not configured")

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type Config struct {
	Passphrase    string
	RetentionDays int
}

// Manager manages encrypted backups to S3-compatible storage.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	status Status

	db      *sql.DB
	bucket  *objectstore.Bucket
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a backup manager. With a nil bucket or an empty
// passphrase the manager is disabled and RunNow returns ErrNotConfigured.
func NewManager(cfg Config, db *sql.DB, bucket *objectstore.Bucket, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	mgr := &Manager{
		cfg:     cfg,
		db:      db,
		bucket:  bucket,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		status:  Status{State: StateDisabled},
	}
	if mgr.enabled() {
		mgr.status.State = StateIdle
	}
	return mgr
}

func (m *Manager) enabled() bool {
	return m.bucket != nil && m.cfg.Passphrase != ""
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run takes a backup and prunes old ones. It is meant for the scheduler and
// only logs failures.
func (m *Manager) Run(ctx context.Context) {
	if !m.enabled() {
		return
	}
	key, err := m.RunNow(ctx)
	if err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
		return
	}
	m.logger.Info("backup uploaded", "key", key)
	if n, err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "error", err)
	} else if n > 0 {
		m.logger.Info("old backups removed", "count", n)
	}
}

// RunNow snapshots the database, encrypts it and uploads it, returning the
// object key.
func (m *Manager) RunNow(ctx context.Context) (string, error) {
	if !m.enabled() {
		return "", ErrNotConfigured
	}
	m.mu.Lock()
	if m.status.State == StateRunning {
		m.mu.Unlock()
		return "", fmt.Errorf("backup already running")
	}
	prev := m.status
	m.status = Status{State: StateRunning, LastBackup: prev.LastBackup, LastKey: prev.LastKey}
	m.mu.Unlock()

	key, err := m.runBackup(ctx)
	m.metrics.Backup(err)
	if err != nil {
		m.setStatus(Status{State: StateError, LastBackup: prev.LastBackup, LastKey: prev.LastKey, Error: err.Error()})
		return "", err
	}
	now := m.now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &now, LastKey: key})
	return key, nil
}

func (m *Manager) runBackup(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "virtualtours-backup-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	enc, err := Encrypt(plaintext, m.cfg.Passphrase)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	key := fmt.Sprintf("%s/backup-%s.db.enc", keyDir, m.now().UTC().Format("2006-01-02T150405Z"))
	if err := m.bucket.Put(ctx, key, enc, "application/octet-stream"); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return key, nil
}

// List returns stored backups, newest first.
func (m *Manager) List(ctx context.Context) ([]objectstore.Object, error) {
	if m.bucket == nil {
		return nil, ErrNotConfigured
	}
	objs, err := m.bucket.List(ctx, keyDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key > objs[j].Key })
	return objs, nil
}

// Cleanup deletes backups older than the retention period.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.bucket == nil {
		return 0, nil
	}
	objs, err := m.bucket.List(ctx, keyDir)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	deleted := 0
	for _, o := range objs {
		if o.LastModified.IsZero() || !o.LastModified.Before(cutoff) {
			continue
		}
		if err := m.bucket.Delete(ctx, o.Key); err != nil {
			m.logger.Warn("failed to delete backup", "key", o.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Restore downloads and decrypts the backup at key, checks its integrity and
// writes it to dstPath. The server must not be using dstPath.
func (m *Manager) Restore(ctx context.Context, key, dstPath string) error {
	if !m.enabled() {
		return ErrNotConfigured
	}
	if !strings.HasPrefix(key, keyDir+"/") {
		key = keyDir + "/" + key
	}
	enc, err := m.bucket.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download backup: %w", err)
	}
	plaintext, err := Decrypt(enc, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	tmp := dstPath + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	if err := integrityCheck(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dstPath + "-wal")
	os.Remove(dstPath + "-shm")
	return nil
}

func integrityCheck(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
