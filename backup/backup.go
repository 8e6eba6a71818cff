// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup snapshots the device store before remote changes are
// applied, so a failed or incorrect sync can be undone.
package backup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBackupFailed wraps any failure during snapshot creation; the sync
// flow treats it as a reason to abort the apply phase.
var ErrBackupFailed = errors.New("backup failed")

// Coordinator is the capability the sync flow consumes. Implementations
// outside this package (cloud targets, app-managed snapshots) satisfy
// the same contract.
type Coordinator interface {
	CreateBackup(ctx context.Context, reason string) (*Info, error)
	ListBackups(ctx context.Context) ([]Info, error)
	RestoreBackup(ctx context.Context, path string) error
	DeleteBackup(ctx context.Context, path string) error
}

// Info describes one on-disk backup.
type Info struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures the file-based backup manager.
type Config struct {
	Dir            string // destination directory for snapshots
	RetentionCount int    // number of backups to retain (default 10)
	Compression    bool   // gzip the snapshot file
}

// DefaultConfig returns a sensible file-backup configuration.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, RetentionCount: 10, Compression: true}
}

// Manager snapshots a live SQLite database via VACUUM INTO and keeps a
// JSON manifest of retained backups.
type Manager struct {
	db     *sql.DB
	dbPath string // target file for restores; empty disables restore
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	manifest manifest
}

type manifest struct {
	Backups []Info `json:"backups"`
}

// NewManager creates a backup manager for the database at dbPath.
func NewManager(db *sql.DB, dbPath string, config Config, logger *slog.Logger) (*Manager, error) {
	if config.Dir == "" {
		return nil, errors.New("backup destination directory required")
	}
	if config.RetentionCount <= 0 {
		config.RetentionCount = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	m := &Manager{db: db, dbPath: dbPath, config: config, logger: logger}
	if err := m.loadManifest(); err != nil {
		return nil, fmt.Errorf("failed to load backup manifest: %w", err)
	}
	return m, nil
}

func (m *Manager) manifestPath() string {
	return filepath.Join(m.config.Dir, "manifest.json")
}

func (m *Manager) loadManifest() error {
	raw, err := os.ReadFile(m.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &m.manifest)
}

func (m *Manager) saveManifest() error {
	raw, err := json.MarshalIndent(&m.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.manifestPath(), raw, 0o644)
}

// CreateBackup snapshots the database. The snapshot is taken with
// VACUUM INTO, which works on a live connection (including in-memory
// databases) without blocking writers for the full copy.
func (m *Manager) CreateBackup(ctx context.Context, reason string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	name := id + ".db"
	if m.config.Compression {
		name += ".gz"
	}
	dest := filepath.Join(m.config.Dir, name)

	tmp := filepath.Join(m.config.Dir, id+".tmp")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return nil, fmt.Errorf("%w: vacuum snapshot: %v", ErrBackupFailed, err)
	}
	defer os.Remove(tmp)

	size, err := m.finishSnapshot(tmp, dest)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	info := Info{
		ID:        id,
		Reason:    reason,
		Path:      dest,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	m.manifest.Backups = append(m.manifest.Backups, info)
	m.pruneLocked()
	if err := m.saveManifest(); err != nil {
		m.logger.Warn("failed to persist backup manifest", "error", err)
	}

	m.logger.Info("backup created", "id", id, "reason", reason, "size", size)
	return &info, nil
}

// finishSnapshot moves (optionally compressing) the raw snapshot into
// its final location and returns the final size.
func (m *Manager) finishSnapshot(tmp, dest string) (int64, error) {
	if !m.config.Compression {
		if err := os.Rename(tmp, dest); err != nil {
			return 0, fmt.Errorf("failed to place snapshot: %w", err)
		}
		st, err := os.Stat(dest)
		if err != nil {
			return 0, err
		}
		return st.Size(), nil
	}

	src, err := os.Open(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, src); err != nil {
		return 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize compression: %w", err)
	}

	st, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// ListBackups returns retained backups, newest first.
func (m *Manager) ListBackups(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, len(m.manifest.Backups))
	copy(out, m.manifest.Backups)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RestoreBackup replaces the database file with the named snapshot. The
// caller must have closed the store first; restoring is refused for
// in-memory databases.
func (m *Manager) RestoreBackup(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dbPath == "" {
		return errors.New("restore requires a file-backed database")
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", path, err)
	}
	defer src.Close()

	var reader io.Reader = src
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("failed to decompress backup: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	tmp := m.dbPath + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create restore staging file: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write restore staging file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.dbPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace database file: %w", err)
	}

	m.logger.Info("backup restored", "path", path)
	return nil
}

// DeleteBackup removes one snapshot and its manifest entry.
func (m *Manager) DeleteBackup(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete backup %s: %w", path, err)
	}
	kept := m.manifest.Backups[:0]
	for _, b := range m.manifest.Backups {
		if b.Path != path {
			kept = append(kept, b)
		}
	}
	m.manifest.Backups = kept
	if err := m.saveManifest(); err != nil {
		m.logger.Warn("failed to persist backup manifest", "error", err)
	}
	return nil
}

// pruneLocked drops the oldest backups beyond the retention count.
func (m *Manager) pruneLocked() {
	if len(m.manifest.Backups) <= m.config.RetentionCount {
		return
	}
	sort.Slice(m.manifest.Backups, func(i, j int) bool {
		return m.manifest.Backups[i].CreatedAt.Before(m.manifest.Backups[j].CreatedAt)
	})
	drop := m.manifest.Backups[:len(m.manifest.Backups)-m.config.RetentionCount]
	for _, b := range drop {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to prune old backup", "path", b.Path, "error", err)
		}
	}
	m.manifest.Backups = m.manifest.Backups[len(m.manifest.Backups)-m.config.RetentionCount:]
}
