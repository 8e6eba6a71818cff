// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncdb is the per-device store layer: the application tables,
// the append-only change log, per-peer sync checkpoints, and the applier
// that materializes remote changes with change tracking suspended.
package syncdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskmesh/taskmesh/syncwire"
)

// Store wraps one device's SQLite database. A Store is constructed
// explicitly and passed by reference; the host role creates one per
// process, never a process-wide singleton.
type Store struct {
	DB     *sql.DB
	Path   string // empty for in-memory databases
	logger *slog.Logger
	tables *tableInfoProvider

	// Change tracking switch (atomic). Disabled while the applier writes
	// remote mutations, so a remote write is never re-logged as local.
	trackingOff int32

	// Serialize write transactions to avoid SQLite locking issues.
	writeMu sync.Mutex
}

// Identity is the durable device identity stored alongside the data.
type Identity struct {
	DeviceID   string
	DeviceName string
}

// Open opens (or creates) the database at path and initializes the
// schema. Use NewStore to wrap an existing handle (e.g. ":memory:").
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.Path = path
	return store, nil
}

// NewStore wraps an existing database handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{
		DB:     db,
		logger: logger,
		tables: newTableInfoProvider(),
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// EnsureIdentity returns the persisted device identity, generating and
// storing a fresh device ID on first use.
func (s *Store) EnsureIdentity(deviceName string) (Identity, error) {
	var id Identity
	err := s.DB.QueryRow(`SELECT device_id, device_name FROM _sync_device LIMIT 1`).
		Scan(&id.DeviceID, &id.DeviceName)
	if errors.Is(err, sql.ErrNoRows) {
		id = Identity{DeviceID: uuid.New().String(), DeviceName: deviceName}
		_, err = s.DB.Exec(`INSERT INTO _sync_device (device_id, device_name) VALUES (?, ?)`,
			id.DeviceID, id.DeviceName)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to persist device identity: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to query device identity: %w", err)
	}
	if deviceName != "" && deviceName != id.DeviceName {
		if _, err := s.DB.Exec(`UPDATE _sync_device SET device_name = ?`, deviceName); err != nil {
			return Identity{}, fmt.Errorf("failed to rename device: %w", err)
		}
		id.DeviceName = deviceName
	}
	return id, nil
}

// SetTrackingEnabled globally suspends or resumes change logging.
func (s *Store) SetTrackingEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&s.trackingOff, 0)
	} else {
		atomic.StoreInt32(&s.trackingOff, 1)
	}
}

// TrackingEnabled reports whether local mutations are being logged.
func (s *Store) TrackingEnabled() bool {
	return atomic.LoadInt32(&s.trackingOff) == 0
}

// UpsertPeer records that a peer exists, keeping its display name fresh.
func (s *Store) UpsertPeer(ctx context.Context, peerID, peerName string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_peers (peer_device_id, peer_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET peer_name = excluded.peer_name, updated_at = excluded.updated_at
	`, peerID, peerName, syncwire.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert peer %s: %w", peerID, err)
	}
	return nil
}

// LastSyncTime returns the checkpoint high-water mark for a peer, zero
// when the pair has never completed a sync.
func (s *Store) LastSyncTime(ctx context.Context, peerID string) (int64, error) {
	var ts int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_sync_time FROM _sync_peers WHERE peer_device_id = ?`, peerID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query checkpoint for %s: %w", peerID, err)
	}
	return ts, nil
}

// SetLastSyncTime advances the checkpoint for a peer.
func (s *Store) SetLastSyncTime(ctx context.Context, peerID string, ts int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_peers (peer_device_id, last_sync_time, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET last_sync_time = excluded.last_sync_time, updated_at = excluded.updated_at
	`, peerID, ts, syncwire.Now())
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for %s: %w", peerID, err)
	}
	return nil
}

// PeerToken returns the stored auth token for a peer, empty when none.
func (s *Store) PeerToken(ctx context.Context, peerID string) (string, error) {
	var token sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT token FROM _sync_peers WHERE peer_device_id = ?`, peerID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query peer token: %w", err)
	}
	return token.String, nil
}

// SetPeerToken stores the token a host issued for this device.
func (s *Store) SetPeerToken(ctx context.Context, peerID, token string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_peers (peer_device_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, peerID, token, syncwire.Now())
	if err != nil {
		return fmt.Errorf("failed to store peer token: %w", err)
	}
	return nil
}

// ClearPeerToken discards a stored token after the host rejected it.
func (s *Store) ClearPeerToken(ctx context.Context, peerID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE _sync_peers SET token = NULL, updated_at = ? WHERE peer_device_id = ?`,
		syncwire.Now(), peerID)
	if err != nil {
		return fmt.Errorf("failed to clear peer token: %w", err)
	}
	return nil
}
