// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/syncwire"
)

// LogChange appends one local mutation to the change log. It is a no-op
// while tracking is suspended (remote apply in progress). A logging
// failure degrades future sync completeness but must never block the
// mutation that triggered it, so callers normally go through
// MutationHook rather than handling the error themselves.
func (s *Store) LogChange(ctx context.Context, entityType syncwire.EntityType, entityID string, op syncwire.Operation, data json.RawMessage) error {
	if !s.TrackingEnabled() {
		return nil
	}
	if !entityType.Valid() {
		return fmt.Errorf("cannot log change: unknown entity type %q", entityType)
	}
	if !op.Valid() {
		return fmt.Errorf("cannot log change: unknown operation %q", op)
	}

	var payload any
	if len(data) > 0 {
		payload = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _change_log (entity_type, entity_id, op, data, ts, synced)
		VALUES (?, ?, ?, ?, ?, 0)
	`, string(entityType), entityID, string(op), payload, syncwire.Now())
	if err != nil {
		return fmt.Errorf("failed to log change for %s %s: %w", entityType, entityID, err)
	}
	return nil
}

// MutationHook returns the collaborator callback the application wires
// into its local mutation path. Logging errors are recorded and
// swallowed; local functionality never blocks on the change log.
func (s *Store) MutationHook() func(entityType syncwire.EntityType, entityID string, op syncwire.Operation, data json.RawMessage) {
	return func(entityType syncwire.EntityType, entityID string, op syncwire.Operation, data json.RawMessage) {
		if err := s.LogChange(context.Background(), entityType, entityID, op, data); err != nil {
			s.logger.Error("change log write failed; continuing",
				"entity_type", entityType, "entity_id", entityID, "op", op, "error", err)
		}
	}
}

// UnsyncedChanges returns every change not yet acknowledged by a peer,
// ordered by timestamp ascending (log ID breaks ties).
func (s *Store) UnsyncedChanges(ctx context.Context) ([]syncwire.ChangeRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, data, ts
		FROM _change_log
		WHERE synced = 0
		ORDER BY ts ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced changes: %w", err)
	}
	defer rows.Close()

	var changes []syncwire.ChangeRecord
	for rows.Next() {
		var (
			ch   syncwire.ChangeRecord
			et   string
			op   string
			data []byte
		)
		if err := rows.Scan(&ch.ID, &et, &ch.EntityID, &op, &data, &ch.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		ch.EntityType = syncwire.EntityType(et)
		ch.Op = syncwire.Operation(op)
		if len(data) > 0 {
			ch.Data = json.RawMessage(data)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unsynced changes: %w", err)
	}
	return changes, nil
}

// UnsyncedCount returns the number of changes awaiting sync.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _change_log WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsynced changes: %w", err)
	}
	return n, nil
}

// MarkSynced flips the synced flag for the given log IDs. The flag never
// transitions back; IDs already synced are unaffected.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE _change_log SET synced = 1 WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to mark changes synced: %w", err)
	}
	return nil
}

// ClearSyncedChanges garbage-collects all acknowledged log rows.
func (s *Store) ClearSyncedChanges(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM _change_log WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear synced changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared changes: %w", err)
	}
	return n, nil
}

// ChangeLogCount returns the total number of log rows, synced or not.
// Used by tests and diagnostics.
func (s *Store) ChangeLogCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _change_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count change log rows: %w", err)
	}
	return n, nil
}
