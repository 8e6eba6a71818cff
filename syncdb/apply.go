// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/taskmesh/taskmesh/syncwire"
)

// ApplyResult reports the outcome of applying a remote change batch.
type ApplyResult struct {
	Applied int
	Failed  int

	// AppliedIDs are the remote log IDs of successfully applied changes,
	// in input order; these feed the CHANGES_ACK back to the sender.
	AppliedIDs []int64
}

// ApplyRemoteChanges materializes a batch of validated remote changes
// with change tracking suspended, so none of these writes are re-logged
// as fresh local mutations. The whole batch runs in one transaction;
// per-change failures are logged and skipped rather than aborting the
// rest. Tracking is re-enabled on every exit path.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes []syncwire.ChangeRecord) (ApplyResult, error) {
	var result ApplyResult
	if len(changes) == 0 {
		return result, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.SetTrackingEnabled(false)
	defer s.SetTrackingEnabled(true)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for i := range changes {
		ch := &changes[i]
		if err := s.applyOneInTx(ctx, tx, ch); err != nil {
			result.Failed++
			s.logger.Error("failed to apply remote change; skipping",
				"entity_type", ch.EntityType, "entity_id", ch.EntityID, "op", ch.Op, "error", err)
			continue
		}
		result.Applied++
		if ch.ID != 0 {
			result.AppliedIDs = append(result.AppliedIDs, ch.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	committed = true
	return result, nil
}

// applyOneInTx dispatches a single remote change.
func (s *Store) applyOneInTx(ctx context.Context, tx *sql.Tx, ch *syncwire.ChangeRecord) error {
	table, pkColumn, softDelete, err := TableFor(ch.EntityType)
	if err != nil {
		return err
	}

	switch ch.Op {
	case syncwire.OpInsert, syncwire.OpUpdate:
		return s.applyUpsertInTx(ctx, tx, ch, table, pkColumn)
	case syncwire.OpDelete:
		return s.applyDeleteInTx(ctx, tx, ch, table, pkColumn, softDelete)
	default:
		return fmt.Errorf("unknown operation %q", ch.Op)
	}
}

// applyUpsertInTx applies an INSERT or UPDATE. An INSERT whose row
// already exists (prior partial sync, retransmission) falls back to the
// UPDATE path instead of failing; an UPDATE whose row is missing falls
// back to INSERT. Either way the apply is idempotent.
func (s *Store) applyUpsertInTx(ctx context.Context, tx *sql.Tx, ch *syncwire.ChangeRecord, table, pkColumn string) error {
	if len(ch.Data) == 0 {
		return fmt.Errorf("%s requires a data payload", ch.Op)
	}

	var payload map[string]any
	if err := json.Unmarshal(ch.Data, &payload); err != nil {
		return fmt.Errorf("failed to parse change payload: %w", err)
	}

	info, err := s.tables.Get(tx, table)
	if err != nil {
		return err
	}

	// Filter the payload to real columns; a peer can never name a column
	// that does not exist here.
	cols := make([]string, 0, len(payload))
	for col := range payload {
		lc := strings.ToLower(col)
		if lc == pkColumn {
			continue
		}
		if info.HasColumn(lc) {
			cols = append(cols, lc)
		} else {
			s.logger.Debug("dropping unknown column from remote payload",
				"table", table, "column", col)
		}
	}
	sort.Strings(cols)

	var exists bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s = ?)`, table, pkColumn),
		ch.EntityID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check row existence: %w", err)
	}

	if exists {
		if len(cols) == 0 {
			return nil
		}
		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+1)
		for i, col := range cols {
			sets[i] = col + " = ?"
			args = append(args, sqlValue(payload[col]))
		}
		args = append(args, ch.EntityID)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`, table, strings.Join(sets, ", "), pkColumn)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update row: %w", err)
		}
		return nil
	}

	insertCols := append([]string{pkColumn}, cols...)
	args := make([]any, 0, len(insertCols))
	args = append(args, ch.EntityID)
	for _, col := range cols {
		args = append(args, sqlValue(payload[col]))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(insertCols, ", "), placeholders(len(insertCols)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// applyDeleteInTx applies a DELETE. Soft-deletable entity types get a
// tombstone timestamp unless the change carries an explicit permanent
// flag; everything else is hard-deleted.
func (s *Store) applyDeleteInTx(ctx context.Context, tx *sql.Tx, ch *syncwire.ChangeRecord, table, pkColumn string, softDelete bool) error {
	permanent := false
	if len(ch.Data) > 0 {
		var flags struct {
			Permanent bool `json:"permanent"`
		}
		if err := json.Unmarshal(ch.Data, &flags); err != nil {
			return fmt.Errorf("failed to parse delete payload: %w", err)
		}
		permanent = flags.Permanent
	}

	if softDelete && !permanent {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET deleted_at = ? WHERE %s = ? AND deleted_at IS NULL`, table, pkColumn),
			syncwire.Now(), ch.EntityID)
		if err != nil {
			return fmt.Errorf("failed to tombstone row: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, pkColumn), ch.EntityID)
	if err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	return nil
}

// sqlValue converts decoded JSON values into bindable SQL values.
// Nested structures are stored as JSON text.
func sqlValue(v any) any {
	switch val := v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return v
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
