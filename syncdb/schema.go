// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncdb

import (
	"database/sql"
	"fmt"

	"github.com/taskmesh/taskmesh/syncwire"
)

// entityTable maps a syncable entity type onto its backing table.
type entityTable struct {
	table      string
	pkColumn   string
	softDelete bool // tombstone via deleted_at instead of hard delete
}

var entityTables = map[syncwire.EntityType]entityTable{
	syncwire.EntityTask:           {table: "tasks", pkColumn: "id", softDelete: true},
	syncwire.EntityProject:        {table: "projects", pkColumn: "id", softDelete: true},
	syncwire.EntityList:           {table: "lists", pkColumn: "id", softDelete: true},
	syncwire.EntityTag:            {table: "tags", pkColumn: "id", softDelete: true},
	syncwire.EntitySettings:       {table: "settings", pkColumn: "key", softDelete: false},
	syncwire.EntityTaskCompletion: {table: "task_completions", pkColumn: "id", softDelete: false},
	syncwire.EntityTaskTag:        {table: "task_tags", pkColumn: "id", softDelete: false},
}

// schemaStatements creates the application tables and the sync metadata
// tables. All timestamps are unix milliseconds UTC; deleted_at is the
// soft-delete tombstone.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		color       TEXT,
		position    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL DEFAULT 0,
		deleted_at  INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS lists (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		color       TEXT,
		position    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL DEFAULT 0,
		deleted_at  INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS tags (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		color       TEXT,
		created_at  INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL DEFAULT 0,
		deleted_at  INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		notes         TEXT,
		duration      INTEGER,
		due_at        INTEGER,
		project_id    TEXT,
		list_id       TEXT,
		parent_id     TEXT,
		position      INTEGER NOT NULL DEFAULT 0,
		completed_at  INTEGER,
		created_at    INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL DEFAULT 0,
		deleted_at    INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key         TEXT PRIMARY KEY,
		value       TEXT,
		updated_at  INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS task_completions (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL,
		completed_on  TEXT NOT NULL,
		created_at    INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS task_tags (
		id       TEXT PRIMARY KEY,
		task_id  TEXT NOT NULL,
		tag_id   TEXT NOT NULL
	)`,

	// Append-only ledger of local mutations. Rows are immutable except for
	// the synced flag (false -> true only); synced rows may be purged.
	`CREATE TABLE IF NOT EXISTS _change_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		op           TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
		data         TEXT,
		ts           INTEGER NOT NULL,
		synced       INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_change_log_unsynced ON _change_log(synced, ts)`,

	// Durable device identity (one row).
	`CREATE TABLE IF NOT EXISTS _sync_device (
		device_id    TEXT PRIMARY KEY,
		device_name  TEXT NOT NULL
	)`,

	// Per-peer sync state: checkpoint high-water mark and, on the client
	// role, the token issued by that host.
	`CREATE TABLE IF NOT EXISTS _sync_peers (
		peer_device_id  TEXT PRIMARY KEY,
		peer_name       TEXT NOT NULL DEFAULT '',
		last_sync_time  INTEGER NOT NULL DEFAULT 0,
		token           TEXT,
		updated_at      INTEGER NOT NULL DEFAULT 0
	)`,
}

// initializeSchema enables WAL and foreign keys and creates all tables.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// TableFor resolves the backing table metadata for an entity type.
func TableFor(t syncwire.EntityType) (table, pkColumn string, softDelete bool, err error) {
	et, ok := entityTables[t]
	if !ok {
		return "", "", false, fmt.Errorf("unknown entity type %q", t)
	}
	return et.table, et.pkColumn, et.softDelete, nil
}
