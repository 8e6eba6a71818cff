// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, dir string) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE tasks (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tasks (id, title) VALUES ('1', 'original')`)
	require.NoError(t, err)
	return db, path
}

func TestCreateBackupWritesSnapshotAndManifest(t *testing.T) {
	dir := t.TempDir()
	db, path := newTestDB(t, dir)

	mgr, err := NewManager(db, path, DefaultConfig(filepath.Join(dir, "backups")), slog.Default())
	require.NoError(t, err)

	info, err := mgr.CreateBackup(context.Background(), "pre-sync")
	require.NoError(t, err)
	require.Equal(t, "pre-sync", info.Reason)
	require.Positive(t, info.Size)
	require.FileExists(t, info.Path)

	// Compressed snapshot decompresses to a valid database file.
	f, err := os.Open(info.Path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	header := make([]byte, 16)
	_, err = gz.Read(header)
	require.NoError(t, err)
	require.Equal(t, "SQLite format 3\x00", string(header))

	list, err := mgr.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, info.ID, list[0].ID)
}

func TestManifestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, path := newTestDB(t, dir)
	backupDir := filepath.Join(dir, "backups")

	mgr, err := NewManager(db, path, DefaultConfig(backupDir), slog.Default())
	require.NoError(t, err)
	_, err = mgr.CreateBackup(context.Background(), "manual")
	require.NoError(t, err)

	reopened, err := NewManager(db, path, DefaultConfig(backupDir), slog.Default())
	require.NoError(t, err)
	list, err := reopened.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "manual", list[0].Reason)
}

func TestRetentionPrunesOldest(t *testing.T) {
	dir := t.TempDir()
	db, path := newTestDB(t, dir)

	cfg := Config{Dir: filepath.Join(dir, "backups"), RetentionCount: 2, Compression: false}
	mgr, err := NewManager(db, path, cfg, slog.Default())
	require.NoError(t, err)

	var oldest *Info
	for i := 0; i < 3; i++ {
		info, err := mgr.CreateBackup(context.Background(), "auto")
		require.NoError(t, err)
		if oldest == nil {
			oldest = info
		}
		time.Sleep(5 * time.Millisecond)
	}

	list, err := mgr.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NoFileExists(t, oldest.Path)
}

func TestRestoreBackupReplacesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	db, path := newTestDB(t, dir)

	cfg := Config{Dir: filepath.Join(dir, "backups"), RetentionCount: 5, Compression: true}
	mgr, err := NewManager(db, path, cfg, slog.Default())
	require.NoError(t, err)

	info, err := mgr.CreateBackup(context.Background(), "pre-sync")
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE tasks SET title = 'mutated' WHERE id = '1'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, mgr.RestoreBackup(context.Background(), info.Path))

	restored, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer restored.Close()
	var title string
	require.NoError(t, restored.QueryRow(`SELECT title FROM tasks WHERE id = '1'`).Scan(&title))
	require.Equal(t, "original", title)
}

func TestRestoreRefusedWithoutFilePath(t *testing.T) {
	dir := t.TempDir()
	db, _ := newTestDB(t, dir)

	mgr, err := NewManager(db, "", DefaultConfig(filepath.Join(dir, "backups")), slog.Default())
	require.NoError(t, err)
	err = mgr.RestoreBackup(context.Background(), "whatever.db.gz")
	require.ErrorContains(t, err, "file-backed")
}

func TestDeleteBackupRemovesFileAndEntry(t *testing.T) {
	dir := t.TempDir()
	db, path := newTestDB(t, dir)

	mgr, err := NewManager(db, path, DefaultConfig(filepath.Join(dir, "backups")), slog.Default())
	require.NoError(t, err)
	info, err := mgr.CreateBackup(context.Background(), "manual")
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteBackup(context.Background(), info.Path))
	require.NoFileExists(t, info.Path)
	list, err := mgr.ListBackups(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}
