// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package synchost

import (
	"database/sql"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/merge"
	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/syncwire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := syncdb.NewStore(db, slog.Default())
	require.NoError(t, err)
	srv, err := NewServer(store, Config{DeviceName: "Desktop", Secret: "test-secret"}, slog.Default())
	require.NoError(t, err)
	return srv
}

func TestNewServerRequiresSecret(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	store, err := syncdb.NewStore(db, slog.Default())
	require.NoError(t, err)

	_, err = NewServer(store, Config{DeviceName: "Desktop"}, slog.Default())
	require.ErrorContains(t, err, "secret")
}

func TestServerIdentityIsStable(t *testing.T) {
	srv := newTestServer(t)
	require.NotEmpty(t, srv.identity.DeviceID)
	require.Equal(t, "Desktop", srv.identity.DeviceName)

	again, err := NewServer(srv.store, Config{DeviceName: "Desktop", Secret: "test-secret"}, slog.Default())
	require.NoError(t, err)
	require.Equal(t, srv.identity.DeviceID, again.identity.DeviceID)
}

func TestSettledAcksDropsFailedApplies(t *testing.T) {
	outcome := &merge.Outcome{
		ApplyLocal: []syncwire.ChangeRecord{{ID: 11}, {ID: 12}},
		AckIDs:     []int64{11, 12, 13}, // 13 settled without application
	}

	// Everything applied: acks pass through untouched.
	acks := settledAcks(outcome, syncdb.ApplyResult{Applied: 2, AppliedIDs: []int64{11, 12}})
	require.Equal(t, []int64{11, 12, 13}, acks)

	// One apply failed: its id is withheld so the peer re-sends it, but
	// the settled-without-apply id stays acknowledged.
	acks = settledAcks(outcome, syncdb.ApplyResult{Applied: 1, Failed: 1, AppliedIDs: []int64{11}})
	require.Equal(t, []int64{11, 13}, acks)
}

func TestSessionsEmptyBeforeConnections(t *testing.T) {
	srv := newTestServer(t)
	require.Empty(t, srv.Sessions())
}
