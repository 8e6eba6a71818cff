// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/merge"
	"github.com/taskmesh/taskmesh/syncclient"
	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/synchost"
	"github.com/taskmesh/taskmesh/syncwire"
)

type testPair struct {
	hostStore   *syncdb.Store
	clientStore *syncdb.Store
	server      *synchost.Server
	client      *syncclient.Client
	url         string
}

func newStore(t *testing.T) *syncdb.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := syncdb.NewStore(db, slog.Default())
	require.NoError(t, err)
	return store
}

// newTestPair stands up a host on an httptest server and a paired
// client connected to it.
func newTestPair(t *testing.T) *testPair {
	return newTestPairWithLogger(t, slog.Default())
}

func newTestPairWithLogger(t *testing.T, hostLogger *slog.Logger) *testPair {
	t.Helper()

	hostStore := newStore(t)
	server, err := synchost.NewServer(hostStore,
		synchost.Config{DeviceName: "Desktop", Secret: "e2e-secret"}, hostLogger)
	require.NoError(t, err)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientStore := newStore(t)
	client, err := syncclient.NewClient(clientStore, syncclient.Config{
		URL:        url,
		DeviceName: "Phone",
	}, slog.Default())
	require.NoError(t, err)

	pin, _, err := server.Authority().GeneratePIN(time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.Pair(context.Background(), pin))
	t.Cleanup(client.Disconnect)

	return &testPair{hostStore: hostStore, clientStore: clientStore, server: server, client: client, url: url}
}

// pairExtraClient pairs one more device (with its own store) against the
// pair's host.
func pairExtraClient(t *testing.T, pair *testPair, name string) (*syncclient.Client, *syncdb.Store) {
	t.Helper()
	store := newStore(t)
	client, err := syncclient.NewClient(store, syncclient.Config{
		URL:        pair.url,
		DeviceName: name,
	}, slog.Default())
	require.NoError(t, err)

	pin, _, err := pair.server.Authority().GeneratePIN(time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.Pair(context.Background(), pin))
	t.Cleanup(client.Disconnect)
	return client, store
}

// seedTask writes a task row directly (as the application would) and
// logs the change like the mutation hook does.
func seedTask(t *testing.T, store *syncdb.Store, id, title string, logIt bool) {
	t.Helper()
	_, err := store.DB.Exec(`INSERT INTO tasks (id, title) VALUES (?, ?)`, id, title)
	require.NoError(t, err)
	if logIt {
		data, _ := json.Marshal(map[string]string{"title": title})
		require.NoError(t, store.LogChange(context.Background(),
			syncwire.EntityTask, id, syncwire.OpInsert, data))
	}
}

func updateDuration(t *testing.T, store *syncdb.Store, id string, duration int) {
	t.Helper()
	_, err := store.DB.Exec(`UPDATE tasks SET duration = ? WHERE id = ?`, duration, id)
	require.NoError(t, err)
	data, _ := json.Marshal(map[string]int{"duration": duration})
	require.NoError(t, store.LogChange(context.Background(),
		syncwire.EntityTask, id, syncwire.OpUpdate, data))
}

func taskDuration(t *testing.T, store *syncdb.Store, id string) int {
	t.Helper()
	var d int
	require.NoError(t, store.DB.QueryRow(`SELECT duration FROM tasks WHERE id = ?`, id).Scan(&d))
	return d
}

func TestFullSyncConvergesBothStores(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	seedTask(t, pair.hostStore, "h1", "host task", true)
	seedTask(t, pair.clientStore, "c1", "client task", true)

	var refreshed atomic.Int32
	pair.client.SetRefreshHook(func() { refreshed.Add(1) })

	require.NoError(t, pair.client.Sync(ctx))

	// Both sides now hold both tasks.
	var title string
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT title FROM tasks WHERE id = 'c1'`).Scan(&title))
	require.Equal(t, "client task", title)
	require.NoError(t, pair.clientStore.DB.QueryRow(`SELECT title FROM tasks WHERE id = 'h1'`).Scan(&title))
	require.Equal(t, "host task", title)

	// Every change is settled on both sides.
	n, err := pair.hostStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = pair.clientStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Checkpoints advanced in lockstep.
	clientCheckpoint, err := pair.clientStore.LastSyncTime(ctx, pair.client.HostID())
	require.NoError(t, err)
	require.Positive(t, clientCheckpoint)

	require.Equal(t, int32(1), refreshed.Load())
}

func TestConflictResolvedInClientFavor(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	// Task 7 exists on both sides at the shared baseline; each side then
	// changes it independently.
	seedTask(t, pair.hostStore, "7", "shared", false)
	seedTask(t, pair.clientStore, "7", "shared", false)
	updateDuration(t, pair.hostStore, "7", 30)
	updateDuration(t, pair.clientStore, "7", 45)

	var sawConflicts atomic.Int32
	pair.client.SetResolver(func(conflicts []syncwire.ConflictRecord) ([]syncwire.Resolution, error) {
		sawConflicts.Store(int32(len(conflicts)))
		// The resolver sees this device's change as Local.
		require.Len(t, conflicts, 1)
		require.Equal(t, syncwire.EntityTask, conflicts[0].EntityType)
		require.Equal(t, "7", conflicts[0].EntityID)
		var local map[string]int
		require.NoError(t, json.Unmarshal(conflicts[0].Local.Data, &local))
		require.Equal(t, 45, local["duration"])
		return merge.PreferLocal(conflicts)
	})

	require.NoError(t, pair.client.Sync(ctx))

	// Exactly one conflict surfaced, and the client's value won on both
	// sides.
	require.Equal(t, int32(1), sawConflicts.Load())
	require.Equal(t, 45, taskDuration(t, pair.hostStore, "7"))
	require.Equal(t, 45, taskDuration(t, pair.clientStore, "7"))

	n, err := pair.hostStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = pair.clientStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConflictWithoutResolverCancels(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	seedTask(t, pair.hostStore, "7", "shared", false)
	seedTask(t, pair.clientStore, "7", "shared", false)
	updateDuration(t, pair.hostStore, "7", 30)
	updateDuration(t, pair.clientStore, "7", 45)

	err := pair.client.Sync(ctx)
	require.ErrorIs(t, err, merge.ErrUnresolvedConflicts)

	// Neither store moved.
	require.Equal(t, 30, taskDuration(t, pair.hostStore, "7"))
	require.Equal(t, 45, taskDuration(t, pair.clientStore, "7"))
	n, err := pair.clientStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeclinedPreviewLeavesStoresUntouched(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	seedTask(t, pair.hostStore, "h1", "host task", true)
	seedTask(t, pair.clientStore, "c1", "client task", true)

	pair.client.SetConfirmHandler(func(summary syncwire.SyncSummary) bool {
		require.Equal(t, 1, summary.ToSend.Inserts)
		require.Equal(t, 1, summary.ToReceive.Inserts)
		return false
	})

	require.ErrorIs(t, pair.client.Sync(ctx), syncclient.ErrSyncDeclined)

	// Cancelled before confirm: nothing crossed over, nothing settled.
	var count int
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = 'c1'`).Scan(&count))
	require.Zero(t, count)
	require.NoError(t, pair.clientStore.DB.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = 'h1'`).Scan(&count))
	require.Zero(t, count)
	n, err := pair.clientStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = pair.hostStore.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A later confirmed sync still goes through cleanly.
	pair.client.SetConfirmHandler(nil)
	require.NoError(t, pair.client.Sync(ctx))
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = 'c1'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRepeatSyncIsIdempotent(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	seedTask(t, pair.clientStore, "c1", "client task", true)
	require.NoError(t, pair.client.Sync(ctx))
	require.NoError(t, pair.client.Sync(ctx))

	var count int
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = 'c1'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestTokenReconnectAfterDisconnect(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	pair.client.Disconnect()
	require.False(t, pair.client.Connected())

	// The stored token carries the reconnect; no PIN involved.
	require.NoError(t, pair.client.Connect(ctx))
	require.True(t, pair.client.Connected())

	seedTask(t, pair.clientStore, "c1", "after reconnect", true)
	require.NoError(t, pair.client.Sync(ctx))
	var title string
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT title FROM tasks WHERE id = 'c1'`).Scan(&title))
	require.Equal(t, "after reconnect", title)
}

func TestConcurrentSyncsSerializeOnHost(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()
	clientB, storeB := pairExtraClient(t, pair, "Tablet")

	// A shared row exists everywhere at the baseline; both devices then
	// update it and add a batch of their own tasks.
	seedTask(t, pair.hostStore, "shared", "baseline", false)
	seedTask(t, pair.clientStore, "shared", "baseline", false)
	seedTask(t, storeB, "shared", "baseline", false)
	for i := 0; i < 15; i++ {
		seedTask(t, pair.clientStore, fmt.Sprintf("a-%d", i), "from phone", true)
		seedTask(t, storeB, fmt.Sprintf("b-%d", i), "from tablet", true)
	}
	updateDuration(t, pair.clientStore, "shared", 100)
	updateDuration(t, storeB, "shared", 200)

	// Both devices sync at the same time; the host must serialize the two
	// negotiate-through-apply flows.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = pair.client.Sync(ctx) }()
	go func() { defer wg.Done(); errs[1] = clientB.Sync(ctx) }()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// No lost updates: every insert from both devices landed exactly once.
	var count int
	require.NoError(t, pair.hostStore.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&count))
	require.Equal(t, 31, count)
	for i := 0; i < 15; i++ {
		for _, id := range []string{fmt.Sprintf("a-%d", i), fmt.Sprintf("b-%d", i)} {
			require.NoError(t, pair.hostStore.DB.QueryRow(
				`SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&count))
			require.Equal(t, 1, count, "task %s", id)
		}
	}

	// The shared row holds whichever flow committed last, never the
	// baseline and never a torn mix.
	d := taskDuration(t, pair.hostStore, "shared")
	require.Contains(t, []int{100, 200}, d)

	// Every change log entry on every store was settled.
	for _, store := range []*syncdb.Store{pair.hostStore, pair.clientStore, storeB} {
		n, err := store.UnsyncedCount(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

// logRecorder captures log messages emitted by the host for assertions.
type logRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (l *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (l *logRecorder) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, r.Message)
	return nil
}

func (l *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *logRecorder) WithGroup(string) slog.Handler      { return l }

func (l *logRecorder) contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func TestCheckpointDriftIsSurfaced(t *testing.T) {
	rec := &logRecorder{}
	pair := newTestPairWithLogger(t, slog.New(rec))
	ctx := context.Background()

	// An in-step sync reports no drift.
	require.NoError(t, pair.client.Sync(ctx))
	require.False(t, rec.contains("peer checkpoint drift"))

	// Rewind the client's checkpoint, as a restore from an old backup
	// would; the next sync still works but the host flags the mismatch.
	require.NoError(t, pair.clientStore.SetLastSyncTime(ctx, pair.client.HostID(), 12345))
	require.NoError(t, pair.client.Sync(ctx))
	require.True(t, rec.contains("peer checkpoint drift"))
}

func TestUnpairedDeviceIsDropped(t *testing.T) {
	pair := newTestPair(t)
	ctx := context.Background()

	devices, err := pair.server.Authority().ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	require.NoError(t, pair.server.Unpair(ctx, devices[0].DeviceID))

	// The live session is dropped and the token no longer works.
	require.Eventually(t, func() bool {
		return !pair.client.Connected()
	}, 3*time.Second, 20*time.Millisecond)

	err = pair.client.Connect(ctx)
	var authErr *syncclient.AuthFailedError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonDeviceRevoked, authErr.Reason)
}
