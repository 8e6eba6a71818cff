// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package synchost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/taskmesh/backup"
	"github.com/taskmesh/taskmesh/internal/wsconn"
	"github.com/taskmesh/taskmesh/merge"
	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/syncwire"
)

const (
	authTimeout     = 30 * time.Second
	syncStepTimeout = 2 * time.Minute
)

// ErrSyncCancelled signals that a peer abandoned the sync flow before
// commit; the store is left untouched.
var ErrSyncCancelled = errors.New("sync cancelled")

// Config configures the host role.
type Config struct {
	Addr       string // listen address, e.g. ":8484"
	DeviceName string
	Secret     string // token signing secret

	// TLSFingerprint is the SHA-256 of the serving certificate, advertised
	// to clients for pinning. Empty when serving plaintext.
	TLSFingerprint string

	// AbortOnBackupFailure refuses to apply remote changes when the
	// pre-apply backup fails. Off means log and continue.
	AbortOnBackupFailure bool

	// AuthorityPolicy overrides the suggested-authority heuristic in the
	// preview summary. Nil uses the default.
	AuthorityPolicy merge.AuthorityPolicy
}

// SessionInfo is a snapshot of one connected peer, for diagnostics.
type SessionInfo struct {
	DeviceID     string
	DeviceName   string
	RemoteAddr   string
	ConnectedAt  time.Time
	Latency      time.Duration
	MessagesSent int64
	MessagesRecv int64
}

type session struct {
	conn        *wsconn.Conn
	deviceID    string
	deviceName  string
	connectedAt time.Time
}

// Server is the responder: it accepts peer connections, authenticates
// them through the pairing authority, and serves sync flows as the
// resolution authority. At most one sync flow mutates the store at a
// time.
type Server struct {
	cfg       Config
	store     *syncdb.Store
	authority *Authority
	backups   backup.Coordinator // nil disables pre-apply backups
	identity  syncdb.Identity
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	// syncMu is the commit lock: held from SYNC_REQUEST until the flow
	// completes or aborts, so local mutations and competing syncs never
	// interleave with negotiation and apply.
	syncMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session

	hookMu      sync.Mutex
	refreshHook func()
}

// NewServer creates the host. The store's device identity is created on
// first use under deviceName.
func NewServer(store *syncdb.Store, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	identity, err := store.EnsureIdentity(cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	authority, err := NewAuthority(store, cfg.Secret, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		authority: authority,
		identity:  identity,
		logger:    logger,
		sessions:  make(map[string]*session),
	}, nil
}

// Authority exposes pairing operations (PIN generation, unpair, device
// listing) to the embedding application.
func (s *Server) Authority() *Authority { return s.authority }

// SetBackupCoordinator enables pre-apply snapshots.
func (s *Server) SetBackupCoordinator(c backup.Coordinator) { s.backups = c }

// SetRefreshHook registers a callback invoked after a sync commits
// changes into the local store, so the application can reload its views.
func (s *Server) SetRefreshHook(hook func()) {
	s.hookMu.Lock()
	s.refreshHook = hook
	s.hookMu.Unlock()
}

func (s *Server) notifyRefresh() {
	s.hookMu.Lock()
	hook := s.refreshHook
	s.hookMu.Unlock()
	if hook != nil {
		hook()
	}
}

// ServeHTTP upgrades an incoming request into a sync session. Exposed
// so the embedding application can mount the host on its own mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go s.handleConn(wsconn.New(ws, s.logger))
}

// ListenAndServe runs the host until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/sync", s)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("sync host listening", "addr", s.cfg.Addr, "device_id", s.identity.DeviceID)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		s.dropAllSessions()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sync host failed: %w", err)
	}
}

// Sessions snapshots the connected peers.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sent, received := sess.conn.Stats()
		out = append(out, SessionInfo{
			DeviceID:     sess.deviceID,
			DeviceName:   sess.deviceName,
			RemoteAddr:   sess.conn.RemoteAddr().String(),
			ConnectedAt:  sess.connectedAt,
			Latency:      sess.conn.Latency(),
			MessagesSent: sent,
			MessagesRecv: received,
		})
	}
	return out
}

// Unpair revokes a device and drops its live session if any.
func (s *Server) Unpair(ctx context.Context, deviceID string) error {
	if err := s.authority.UnpairDevice(ctx, deviceID); err != nil {
		return err
	}
	s.dropSession(deviceID)
	return nil
}

// UnpairAll revokes every paired device and drops all sessions.
func (s *Server) UnpairAll(ctx context.Context) error {
	if err := s.authority.UnpairAll(ctx); err != nil {
		return err
	}
	s.dropAllSessions()
	return nil
}

func (s *Server) dropSession(deviceID string) {
	s.mu.Lock()
	sess := s.sessions[deviceID]
	delete(s.sessions, deviceID)
	s.mu.Unlock()
	if sess != nil {
		sess.conn.Close()
	}
}

func (s *Server) dropAllSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.conn.Close()
	}
}

func (s *Server) handleConn(conn *wsconn.Conn) {
	defer conn.Close()
	ctx := context.Background()

	if err := conn.Send(syncwire.MsgAuthRequired, syncwire.AuthRequired{
		ServerDeviceID:   s.identity.DeviceID,
		ServerDeviceName: s.identity.DeviceName,
		Fingerprint:      s.cfg.TLSFingerprint,
	}); err != nil {
		return
	}

	sess, err := s.authenticate(ctx, conn)
	if err != nil {
		s.logger.Warn("peer authentication failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer func() {
		s.mu.Lock()
		if s.sessions[sess.deviceID] == sess {
			delete(s.sessions, sess.deviceID)
		}
		s.mu.Unlock()
		s.logger.Info("peer disconnected", "device_id", sess.deviceID)
	}()

	s.logger.Info("peer connected", "device_id", sess.deviceID, "device_name", sess.deviceName)

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		switch env.Type {
		case syncwire.MsgSyncRequest:
			var req syncwire.SyncRequest
			if err := env.Payload(&req); err != nil {
				s.logger.Warn("malformed sync request", "device_id", sess.deviceID, "error", err)
				continue
			}
			if err := s.runSync(ctx, sess, &req); err != nil {
				if errors.Is(err, ErrSyncCancelled) {
					s.logger.Info("sync cancelled", "device_id", sess.deviceID)
					continue
				}
				s.logger.Error("sync flow failed", "device_id", sess.deviceID, "error", err)
				return
			}
		case syncwire.MsgSyncCancel:
			// Stray cancel outside a flow; nothing to abort.
		default:
			s.logger.Warn("unexpected message outside sync flow",
				"device_id", sess.deviceID, "type", env.Type)
		}
	}
}

func (s *Server) authenticate(ctx context.Context, conn *wsconn.Conn) (*session, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	env, err := conn.Receive(authCtx)
	if err != nil {
		return nil, fmt.Errorf("no auth message: %w", err)
	}
	if env.Type != syncwire.MsgAuth {
		return nil, fmt.Errorf("expected %s, got %s", syncwire.MsgAuth, env.Type)
	}
	var req syncwire.Auth
	if err := env.Payload(&req); err != nil {
		return nil, err
	}

	ok, err := s.authority.ValidateAuth(ctx, &req)
	if err != nil {
		var authErr *AuthError
		reason := syncwire.ReasonInvalidPIN
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		conn.Send(syncwire.MsgAuthFailed, syncwire.AuthFailed{Reason: reason})
		return nil, err
	}

	if err := s.store.UpsertPeer(ctx, req.DeviceID, req.DeviceName); err != nil {
		s.logger.Warn("failed to record peer", "device_id", req.DeviceID, "error", err)
	}
	if err := conn.Send(syncwire.MsgAuthOK, ok); err != nil {
		return nil, err
	}

	sess := &session{
		conn:        conn,
		deviceID:    req.DeviceID,
		deviceName:  req.DeviceName,
		connectedAt: time.Now(),
	}

	// One session per device; a reconnect supersedes the old one.
	s.mu.Lock()
	if old := s.sessions[sess.deviceID]; old != nil {
		old.conn.Close()
	}
	s.sessions[sess.deviceID] = sess
	s.mu.Unlock()

	return sess, nil
}

// runSync drives one responder-side sync flow. The commit lock is held
// for the whole flow; any abort path leaves the store untouched because
// nothing is written before the apply step.
func (s *Server) runSync(ctx context.Context, sess *session, req *syncwire.SyncRequest) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	conn := sess.conn
	s.logger.Info("sync requested", "device_id", sess.deviceID, "peer_checkpoint", req.LastSyncTime)

	// The peer's reported checkpoint should match ours from the last
	// completed sync. Drift means one side was restored from a backup or
	// wiped; the flow still proceeds (the change logs are authoritative),
	// but the mismatch is worth surfacing.
	stored, err := s.store.LastSyncTime(ctx, sess.deviceID)
	if err != nil {
		return err
	}
	if req.LastSyncTime != stored {
		s.logger.Warn("peer checkpoint drift",
			"device_id", sess.deviceID,
			"peer_checkpoint", req.LastSyncTime,
			"stored_checkpoint", stored)
	}

	local, err := s.store.UnsyncedChanges(ctx)
	if err != nil {
		return err
	}

	// The requester pushes its unsynced changes right behind the request.
	env, err := s.nextStep(ctx, conn, syncwire.MsgChanges)
	if err != nil {
		return err
	}
	var incoming syncwire.Changes
	if err := env.Payload(&incoming); err != nil {
		return err
	}

	plan := merge.Negotiate(local, incoming.Changes)
	summary := merge.Summarize(plan, local, incoming.Changes,
		s.identity.DeviceID, sess.deviceID, s.cfg.AuthorityPolicy)
	if err := conn.Send(syncwire.MsgSyncPreview, syncwire.SyncPreview{Summary: summary}); err != nil {
		return err
	}

	if _, err := s.nextStep(ctx, conn, syncwire.MsgSyncConfirm); err != nil {
		return err
	}

	// Conflicts go to the requester for explicit decisions; records stay
	// in this side's local/remote frame and the peer inverts for display.
	var resolutions []syncwire.Resolution
	if len(plan.Conflicts) > 0 {
		if err := conn.Send(syncwire.MsgConflict, syncwire.Conflict{Conflicts: plan.Conflicts}); err != nil {
			return err
		}
		env, err := s.nextStep(ctx, conn, syncwire.MsgConflictResolved)
		if err != nil {
			return err
		}
		var resolved syncwire.ConflictResolved
		if err := env.Payload(&resolved); err != nil {
			return err
		}
		resolutions = resolved.Resolutions
	}

	outcome, err := merge.Resolve(plan, resolutions)
	if err != nil {
		conn.Send(syncwire.MsgSyncCancel, nil)
		return err
	}

	if s.backups != nil {
		if _, err := s.backups.CreateBackup(ctx, "pre-sync"); err != nil {
			if s.cfg.AbortOnBackupFailure {
				conn.Send(syncwire.MsgSyncCancel, nil)
				return fmt.Errorf("aborting sync: %w", err)
			}
			s.logger.Warn("pre-sync backup failed; continuing", "error", err)
		}
	}

	result, err := s.store.ApplyRemoteChanges(ctx, outcome.ApplyLocal)
	if err != nil {
		conn.Send(syncwire.MsgSyncCancel, nil)
		return err
	}
	if result.Failed > 0 {
		s.logger.Warn("some remote changes failed to apply",
			"applied", result.Applied, "failed", result.Failed)
	}

	if err := s.store.MarkSynced(ctx, outcome.SettleIDs); err != nil {
		return err
	}

	// Ack the peer's entries that were applied or settled; entries whose
	// apply failed stay unsynced on the peer for the next attempt.
	ackIDs := settledAcks(outcome, result)
	if err := conn.Send(syncwire.MsgChangesAck, syncwire.ChangesAck{ReceivedIDs: ackIDs}); err != nil {
		return err
	}

	if err := conn.Send(syncwire.MsgChanges, syncwire.Changes{Changes: outcome.Send}); err != nil {
		return err
	}

	env, err = s.nextStep(ctx, conn, syncwire.MsgChangesAck)
	if err != nil {
		return err
	}
	var ack syncwire.ChangesAck
	if err := env.Payload(&ack); err != nil {
		return err
	}
	if err := s.store.MarkSynced(ctx, ack.ReceivedIDs); err != nil {
		return err
	}

	env, err = s.nextStep(ctx, conn, syncwire.MsgSyncComplete)
	if err != nil {
		return err
	}
	var complete syncwire.SyncComplete
	if err := env.Payload(&complete); err != nil {
		return err
	}
	if err := s.store.SetLastSyncTime(ctx, sess.deviceID, complete.NewSyncTime); err != nil {
		return err
	}

	s.logger.Info("sync completed",
		"device_id", sess.deviceID,
		"applied", result.Applied,
		"sent", len(outcome.Send),
		"conflicts", len(plan.Conflicts),
		"checkpoint", complete.NewSyncTime)
	s.notifyRefresh()
	return nil
}

// nextStep waits for the given message type, treating SYNC_CANCEL as a
// flow abort.
func (s *Server) nextStep(ctx context.Context, conn *wsconn.Conn, want syncwire.MsgType) (*syncwire.Envelope, error) {
	stepCtx, cancel := context.WithTimeout(ctx, syncStepTimeout)
	defer cancel()

	env, err := conn.Receive(stepCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", want, err)
	}
	if env.Type == syncwire.MsgSyncCancel {
		return nil, ErrSyncCancelled
	}
	if env.Type != want {
		return nil, fmt.Errorf("expected %s, got %s", want, env.Type)
	}
	return env, nil
}

// settledAcks filters the planned acks down to entries actually applied
// or settled without application.
func settledAcks(outcome *merge.Outcome, result syncdb.ApplyResult) []int64 {
	if result.Failed == 0 {
		return outcome.AckIDs
	}
	applied := make(map[int64]bool, len(result.AppliedIDs))
	for _, id := range result.AppliedIDs {
		applied[id] = true
	}
	attempted := make(map[int64]bool, len(outcome.ApplyLocal))
	for _, ch := range outcome.ApplyLocal {
		if ch.ID != 0 {
			attempted[ch.ID] = true
		}
	}
	acks := make([]int64, 0, len(outcome.AckIDs))
	for _, id := range outcome.AckIDs {
		if attempted[id] && !applied[id] {
			continue
		}
		acks = append(acks, id)
	}
	return acks
}
