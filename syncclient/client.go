// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncclient is the initiator role: it dials a sync host,
// pairs by PIN or reconnects with a stored token, and drives the sync
// flow with explicit preview confirmation and conflict decisions.
package syncclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/taskmesh/internal/wsconn"
	"github.com/taskmesh/taskmesh/merge"
	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/syncwire"
)

var (
	// ErrNotPaired means no stored token exists for the host; the caller
	// must pair with a fresh PIN first.
	ErrNotPaired = errors.New("not paired with host")

	// ErrNotConnected means a sync was attempted without an
	// authenticated connection.
	ErrNotConnected = errors.New("not connected")

	// ErrSyncDeclined means the user rejected the preview.
	ErrSyncDeclined = errors.New("sync declined at preview")

	// ErrSyncCancelled means the host abandoned the flow.
	ErrSyncCancelled = errors.New("sync cancelled by host")
)

// AuthFailedError carries the host's rejection reason. Authentication
// failures are never retried automatically.
type AuthFailedError struct {
	Reason syncwire.AuthFailReason
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("host rejected authentication: %s", e.Reason)
}

const (
	defaultReconnectDelay = 5 * time.Second
	dialTimeout           = 15 * time.Second
	syncStepTimeout       = 2 * time.Minute
)

// Config configures the client role.
type Config struct {
	URL        string // ws:// or wss:// endpoint of the host
	DeviceName string

	// Fingerprint pins the host's TLS certificate: hex SHA-256 of the
	// leaf certificate. Empty disables pinning.
	Fingerprint string

	// Reconnect re-dials after transport drops with a fixed delay.
	// Authentication failures never trigger a reconnect.
	Reconnect      bool
	ReconnectDelay time.Duration
}

// Client connects a device store to one sync host.
type Client struct {
	cfg      Config
	store    *syncdb.Store
	identity syncdb.Identity
	logger   *slog.Logger
	states   *Broadcaster

	mu         sync.Mutex
	conn       *wsconn.Conn
	hostID     string
	hostName   string
	manualStop bool

	// syncMu serializes sync flows on this client.
	syncMu sync.Mutex

	hookMu      sync.Mutex
	confirm     func(syncwire.SyncSummary) bool
	resolver    merge.PolicyFunc
	refreshHook func()
}

// NewClient creates a client for the given device store.
func NewClient(store *syncdb.Store, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("host url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	identity, err := store.EnsureIdentity(cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		store:    store,
		identity: identity,
		logger:   logger,
		states:   NewBroadcaster(),
	}, nil
}

// States exposes the status broadcaster for UI subscriptions.
func (c *Client) States() *Broadcaster { return c.states }

// HostID returns the host's device ID, empty before the first
// handshake.
func (c *Client) HostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID
}

// SetConfirmHandler registers the preview gate. Without one, previews
// are accepted automatically.
func (c *Client) SetConfirmHandler(fn func(syncwire.SyncSummary) bool) {
	c.hookMu.Lock()
	c.confirm = fn
	c.hookMu.Unlock()
}

// SetResolver registers the conflict decision policy. Conflicts are
// presented with Local meaning this device's change. Without a
// resolver, a sync that hits conflicts is cancelled.
func (c *Client) SetResolver(fn merge.PolicyFunc) {
	c.hookMu.Lock()
	c.resolver = fn
	c.hookMu.Unlock()
}

// SetRefreshHook registers a callback invoked after a sync commits
// changes into the local store.
func (c *Client) SetRefreshHook(hook func()) {
	c.hookMu.Lock()
	c.refreshHook = hook
	c.hookMu.Unlock()
}

// Pair connects using a fresh PIN, storing the issued token for future
// connects.
func (c *Client) Pair(ctx context.Context, pin string) error {
	return c.connect(ctx, pin)
}

// Connect dials the host with the stored token. ErrNotPaired is
// returned when no token exists yet.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, "")
}

// Disconnect closes the connection and disables auto-reconnect until
// the next explicit Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualStop = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.states.setProgress(syncwire.ProgressIdle)
	c.states.setConn(syncwire.ConnDisconnected, "")
}

// Connected reports whether an authenticated connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context, pin string) error {
	c.mu.Lock()
	c.manualStop = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	conn, err := c.dialAndAuth(ctx, pin)
	if err != nil {
		var authErr *AuthFailedError
		if errors.As(err, &authErr) {
			c.states.setConn(syncwire.ConnError, authErr.Error())
		} else {
			c.states.setConn(syncwire.ConnError, err.Error())
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Any progress left over from a dropped sync resets on reconnect.
	c.states.setProgress(syncwire.ProgressIdle)
	c.states.setConn(syncwire.ConnAuthenticated, "")
	go c.monitor(conn)
	return nil
}

func (c *Client) dialAndAuth(ctx context.Context, pin string) (*wsconn.Conn, error) {
	c.states.setConn(syncwire.ConnConnecting, "")

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if strings.HasPrefix(c.cfg.URL, "wss://") && c.cfg.Fingerprint != "" {
		dialer.TLSClientConfig = pinnedTLSConfig(c.cfg.Fingerprint)
	}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host: %w", err)
	}
	conn := wsconn.New(ws, c.logger)
	c.states.setConn(syncwire.ConnConnected, "")

	authCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	env, err := conn.Receive(authCtx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("no greeting from host: %w", err)
	}
	if env.Type != syncwire.MsgAuthRequired {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", syncwire.MsgAuthRequired, env.Type)
	}
	var greeting syncwire.AuthRequired
	if err := env.Payload(&greeting); err != nil {
		conn.Close()
		return nil, err
	}

	auth := syncwire.Auth{DeviceID: c.identity.DeviceID, DeviceName: c.identity.DeviceName}
	if pin != "" {
		auth.PIN = pin
	} else {
		token, err := c.store.PeerToken(ctx, greeting.ServerDeviceID)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if token == "" {
			conn.Close()
			return nil, ErrNotPaired
		}
		auth.Token = token
	}
	if err := conn.Send(syncwire.MsgAuth, auth); err != nil {
		conn.Close()
		return nil, err
	}

	env, err = conn.Receive(authCtx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("no auth reply from host: %w", err)
	}

	switch env.Type {
	case syncwire.MsgAuthFailed:
		var failed syncwire.AuthFailed
		if err := env.Payload(&failed); err != nil {
			conn.Close()
			return nil, err
		}
		conn.Close()
		// A rejected token is dead; discard it so the next attempt goes
		// through PIN pairing instead of looping on the same credential.
		if failed.Reason.TokenRejected() {
			if err := c.store.ClearPeerToken(ctx, greeting.ServerDeviceID); err != nil {
				c.logger.Warn("failed to discard rejected token", "error", err)
			}
		}
		return nil, &AuthFailedError{Reason: failed.Reason}

	case syncwire.MsgAuthOK:
		var ok syncwire.AuthOK
		if err := env.Payload(&ok); err != nil {
			conn.Close()
			return nil, err
		}
		if ok.Token != "" {
			if err := c.store.SetPeerToken(ctx, greeting.ServerDeviceID, ok.Token); err != nil {
				conn.Close()
				return nil, err
			}
		}
		if err := c.store.UpsertPeer(ctx, greeting.ServerDeviceID, greeting.ServerDeviceName); err != nil {
			c.logger.Warn("failed to record host peer", "error", err)
		}
		c.mu.Lock()
		c.hostID = greeting.ServerDeviceID
		c.hostName = greeting.ServerDeviceName
		c.mu.Unlock()
		c.logger.Info("connected to host",
			"host_id", greeting.ServerDeviceID, "host_name", greeting.ServerDeviceName)
		return conn, nil

	default:
		conn.Close()
		return nil, fmt.Errorf("expected auth reply, got %s", env.Type)
	}
}

// monitor watches one connection and schedules reconnects after
// transport drops. A manual Disconnect or an auth failure ends the
// loop.
func (c *Client) monitor(conn *wsconn.Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.conn != conn {
		// Superseded by a newer connection or manual disconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	manual := c.manualStop
	c.mu.Unlock()

	if manual {
		return
	}

	errText := ""
	if err := conn.Err(); err != nil {
		errText = err.Error()
	}
	c.states.setProgress(syncwire.ProgressIdle)
	c.states.setConn(syncwire.ConnDisconnected, errText)

	if !c.cfg.Reconnect {
		return
	}

	for {
		time.Sleep(c.cfg.ReconnectDelay)
		c.mu.Lock()
		stop := c.manualStop || c.conn != nil
		c.mu.Unlock()
		if stop {
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		var authErr *AuthFailedError
		if errors.As(err, &authErr) || errors.Is(err, ErrNotPaired) {
			// Credential problems need user intervention, not retries.
			c.logger.Warn("reconnect abandoned", "error", err)
			return
		}
		c.logger.Info("reconnect failed; will retry",
			"delay", c.cfg.ReconnectDelay, "error", err)
	}
}

// Sync runs one full sync flow against the host. It blocks until the
// flow completes, is cancelled, or fails.
func (c *Client) Sync(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	hostID := c.hostID
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// A fresh flow always starts from idle, clearing any error state
	// left by a previous attempt.
	c.states.setProgress(syncwire.ProgressIdle)
	err := c.runSync(ctx, conn, hostID)
	switch {
	case err == nil:
		c.states.setProgress(syncwire.ProgressComplete)
		c.states.setProgress(syncwire.ProgressIdle)
	case errors.Is(err, ErrSyncDeclined):
		c.states.setProgress(syncwire.ProgressIdle)
	default:
		c.states.setProgress(syncwire.ProgressError)
	}
	return err
}

func (c *Client) runSync(ctx context.Context, conn *wsconn.Conn, hostID string) error {
	c.states.setProgress(syncwire.ProgressRequesting)

	checkpoint, err := c.store.LastSyncTime(ctx, hostID)
	if err != nil {
		return err
	}
	changes, err := c.store.UnsyncedChanges(ctx)
	if err != nil {
		return err
	}

	if err := conn.Send(syncwire.MsgSyncRequest, syncwire.SyncRequest{LastSyncTime: checkpoint}); err != nil {
		return err
	}
	if err := conn.Send(syncwire.MsgChanges, syncwire.Changes{Changes: changes}); err != nil {
		return err
	}

	env, err := c.nextStep(ctx, conn, syncwire.MsgSyncPreview)
	if err != nil {
		return err
	}
	var preview syncwire.SyncPreview
	if err := env.Payload(&preview); err != nil {
		return err
	}
	c.states.setProgress(syncwire.ProgressPreview)

	c.hookMu.Lock()
	confirm := c.confirm
	resolver := c.resolver
	c.hookMu.Unlock()

	if confirm != nil && !confirm(preview.Summary) {
		conn.Send(syncwire.MsgSyncCancel, nil)
		return ErrSyncDeclined
	}
	if err := conn.Send(syncwire.MsgSyncConfirm, nil); err != nil {
		return err
	}

	if preview.Summary.Conflicts > 0 {
		c.states.setProgress(syncwire.ProgressResolving)
		env, err := c.nextStep(ctx, conn, syncwire.MsgConflict)
		if err != nil {
			return err
		}
		var conflictMsg syncwire.Conflict
		if err := env.Payload(&conflictMsg); err != nil {
			return err
		}

		if resolver == nil {
			conn.Send(syncwire.MsgSyncCancel, nil)
			return fmt.Errorf("%d conflicts and no resolver configured: %w",
				len(conflictMsg.Conflicts), merge.ErrUnresolvedConflicts)
		}

		// Conflicts arrive in the host's frame; flip them so the resolver
		// sees Local as this device's change, then flip decisions back.
		presented := make([]syncwire.ConflictRecord, len(conflictMsg.Conflicts))
		for i, conflict := range conflictMsg.Conflicts {
			presented[i] = conflict.Inverted()
		}
		resolutions, err := resolver(presented)
		if err != nil {
			conn.Send(syncwire.MsgSyncCancel, nil)
			return fmt.Errorf("conflict resolution failed: %w", err)
		}
		wire := make([]syncwire.Resolution, len(resolutions))
		for i, res := range resolutions {
			wire[i] = res.Inverted()
		}
		if err := conn.Send(syncwire.MsgConflictResolved, syncwire.ConflictResolved{Resolutions: wire}); err != nil {
			return err
		}
	}

	c.states.setProgress(syncwire.ProgressSyncing)

	// The host acks our received entries first, then sends its side.
	env, err = c.nextStep(ctx, conn, syncwire.MsgChangesAck)
	if err != nil {
		return err
	}
	var ack syncwire.ChangesAck
	if err := env.Payload(&ack); err != nil {
		return err
	}
	if err := c.store.MarkSynced(ctx, ack.ReceivedIDs); err != nil {
		return err
	}

	env, err = c.nextStep(ctx, conn, syncwire.MsgChanges)
	if err != nil {
		return err
	}
	var incoming syncwire.Changes
	if err := env.Payload(&incoming); err != nil {
		return err
	}

	result, err := c.store.ApplyRemoteChanges(ctx, incoming.Changes)
	if err != nil {
		conn.Send(syncwire.MsgSyncCancel, nil)
		return err
	}
	if err := conn.Send(syncwire.MsgChangesAck, syncwire.ChangesAck{ReceivedIDs: result.AppliedIDs}); err != nil {
		return err
	}

	newSyncTime := syncwire.Now()
	if err := conn.Send(syncwire.MsgSyncComplete, syncwire.SyncComplete{NewSyncTime: newSyncTime}); err != nil {
		return err
	}
	if err := c.store.SetLastSyncTime(ctx, hostID, newSyncTime); err != nil {
		return err
	}

	c.logger.Info("sync completed",
		"host_id", hostID,
		"sent", len(changes),
		"applied", result.Applied,
		"failed", result.Failed,
		"checkpoint", newSyncTime)

	c.hookMu.Lock()
	refresh := c.refreshHook
	c.hookMu.Unlock()
	if refresh != nil {
		refresh()
	}
	return nil
}

func (c *Client) nextStep(ctx context.Context, conn *wsconn.Conn, want syncwire.MsgType) (*syncwire.Envelope, error) {
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

// pinnedTLSConfig trusts exactly one certificate, identified by its
// SHA-256 fingerprint, in place of CA verification. Self-hosted peers
// have no CA chain worth validating.
func pinnedTLSConfig(fingerprint string) *tls.Config {
	expected := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if hex.EncodeToString(sum[:]) == expected {
					return nil
				}
			}
			return fmt.Errorf("host certificate does not match pinned fingerprint")
		},
	}
}
