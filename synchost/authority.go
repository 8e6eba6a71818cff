// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package synchost is the responder role: it listens for peer
// connections, authenticates them by PIN pairing or issued token, and
// drives the sync flow as the resolution authority.
package synchost

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/syncwire"
)

const (
	pinLength       = 6
	defaultPinTTL   = 5 * time.Minute
	defaultTokenTTL = 365 * 24 * time.Hour
	tokenIssuer     = "taskmesh"
)

// AuthError carries the wire-level rejection reason alongside the
// underlying cause.
type AuthError struct {
	Reason syncwire.AuthFailReason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DeviceInfo describes one paired device as the host sees it.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	PairedAt   int64
	LastSeen   int64
	Revoked    bool
}

// tokenClaims is the JWT payload for a paired device. The token ID
// (standard jti claim) is checked against the pairing table on every
// use, so unpairing revokes tokens immediately.
type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

type livePIN struct {
	hash      []byte
	expiresAt time.Time
}

// Authority owns pairing state: the single live PIN and the paired
// device registry with its issued token IDs.
type Authority struct {
	store    *syncdb.Store
	secret   []byte
	tokenTTL time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	pin *livePIN // at most one live PIN; consumed on first successful use
}

// NewAuthority creates the pairing authority backed by the host's
// store. The signing secret must be stable across restarts or every
// issued token becomes invalid.
func NewAuthority(store *syncdb.Store, secret string, logger *slog.Logger) (*Authority, error) {
	if secret == "" {
		return nil, errors.New("token signing secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	_, err := store.DB.Exec(`
		CREATE TABLE IF NOT EXISTS _paired_devices (
			device_id    TEXT PRIMARY KEY,
			device_name  TEXT NOT NULL DEFAULT '',
			token_id     TEXT NOT NULL,
			paired_at    INTEGER NOT NULL,
			last_seen    INTEGER NOT NULL DEFAULT 0,
			revoked      INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing table: %w", err)
	}
	return &Authority{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: defaultTokenTTL,
		logger:   logger,
	}, nil
}

// GeneratePIN mints a fresh pairing PIN, replacing any previous one.
// Only the bcrypt hash is retained; the cleartext exists once, in the
// return value, for display to the user.
func (a *Authority) GeneratePIN(ttl time.Duration) (pin string, expiresAt time.Time, err error) {
	if ttl <= 0 {
		ttl = defaultPinTTL
	}
	digits := make([]byte, pinLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("failed to generate pin: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	pin = string(digits)

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to hash pin: %w", err)
	}
	expiresAt = time.Now().Add(ttl)

	a.mu.Lock()
	a.pin = &livePIN{hash: hash, expiresAt: expiresAt}
	a.mu.Unlock()

	a.logger.Info("pairing pin generated", "expires_at", expiresAt.Format(time.RFC3339))
	return pin, expiresAt, nil
}

// CancelPIN discards the live PIN without waiting for expiry.
func (a *Authority) CancelPIN() {
	a.mu.Lock()
	a.pin = nil
	a.mu.Unlock()
}

// ValidateAuth checks a peer's credentials. Token auth is tried when a
// token is presented; otherwise the live PIN is consumed and a fresh
// token issued. On PIN success AuthOK.Token carries the new token.
func (a *Authority) ValidateAuth(ctx context.Context, req *syncwire.Auth) (*syncwire.AuthOK, error) {
	if req.DeviceID == "" {
		return nil, &AuthError{Reason: syncwire.ReasonInvalidPIN, Err: errors.New("missing device id")}
	}
	if req.Token != "" {
		return a.validateToken(ctx, req)
	}
	return a.validatePIN(ctx, req)
}

func (a *Authority) validateToken(ctx context.Context, req *syncwire.Auth) (*syncwire.AuthOK, error) {
	claims, err := a.parseToken(req.Token)
	if err != nil {
		return nil, &AuthError{Reason: syncwire.ReasonUnknownToken, Err: err}
	}
	if claims.DeviceID != req.DeviceID {
		return nil, &AuthError{Reason: syncwire.ReasonUnknownToken,
			Err: fmt.Errorf("token bound to device %s", claims.DeviceID)}
	}

	var tokenID string
	var revoked bool
	err = a.store.DB.QueryRowContext(ctx,
		`SELECT token_id, revoked FROM _paired_devices WHERE device_id = ?`, req.DeviceID).
		Scan(&tokenID, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &AuthError{Reason: syncwire.ReasonUnknownToken, Err: errors.New("device not paired")}
	}
	if err != nil {
		return nil, &AuthError{Reason: syncwire.ReasonUnknownToken,
			Err: fmt.Errorf("failed to query pairing: %w", err)}
	}
	if revoked {
		return nil, &AuthError{Reason: syncwire.ReasonDeviceRevoked, Err: errors.New("device unpaired")}
	}
	if claims.ID != tokenID {
		return nil, &AuthError{Reason: syncwire.ReasonUnknownToken, Err: errors.New("token superseded")}
	}

	if err := a.touch(ctx, req.DeviceID, req.DeviceName); err != nil {
		a.logger.Warn("failed to update device last seen", "device_id", req.DeviceID, "error", err)
	}
	return &syncwire.AuthOK{DeviceID: req.DeviceID, DeviceName: req.DeviceName}, nil
}

func (a *Authority) validatePIN(ctx context.Context, req *syncwire.Auth) (*syncwire.AuthOK, error) {
	a.mu.Lock()
	current := a.pin
	a.mu.Unlock()

	if current != nil && time.Now().After(current.expiresAt) {
		a.mu.Lock()
		if a.pin == current {
			a.pin = nil
		}
		a.mu.Unlock()
		return nil, &AuthError{Reason: syncwire.ReasonExpiredPIN, Err: errors.New("pairing pin expired")}
	}
	// No live PIN at all (never generated, or already consumed) reads the
	// same as a wrong PIN to the peer.
	if current == nil {
		return nil, &AuthError{Reason: syncwire.ReasonInvalidPIN, Err: errors.New("no live pairing pin")}
	}
	if err := bcrypt.CompareHashAndPassword(current.hash, []byte(req.PIN)); err != nil {
		return nil, &AuthError{Reason: syncwire.ReasonInvalidPIN, Err: errors.New("pin mismatch")}
	}

	// One successful use consumes the PIN.
	a.mu.Lock()
	if a.pin == current {
		a.pin = nil
	}
	a.mu.Unlock()

	tokenID := uuid.New().String()
	token, err := a.issueToken(req.DeviceID, tokenID)
	if err != nil {
		return nil, &AuthError{Reason: syncwire.ReasonInvalidPIN,
			Err: fmt.Errorf("failed to issue token: %w", err)}
	}

	now := syncwire.Now()
	_, err = a.store.DB.ExecContext(ctx, `
		INSERT INTO _paired_devices (device_id, device_name, token_id, paired_at, last_seen, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			token_id = excluded.token_id,
			last_seen = excluded.last_seen,
			revoked = 0
	`, req.DeviceID, req.DeviceName, tokenID, now, now)
	if err != nil {
		return nil, &AuthError{Reason: syncwire.ReasonInvalidPIN,
			Err: fmt.Errorf("failed to register pairing: %w", err)}
	}

	a.logger.Info("device paired", "device_id", req.DeviceID, "device_name", req.DeviceName)
	return &syncwire.AuthOK{DeviceID: req.DeviceID, DeviceName: req.DeviceName, Token: token}, nil
}

func (a *Authority) issueToken(deviceID, tokenID string) (string, error) {
	claims := &tokenClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
			Subject:   deviceID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authority) parseToken(tokenString string) (*tokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.DeviceID == "" || claims.ID == "" {
		return nil, errors.New("token missing device binding")
	}
	return claims, nil
}

func (a *Authority) touch(ctx context.Context, deviceID, deviceName string) error {
	_, err := a.store.DB.ExecContext(ctx, `
		UPDATE _paired_devices SET last_seen = ?, device_name = CASE WHEN ? != '' THEN ? ELSE device_name END
		WHERE device_id = ?
	`, syncwire.Now(), deviceName, deviceName, deviceID)
	return err
}

// ListDevices returns every device that has ever paired, including
// revoked ones.
func (a *Authority) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	rows, err := a.store.DB.QueryContext(ctx, `
		SELECT device_id, device_name, paired_at, last_seen, revoked
		FROM _paired_devices ORDER BY paired_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list paired devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceInfo
	for rows.Next() {
		var d DeviceInfo
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &d.PairedAt, &d.LastSeen, &d.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan paired device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UnpairDevice revokes a device. Its token stops validating on the next
// use; an active session for the device must be dropped by the caller.
func (a *Authority) UnpairDevice(ctx context.Context, deviceID string) error {
	res, err := a.store.DB.ExecContext(ctx,
		`UPDATE _paired_devices SET revoked = 1 WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to unpair device %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s is not paired", deviceID)
	}
	a.logger.Info("device unpaired", "device_id", deviceID)
	return nil
}

// UnpairAll revokes every paired device.
func (a *Authority) UnpairAll(ctx context.Context) error {
	if _, err := a.store.DB.ExecContext(ctx, `UPDATE _paired_devices SET revoked = 1`); err != nil {
		return fmt.Errorf("failed to unpair all devices: %w", err)
	}
	a.logger.Info("all devices unpaired")
	return nil
}
