// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package synchost

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/syncdb"
	"github.com/taskmesh/taskmesh/syncwire"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := syncdb.NewStore(db, slog.Default())
	require.NoError(t, err)
	authority, err := NewAuthority(store, "test-secret", slog.Default())
	require.NoError(t, err)
	return authority
}

func TestPINPairingIssuesToken(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, expiresAt, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	require.Len(t, pin, 6)
	require.True(t, expiresAt.After(time.Now()))

	ok, err := a.ValidateAuth(ctx, &syncwire.Auth{
		DeviceID: "dev-1", DeviceName: "Phone", PIN: pin,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ok.Token)
	require.Equal(t, "dev-1", ok.DeviceID)

	devices, err := a.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "Phone", devices[0].DeviceName)
	require.False(t, devices[0].Revoked)
}

func TestPINIsSingleUse(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", DeviceName: "Phone", PIN: pin})
	require.NoError(t, err)

	// A second device presenting the consumed PIN is rejected as invalid.
	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-2", DeviceName: "Tablet", PIN: pin})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonInvalidPIN, authErr.Reason)
}

func TestPINExpiry(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: pin})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonExpiredPIN, authErr.Reason)
}

func TestRegeneratingPINInvalidatesPrevious(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	first, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	second, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)

	if first == second {
		t.Skip("collision between generated pins")
	}
	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: first})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonInvalidPIN, authErr.Reason)

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: second})
	require.NoError(t, err)
}

func TestTokenReconnectWithoutNewToken(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	paired, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", DeviceName: "Phone", PIN: pin})
	require.NoError(t, err)

	// Reconnecting with the stored token succeeds with no fresh token.
	ok, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", DeviceName: "Phone", Token: paired.Token})
	require.NoError(t, err)
	require.Empty(t, ok.Token)
}

func TestTokenBoundToDevice(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	paired, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: pin})
	require.NoError(t, err)

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-other", Token: paired.Token})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonUnknownToken, authErr.Reason)
}

func TestUnpairRevokesToken(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	paired, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", DeviceName: "Phone", PIN: pin})
	require.NoError(t, err)

	require.NoError(t, a.UnpairDevice(ctx, "dev-1"))

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", Token: paired.Token})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonDeviceRevoked, authErr.Reason)

	// Re-pairing with a new PIN clears the revocation.
	pin2, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	repaired, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", DeviceName: "Phone", PIN: pin2})
	require.NoError(t, err)
	require.NotEmpty(t, repaired.Token)
	require.NotEqual(t, paired.Token, repaired.Token)
}

func TestRepairingSupersedesOldToken(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	pin, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	old, err := a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: pin})
	require.NoError(t, err)

	pin2, _, err := a.GeneratePIN(time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", PIN: pin2})
	require.NoError(t, err)

	_, err = a.ValidateAuth(ctx, &syncwire.Auth{DeviceID: "dev-1", Token: old.Token})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, syncwire.ReasonUnknownToken, authErr.Reason)
}

func TestUnpairUnknownDevice(t *testing.T) {
	a := newTestAuthority(t)
	err := a.UnpairDevice(context.Background(), "never-seen")
	require.ErrorContains(t, err, "not paired")
}
