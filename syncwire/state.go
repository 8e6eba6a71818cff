// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import "fmt"

// ConnState is the per-connection lifecycle state.
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnConnected     ConnState = "connected"
	ConnAuthenticated ConnState = "authenticated"
	ConnError         ConnState = "error"
)

// SyncProgress is the per-session sync flow state. It advances only in
// the order idle -> requesting -> preview -> (resolving) -> syncing ->
// complete -> idle, or drops to error/idle via cancel before commit.
type SyncProgress string

const (
	ProgressIdle       SyncProgress = "idle"
	ProgressRequesting SyncProgress = "requesting"
	ProgressPreview    SyncProgress = "preview"
	ProgressResolving  SyncProgress = "resolving"
	ProgressSyncing    SyncProgress = "syncing"
	ProgressComplete   SyncProgress = "complete"
	ProgressError      SyncProgress = "error"
)

var progressOrder = map[SyncProgress]int{
	ProgressIdle:       0,
	ProgressRequesting: 1,
	ProgressPreview:    2,
	ProgressResolving:  3,
	ProgressSyncing:    4,
	ProgressComplete:   5,
}

// AdvanceProgress validates a forward transition. Resolving is optional
// (preview may jump straight to syncing), and any state may reset to
// idle or drop to error.
func AdvanceProgress(from, to SyncProgress) (SyncProgress, error) {
	if to == ProgressIdle || to == ProgressError {
		return to, nil
	}
	fromOrd, ok := progressOrder[from]
	if !ok {
		// Recover from error only by resetting through idle.
		return from, fmt.Errorf("cannot advance sync progress from %s", from)
	}
	toOrd, ok := progressOrder[to]
	if !ok || toOrd <= fromOrd {
		return from, fmt.Errorf("invalid sync progress transition %s -> %s", from, to)
	}
	return to, nil
}
