// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/syncwire"
)

// ErrUnresolvedConflicts means a sync with conflicts was asked to commit
// before every conflict received a resolution.
var ErrUnresolvedConflicts = errors.New("sync has unresolved conflicts")

// Outcome is the deterministic merge result, in the authority's frame:
// ApplyLocal is materialized into the authority's store, Send flows to
// the peer, AckIDs settles the peer's change log entries, and SettleIDs
// settles the authority's own log entries that lost or merged without
// being re-sent.
type Outcome struct {
	ApplyLocal []syncwire.ChangeRecord
	Send       []syncwire.ChangeRecord
	AckIDs     []int64
	SettleIDs  []int64
}

// Resolve turns a negotiated plan plus caller-supplied resolutions into
// a merge outcome. Every conflict must carry an explicit resolution.
// The engine never auto-resolves by timestamp or otherwise; commit is
// unreachable until the deciding side has spoken.
func Resolve(plan *Plan, resolutions []syncwire.Resolution) (*Outcome, error) {
	byKey := make(map[syncwire.EntityKey]syncwire.Resolution, len(resolutions))
	for _, res := range resolutions {
		byKey[syncwire.EntityKey{Type: res.EntityType, ID: res.EntityID}] = res
	}

	out := &Outcome{}

	for _, ch := range plan.RemoteOnly {
		out.ApplyLocal = append(out.ApplyLocal, ch)
		if ch.ID != 0 {
			out.AckIDs = append(out.AckIDs, ch.ID)
		}
	}
	out.Send = append(out.Send, plan.LocalOnly...)

	for _, conflict := range plan.Conflicts {
		key := syncwire.EntityKey{Type: conflict.EntityType, ID: conflict.EntityID}
		res, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("%w: no resolution for %s %s",
				ErrUnresolvedConflicts, conflict.EntityType, conflict.EntityID)
		}

		switch res.Winner {
		case syncwire.WinnerLocal:
			// Our side prevails: re-send our change so the peer converges,
			// and settle the peer's losing entry.
			out.Send = append(out.Send, conflict.Local)
			if conflict.Remote.ID != 0 {
				out.AckIDs = append(out.AckIDs, conflict.Remote.ID)
			}

		case syncwire.WinnerRemote:
			// Peer prevails: apply theirs, settle both entries.
			out.ApplyLocal = append(out.ApplyLocal, conflict.Remote)
			if conflict.Remote.ID != 0 {
				out.AckIDs = append(out.AckIDs, conflict.Remote.ID)
			}
			if conflict.Local.ID != 0 {
				out.SettleIDs = append(out.SettleIDs, conflict.Local.ID)
			}

		case syncwire.WinnerMerged:
			if len(res.MergedData) == 0 {
				return nil, fmt.Errorf("merged resolution for %s %s carries no payload",
					conflict.EntityType, conflict.EntityID)
			}
			merged := syncwire.ChangeRecord{
				EntityType: conflict.EntityType,
				EntityID:   conflict.EntityID,
				Op:         syncwire.OpUpdate,
				Data:       res.MergedData,
				Timestamp:  syncwire.Now(),
			}
			out.ApplyLocal = append(out.ApplyLocal, merged)
			out.Send = append(out.Send, merged)
			if conflict.Remote.ID != 0 {
				out.AckIDs = append(out.AckIDs, conflict.Remote.ID)
			}
			if conflict.Local.ID != 0 {
				out.SettleIDs = append(out.SettleIDs, conflict.Local.ID)
			}

		default:
			return nil, fmt.Errorf("unknown winner %q for %s %s",
				res.Winner, conflict.EntityType, conflict.EntityID)
		}
	}

	return out, nil
}

// PolicyFunc produces resolutions for a conflict set. Conflicts are
// presented in the deciding peer's own frame (Local is that peer's
// change). A policy is an explicit choice made by the embedding
// application; there is no implicit default at the protocol level.
type PolicyFunc func(conflicts []syncwire.ConflictRecord) ([]syncwire.Resolution, error)

// PreferLocal resolves every conflict in favor of this device.
func PreferLocal(conflicts []syncwire.ConflictRecord) ([]syncwire.Resolution, error) {
	return resolveAll(conflicts, func(syncwire.ConflictRecord) syncwire.Winner {
		return syncwire.WinnerLocal
	})
}

// PreferRemote resolves every conflict in favor of the peer.
func PreferRemote(conflicts []syncwire.ConflictRecord) ([]syncwire.Resolution, error) {
	return resolveAll(conflicts, func(syncwire.ConflictRecord) syncwire.Winner {
		return syncwire.WinnerRemote
	})
}

// PreferLatest resolves each conflict in favor of the more recent
// change. This is still an explicit policy choice by the caller, not
// engine behavior.
func PreferLatest(conflicts []syncwire.ConflictRecord) ([]syncwire.Resolution, error) {
	return resolveAll(conflicts, func(c syncwire.ConflictRecord) syncwire.Winner {
		if c.Remote.Timestamp > c.Local.Timestamp {
			return syncwire.WinnerRemote
		}
		return syncwire.WinnerLocal
	})
}

func resolveAll(conflicts []syncwire.ConflictRecord, pick func(syncwire.ConflictRecord) syncwire.Winner) ([]syncwire.Resolution, error) {
	resolutions := make([]syncwire.Resolution, len(conflicts))
	for i, c := range conflicts {
		resolutions[i] = syncwire.Resolution{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Winner:     pick(c),
		}
	}
	return resolutions, nil
}
