// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package merge implements sync negotiation and conflict resolution:
// partitioning both sides' unsynced changes around a shared checkpoint,
// producing the preview summary, and turning explicit resolutions into a
// deterministic merge outcome.
package merge

import (
	"github.com/taskmesh/taskmesh/syncwire"
)

// Plan is the negotiated partition of both sides' unsynced changes.
// Local/Remote are relative to the negotiating peer (the resolution
// authority): LocalOnly flows out to the peer, RemoteOnly is applied
// here, and Conflicts need explicit resolutions before commit.
type Plan struct {
	LocalOnly  []syncwire.ChangeRecord
	RemoteOnly []syncwire.ChangeRecord
	Conflicts  []syncwire.ConflictRecord
}

// Negotiate partitions each side's uncommitted changes into
// unique-to-local, unique-to-remote, and overlapping entities. An entity
// conflicts only when both peers carry an uncommitted change for it
// relative to the negotiated baseline; the conflict carries the latest
// change record from each side.
func Negotiate(local, remote []syncwire.ChangeRecord) *Plan {
	latestLocal := latestByKey(local)
	latestRemote := latestByKey(remote)

	plan := &Plan{}
	conflicted := make(map[syncwire.EntityKey]bool)
	for key := range latestLocal {
		if _, ok := latestRemote[key]; ok {
			conflicted[key] = true
		}
	}

	for _, ch := range local {
		if !conflicted[ch.Key()] {
			plan.LocalOnly = append(plan.LocalOnly, ch)
		}
	}
	for _, ch := range remote {
		if !conflicted[ch.Key()] {
			plan.RemoteOnly = append(plan.RemoteOnly, ch)
		}
	}

	// Preserve remote ordering for a stable conflict list.
	seen := make(map[syncwire.EntityKey]bool)
	for _, ch := range remote {
		key := ch.Key()
		if !conflicted[key] || seen[key] {
			continue
		}
		seen[key] = true
		plan.Conflicts = append(plan.Conflicts, syncwire.ConflictRecord{
			EntityType: key.Type,
			EntityID:   key.ID,
			Local:      latestLocal[key],
			Remote:     latestRemote[key],
		})
	}

	return plan
}

// latestByKey reduces a change list to the most recent record per
// entity. Input ordering is timestamp ascending, so the last write wins.
func latestByKey(changes []syncwire.ChangeRecord) map[syncwire.EntityKey]syncwire.ChangeRecord {
	latest := make(map[syncwire.EntityKey]syncwire.ChangeRecord, len(changes))
	for _, ch := range changes {
		latest[ch.Key()] = ch
	}
	return latest
}

// AuthorityPolicy suggests which device should hold resolution
// authority for a sync. It is a policy knob, not a fixed rule.
type AuthorityPolicy func(local, remote []syncwire.ChangeRecord, localID, remoteID string) string

// DefaultAuthorityPolicy suggests the side with more changes, breaking
// ties by the most recent change timestamp, then by the local side.
func DefaultAuthorityPolicy(local, remote []syncwire.ChangeRecord, localID, remoteID string) string {
	if len(local) != len(remote) {
		if len(local) > len(remote) {
			return localID
		}
		return remoteID
	}
	if newest(remote) > newest(local) {
		return remoteID
	}
	return localID
}

func newest(changes []syncwire.ChangeRecord) int64 {
	var max int64
	for _, ch := range changes {
		if ch.Timestamp > max {
			max = ch.Timestamp
		}
	}
	return max
}

// Summarize builds the preview summary for the requesting peer. The
// plan's remote side is the requester, so ToSend counts what the
// requester pushed and ToReceive what it will get back; conflicted
// entities are counted separately since their direction is undecided.
func Summarize(plan *Plan, local, remote []syncwire.ChangeRecord, localID, remoteID string, policy AuthorityPolicy) syncwire.SyncSummary {
	if policy == nil {
		policy = DefaultAuthorityPolicy
	}
	summary := syncwire.SyncSummary{
		Conflicts:          len(plan.Conflicts),
		SuggestedAuthority: policy(local, remote, localID, remoteID),
	}
	for _, ch := range plan.RemoteOnly {
		summary.ToSend.Count(ch.Op)
	}
	for _, ch := range plan.LocalOnly {
		summary.ToReceive.Count(ch.Op)
	}
	return summary
}
