// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncwire defines the wire protocol shared by both peer roles:
// the message catalogue exchanged over the duplex channel and the model
// types (change records, conflicts, resolutions) they carry.
package syncwire

import (
	"encoding/json"
	"time"
)

// EntityType identifies which kind of application entity a change touches.
type EntityType string

const (
	EntityTask           EntityType = "task"
	EntityProject        EntityType = "project"
	EntityList           EntityType = "list"
	EntityTag            EntityType = "tag"
	EntitySettings       EntityType = "settings"
	EntityTaskCompletion EntityType = "task_completion"
	EntityTaskTag        EntityType = "task_tag"
)

// EntityTypes lists every syncable entity type in a stable order.
var EntityTypes = []EntityType{
	EntityTask, EntityProject, EntityList, EntityTag,
	EntitySettings, EntityTaskCompletion, EntityTaskTag,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operation is the kind of mutation a change record describes.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ChangeRecord is one row of the append-only change log: a single local
// mutation awaiting (or after) transmission to a peer. Rows are immutable
// once written except for the synced flag, which only transitions
// false -> true.
type ChangeRecord struct {
	ID         int64           `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         Operation       `json:"op"`
	Data       json.RawMessage `json:"data,omitempty"` // changed fields, or full row for INSERT
	Timestamp  int64           `json:"ts"`             // unix milliseconds UTC
	Synced     bool            `json:"-"`              // store-local, never on the wire
}

// Key returns the (entityType, entityId) identity of the change.
func (c *ChangeRecord) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// EntityKey identifies one entity across both peers.
type EntityKey struct {
	Type EntityType
	ID   string
}

// ConflictRecord describes one entity changed independently on both sides
// since the shared checkpoint. Local/Remote are relative to the peer that
// holds resolution authority (the side that emits the CONFLICT message);
// the other peer views the same record through Inverted.
type ConflictRecord struct {
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Local      ChangeRecord `json:"local"`
	Remote     ChangeRecord `json:"remote"`
}

// Inverted returns the conflict as seen from the opposite peer.
func (c ConflictRecord) Inverted() ConflictRecord {
	c.Local, c.Remote = c.Remote, c.Local
	return c
}

// Winner selects which side of a conflict prevails.
type Winner string

const (
	WinnerLocal  Winner = "LOCAL"
	WinnerRemote Winner = "REMOTE"
	WinnerMerged Winner = "MERGED"
)

// Resolution settles one conflict. Winner is expressed in the same frame
// as the ConflictRecord it answers (authority-side local/remote).
type Resolution struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Winner     Winner          `json:"winner"`
	MergedData json.RawMessage `json:"merged_data,omitempty"` // required when Winner == MERGED
}

// Inverted flips the LOCAL/REMOTE frame of the resolution. MERGED is
// symmetric and passes through unchanged.
func (r Resolution) Inverted() Resolution {
	switch r.Winner {
	case WinnerLocal:
		r.Winner = WinnerRemote
	case WinnerRemote:
		r.Winner = WinnerLocal
	}
	return r
}

// OpCounts breaks a set of changes down by operation.
type OpCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Total returns the sum across all operations.
func (o OpCounts) Total() int { return o.Inserts + o.Updates + o.Deletes }

// Count adds one change to the tally.
func (o *OpCounts) Count(op Operation) {
	switch op {
	case OpInsert:
		o.Inserts++
	case OpUpdate:
		o.Updates++
	case OpDelete:
		o.Deletes++
	}
}

// SyncSummary is the preview computed during negotiation, expressed from
// the requester's perspective: ToSend is what the requester pushes,
// ToReceive is what it will get back.
type SyncSummary struct {
	ToSend             OpCounts `json:"to_send"`
	ToReceive          OpCounts `json:"to_receive"`
	Conflicts          int      `json:"conflicts"`
	SuggestedAuthority string   `json:"suggested_authority,omitempty"` // device ID of the suggested side
}

// AuthFailReason explains an AUTH_FAILED message.
type AuthFailReason string

const (
	ReasonExpiredPIN    AuthFailReason = "EXPIRED_PIN"
	ReasonInvalidPIN    AuthFailReason = "INVALID_PIN"
	ReasonUnknownToken  AuthFailReason = "UNKNOWN_TOKEN"
	ReasonDeviceRevoked AuthFailReason = "DEVICE_REVOKED"
)

// TokenRejected reports whether the failure concerns a presented token,
// in which case the client must discard its stored token and fall back to
// PIN pairing.
func (r AuthFailReason) TokenRejected() bool {
	return r == ReasonUnknownToken || r == ReasonDeviceRevoked
}

// Now returns the current time as unix milliseconds UTC, the clock used
// for change timestamps and sync checkpoints.
func Now() int64 {
	return time.Now().UTC().UnixMilli()
}
