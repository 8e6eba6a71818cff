// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import (
	"encoding/json"
	"fmt"
)

// MsgType discriminates the typed JSON messages on the duplex channel.
type MsgType string

const (
	MsgAuthRequired     MsgType = "AUTH_REQUIRED"
	MsgAuth             MsgType = "AUTH"
	MsgAuthOK           MsgType = "AUTH_OK"
	MsgAuthFailed       MsgType = "AUTH_FAILED"
	MsgSyncRequest      MsgType = "SYNC_REQUEST"
	MsgSyncPreview      MsgType = "SYNC_PREVIEW"
	MsgSyncConfirm      MsgType = "SYNC_CONFIRM"
	MsgSyncCancel       MsgType = "SYNC_CANCEL"
	MsgSyncComplete     MsgType = "SYNC_COMPLETE"
	MsgChanges          MsgType = "CHANGES"
	MsgChangesAck       MsgType = "CHANGES_ACK"
	MsgConflict         MsgType = "CONFLICT"
	MsgConflictResolved MsgType = "CONFLICT_RESOLVED"
	MsgPing             MsgType = "PING"
	MsgPong             MsgType = "PONG"
)

var knownTypes = map[MsgType]bool{
	MsgAuthRequired: true, MsgAuth: true, MsgAuthOK: true, MsgAuthFailed: true,
	MsgSyncRequest: true, MsgSyncPreview: true, MsgSyncConfirm: true,
	MsgSyncCancel: true, MsgSyncComplete: true, MsgChanges: true,
	MsgChangesAck: true, MsgConflict: true, MsgConflictResolved: true,
	MsgPing: true, MsgPong: true,
}

// Envelope is the outer frame of every wire message.
type Envelope struct {
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a typed message for transmission.
func Encode(t MsgType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", t, err)
	}
	return raw, nil
}

// Decode parses a raw frame into an envelope, rejecting unknown types so a
// single malformed message can be logged and dropped without tearing down
// the connection.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	if !knownTypes[env.Type] {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return &env, nil
}

// Payload unmarshals the envelope body into v.
func (e *Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthRequired is sent by the host immediately after a connection opens.
type AuthRequired struct {
	ServerDeviceID   string `json:"server_device_id"`
	ServerDeviceName string `json:"server_device_name"`
	Fingerprint      string `json:"fingerprint,omitempty"` // TLS cert SHA-256, for pinning
}

// Auth is the client's credential reply. PIN is used only on first
// pairing; a previously issued token is preferred.
type Auth struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	PIN        string `json:"pin,omitempty"`
	Token      string `json:"token,omitempty"`
}

// AuthOK accepts an authentication attempt. Token is present only when a
// fresh token was just issued by PIN pairing.
type AuthOK struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Token      string `json:"token,omitempty"`
}

// AuthFailed rejects an authentication attempt.
type AuthFailed struct {
	Reason AuthFailReason `json:"reason"`
}

// SyncRequest opens a sync flow from the requester's checkpoint.
type SyncRequest struct {
	LastSyncTime int64 `json:"last_sync_time"`
}

// SyncPreview carries the negotiated summary back to the requester.
type SyncPreview struct {
	Summary SyncSummary `json:"summary"`
}

// SyncComplete finalizes a committed sync; both sides advance their
// checkpoint to NewSyncTime.
type SyncComplete struct {
	NewSyncTime int64 `json:"new_sync_time"`
}

// Changes carries a batch of change records.
type Changes struct {
	Changes []ChangeRecord `json:"changes"`
}

// ChangesAck acknowledges receipt and settlement of change records by
// their sender-local log IDs; the sender marks them synced.
type ChangesAck struct {
	ReceivedIDs []int64 `json:"received_ids"`
}

// Conflict carries the detected conflict set from the resolution
// authority to the deciding peer.
type Conflict struct {
	Conflicts []ConflictRecord `json:"conflicts"`
}

// ConflictResolved returns one resolution per conflict.
type ConflictResolved struct {
	Resolutions []Resolution `json:"resolutions"`
}

// Ping and Pong keep the connection alive and measure latency.
type Ping struct {
	Timestamp int64 `json:"ts"`
}

// Pong echoes the ping timestamp.
type Pong struct {
	Timestamp int64 `json:"ts"`
}
