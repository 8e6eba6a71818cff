// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"sync"

	"github.com/taskmesh/taskmesh/syncwire"
)

// Status is the observable client state: connection lifecycle, sync
// flow progress, and the last terminal error if any.
type Status struct {
	Conn     syncwire.ConnState
	Progress syncwire.SyncProgress
	Err      string
}

// Broadcaster fans Status updates out to any number of subscribers.
// A new subscriber immediately receives the current status, so late
// subscribers (a UI attaching after connect) never render a stale
// default.
type Broadcaster struct {
	mu      sync.Mutex
	current Status
	subs    map[chan Status]struct{}
}

// NewBroadcaster creates a broadcaster in the disconnected/idle state.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		current: Status{Conn: syncwire.ConnDisconnected, Progress: syncwire.ProgressIdle},
		subs:    make(map[chan Status]struct{}),
	}
}

// Current returns the latest status.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe registers a listener. The current status is replayed as the
// first element; cancel must be called to release the subscription.
// Slow subscribers drop intermediate updates rather than blocking the
// publisher.
func (b *Broadcaster) Subscribe() (updates <-chan Status, cancel func()) {
	ch := make(chan Status, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.current
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Publish records and fans out a new status.
func (b *Broadcaster) Publish(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = status
	for ch := range b.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (b *Broadcaster) setConn(state syncwire.ConnState, errText string) {
	b.mu.Lock()
	status := b.current
	b.mu.Unlock()
	status.Conn = state
	status.Err = errText
	b.Publish(status)
}

// setProgress advances the sync progress through the state machine's
// transition rules. Backward or otherwise illegal transitions (a stale
// flow reporting after a reset) are dropped rather than published.
func (b *Broadcaster) setProgress(progress syncwire.SyncProgress) {
	b.mu.Lock()
	status := b.current
	b.mu.Unlock()
	next, err := syncwire.AdvanceProgress(status.Progress, progress)
	if err != nil {
		return
	}
	status.Progress = next
	b.Publish(status)
}
