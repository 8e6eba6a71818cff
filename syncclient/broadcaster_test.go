// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/syncwire"
)

func TestSubscribeReplaysCurrentStatus(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Status{Conn: syncwire.ConnAuthenticated, Progress: syncwire.ProgressIdle})

	// A subscriber attaching after the fact still sees the live state.
	updates, cancel := b.Subscribe()
	defer cancel()

	select {
	case status := <-updates:
		require.Equal(t, syncwire.ConnAuthenticated, status.Conn)
	case <-time.After(time.Second):
		t.Fatal("no replayed status")
	}
}

func TestPublishFansOut(t *testing.T) {
	b := NewBroadcaster()
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	<-first
	<-second

	b.Publish(Status{Conn: syncwire.ConnConnecting, Progress: syncwire.ProgressIdle})
	require.Equal(t, syncwire.ConnConnecting, (<-first).Conn)
	require.Equal(t, syncwire.ConnConnecting, (<-second).Conn)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	updates, cancel := b.Subscribe()
	<-updates
	cancel()

	// Cancelling twice is harmless, and the channel is closed.
	cancel()
	_, open := <-updates
	require.False(t, open)

	b.Publish(Status{Conn: syncwire.ConnError})
	require.Equal(t, syncwire.ConnError, b.Current().Conn)
}

func TestProgressFollowsStateMachine(t *testing.T) {
	b := NewBroadcaster()

	b.setProgress(syncwire.ProgressRequesting)
	b.setProgress(syncwire.ProgressPreview)
	require.Equal(t, syncwire.ProgressPreview, b.Current().Progress)

	// Resolving is optional: preview may jump straight to syncing.
	b.setProgress(syncwire.ProgressSyncing)
	require.Equal(t, syncwire.ProgressSyncing, b.Current().Progress)

	// A backward report from a stale flow is dropped.
	b.setProgress(syncwire.ProgressPreview)
	require.Equal(t, syncwire.ProgressSyncing, b.Current().Progress)

	// Error is reachable from anywhere, and recovers only through idle.
	b.setProgress(syncwire.ProgressError)
	require.Equal(t, syncwire.ProgressError, b.Current().Progress)
	b.setProgress(syncwire.ProgressRequesting)
	require.Equal(t, syncwire.ProgressError, b.Current().Progress)
	b.setProgress(syncwire.ProgressIdle)
	b.setProgress(syncwire.ProgressRequesting)
	require.Equal(t, syncwire.ProgressRequesting, b.Current().Progress)
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	b := NewBroadcaster()
	updates, cancel := b.Subscribe()
	defer cancel()

	// Overflow the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Status{Conn: syncwire.ConnConnected})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	require.NotEmpty(t, updates)
}
