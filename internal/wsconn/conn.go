// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsconn wraps a websocket connection with the framing both
// sync peers share: serialized writes, a decoded inbox, and liveness
// probing over the protocol's own PING/PONG messages.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/taskmesh/syncwire"
)

// ErrClosed is returned by Send after the connection is torn down.
var ErrClosed = errors.New("connection closed")

const (
	writeWait = 10 * time.Second

	// pongWait bounds how long a peer may stay silent before the
	// connection is considered dead; pings go out at a third of it so
	// two probes can be lost before the deadline fires.
	pongWait     = 45 * time.Second
	pingInterval = pongWait / 3

	inboxSize = 32
)

// Conn is a message-framed sync connection. All writes are serialized
// through Send; decoded inbound envelopes arrive on Inbox. Protocol
// PINGs are answered internally and never surface to the consumer.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	inbox   chan *syncwire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value // error

	latencyMs atomic.Int64
	sentCount atomic.Int64
	recvCount atomic.Int64
}

// Stats reports message counts since the connection opened. Keepalive
// traffic is included.
func (c *Conn) Stats() (sent, received int64) {
	return c.sentCount.Load(), c.recvCount.Load()
}

// New wraps an upgraded or dialed websocket connection and starts its
// read and keepalive pumps. The caller owns shutdown via Close.
func New(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:     ws,
		logger: logger,
		inbox:  make(chan *syncwire.Envelope, inboxSize),
		closed: make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

// Inbox delivers decoded inbound messages. It is closed when the
// connection dies; Err reports why.
func (c *Conn) Inbox() <-chan *syncwire.Envelope { return c.inbox }

// Done is closed when the connection is torn down, locally or by the
// peer.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err reports the terminal error after Inbox closes, nil for a clean
// local Close.
func (c *Conn) Err() error {
	if err, ok := c.closeErr.Load().(error); ok {
		return err
	}
	return nil
}

// Latency reports the last measured round-trip time. Zero until the
// first PONG arrives.
func (c *Conn) Latency() time.Duration {
	return time.Duration(c.latencyMs.Load()) * time.Millisecond
}

// RemoteAddr reports the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// Send encodes and writes one protocol message. Safe for concurrent
// use.
func (c *Conn) Send(t syncwire.MsgType, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	raw, err := syncwire.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	c.sentCount.Add(1)
	return nil
}

// Receive waits for the next inbound message, honoring ctx.
func (c *Conn) Receive(ctx context.Context) (*syncwire.Envelope, error) {
	select {
	case env, ok := <-c.inbox:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) shutdown(cause error) error {
	c.closeOnce.Do(func() {
		if cause != nil {
			c.closeErr.Store(cause)
		}
		close(c.closed)

		// Best-effort close handshake before dropping the socket.
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	})
	return nil
}

func (c *Conn) readPump() {
	defer close(c.inbox)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.shutdown(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.recvCount.Add(1)

		env, err := syncwire.Decode(raw)
		if err != nil {
			c.logger.Warn("discarding malformed message", "error", err)
			continue
		}

		switch env.Type {
		case syncwire.MsgPing:
			var ping syncwire.Ping
			if err := env.Payload(&ping); err == nil {
				c.Send(syncwire.MsgPong, syncwire.Pong{Timestamp: ping.Timestamp})
			}
		case syncwire.MsgPong:
			var pong syncwire.Pong
			if err := env.Payload(&pong); err == nil && pong.Timestamp > 0 {
				c.latencyMs.Store(syncwire.Now() - pong.Timestamp)
			}
		default:
			select {
			case c.inbox <- env:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(syncwire.MsgPing, syncwire.Ping{Timestamp: syncwire.Now()}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
