// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/retry"
	"github.com/katzenpost/superlogin/core/wire"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/core/worker"
)

var (
	// ErrNotConnected is the error returned when a command can not be
	// issued or answered because there is no connection to the server.
	ErrNotConnected = errors.New("client: not connected")

	// ErrShutdown is the error returned when the client or transport has
	// been closed.
	ErrShutdown = errors.New("client: shutdown requested")
)

// Caller issues one command and decodes its result into result, which may
// be nil.  Errors reported by the server are *commands.RemoteError values.
type Caller interface {
	Call(ctx context.Context, cmd commands.Command, args, result interface{}) error
}

// ConnectionEvent reports a change of connectivity.  Err is the reason of
// a disconnect, if known.
type ConnectionEvent struct {
	Connected bool
	Err       error
}

// Transport is a reconnecting connection to a superlogin server.
type Transport interface {
	Caller

	// Events returns the connectivity stream.  It must be drained, and is
	// closed when the transport is closed.
	Events() <-chan ConnectionEvent

	// Reconnect drops the current connection, if any, and dials again.
	Reconnect()

	// Close shuts the transport down.
	Close()
}

// DialFunc opens a connection to the server.
type DialFunc func(ctx context.Context) (net.Conn, error)

// DialNetwork returns a DialFunc connecting to address over network.
func DialNetwork(network, address string) DialFunc {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, network, address)
	}
}

// NetTransport is the Transport over a net.Conn, framing each
// commands.Request and commands.Response with core/wire.
type NetTransport struct {
	worker.Worker

	log    *logging.Logger
	dial   DialFunc
	policy retry.Policy

	sync.Mutex
	conn    net.Conn
	pending map[uint64]chan *commands.Response

	writeLock sync.Mutex
	nextID    atomic.Uint64

	eventCh chan ConnectionEvent
}

// NewNetTransport starts a transport dialing with dial.  The WithLogBackend
// and WithRetryPolicy options apply.
func NewNetTransport(dial DialFunc, opts ...Option) *NetTransport {
	cfg := newConfig(opts)
	t := &NetTransport{
		log:     cfg.logBackend.GetLogger("client/transport"),
		dial:    dial,
		policy:  cfg.retry,
		pending: make(map[uint64]chan *commands.Response),
		eventCh: make(chan ConnectionEvent, 8),
	}
	t.Go(t.connectWorker)
	return t
}

// Events implements Transport.
func (t *NetTransport) Events() <-chan ConnectionEvent {
	return t.eventCh
}

// Reconnect implements Transport.
func (t *NetTransport) Reconnect() {
	t.Lock()
	conn := t.conn
	t.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close implements Transport.
func (t *NetTransport) Close() {
	t.Halt()
}

func (t *NetTransport) emit(ev ConnectionEvent) {
	select {
	case t.eventCh <- ev:
	case <-t.HaltCh():
	}
}

func (t *NetTransport) connectWorker() {
	defer func() {
		t.log.Debugf("Terminating connect worker.")
		close(t.eventCh)
	}()

	for attempt := 0; ; {
		select {
		case <-t.HaltCh():
			return
		default:
		}

		conn, err := t.dial(t.Context())
		if err != nil {
			t.log.Debugf("Failed to connect: %v", err)
			if t.policy.Wait(t.Context(), attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		err = t.onNetConn(conn)
		if t.IsHalted() {
			return
		}
		t.log.Debugf("Connection terminated, will reconnect: %v", err)
		t.emit(ConnectionEvent{Err: err})
	}
}

func (t *NetTransport) onNetConn(conn net.Conn) error {
	doneCh := make(chan interface{})
	defer func() {
		close(doneCh)
		t.dropConn(conn)
	}()
	t.Go(func() {
		select {
		case <-t.HaltCh():
			conn.Close()
		case <-doneCh:
		}
	})

	t.Lock()
	t.conn = conn
	t.Unlock()
	t.log.Debugf("Connected to %v.", conn.RemoteAddr())
	t.emit(ConnectionEvent{Connected: true})

	for {
		resp := new(commands.Response)
		if err := wire.ReadFrame(conn, resp); err != nil {
			return err
		}
		t.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.Unlock()
		if !ok {
			t.log.Warningf("Discarding response to unknown request %d.", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (t *NetTransport) dropConn(conn net.Conn) {
	conn.Close()

	t.Lock()
	defer t.Unlock()
	t.conn = nil
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// Call implements Caller.  Requests may be issued concurrently, responses
// are matched to requests by ID.
func (t *NetTransport) Call(ctx context.Context, cmd commands.Command, args, result interface{}) error {
	id := t.nextID.Add(1)
	req, err := commands.NewRequest(id, cmd, args)
	if err != nil {
		return err
	}

	ch := make(chan *commands.Response, 1)
	t.Lock()
	conn := t.conn
	if conn == nil {
		t.Unlock()
		return ErrNotConnected
	}
	t.pending[id] = ch
	t.Unlock()
	defer func() {
		t.Lock()
		delete(t.pending, id)
		t.Unlock()
	}()

	t.writeLock.Lock()
	err = wire.WriteFrame(conn, req)
	t.writeLock.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return resp.Decode(result)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.HaltCh():
		return ErrShutdown
	}
}
