// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
)

// ClientState is what a host application persists to resume a login
// without asking for the password again.  Values are never modified once
// published.
type ClientState[D any] struct {
	LoginName  string
	LoginToken []byte `cbor:",omitempty"`
	Data       D
	DataKey    symmetric.Key
}

// LoginState is either logged out (State is nil) or logged in.
type LoginState[D any] struct {
	State *ClientState[D]
}

// IsLoggedIn returns true in the logged in state.
func (s LoginState[D]) IsLoggedIn() bool {
	return s.State != nil
}

func (c *Client[D]) setState(st *ClientState[D]) {
	c.Lock()
	defer c.Unlock()
	c.setStateLocked(st)
}

func (c *Client[D]) setStateLocked(st *ClientState[D]) {
	if st == nil && c.state.State == nil {
		return
	}
	c.state = LoginState[D]{State: st}
	if st == nil {
		c.log.Debugf("Logged out.")
	} else {
		c.log.Debugf("Logged in as '%v'.", st.LoginName)
	}
	for _, ch := range c.subscribers {
		publish(ch, c.state)
	}
}

// publish replaces any snapshot the subscriber has not read yet.
func publish[D any](ch chan LoginState[D], st LoginState[D]) {
	select {
	case <-ch:
	default:
	}
	ch <- st
}

// State returns the current login state.
func (c *Client[D]) State() LoginState[D] {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// IsLoggedIn returns true if the client is logged in.
func (c *Client[D]) IsLoggedIn() bool {
	return c.State().IsLoggedIn()
}

// ApplicationData returns the application data of the logged in user, or
// the zero value when logged out.
func (c *Client[D]) ApplicationData() D {
	var d D
	if st := c.State().State; st != nil {
		d = st.Data
	}
	return d
}

// DataKey returns the data storage key of the logged in user.
func (c *Client[D]) DataKey() (symmetric.Key, bool) {
	if st := c.State().State; st != nil {
		return st.DataKey, true
	}
	return symmetric.Key{}, false
}

// Subscribe returns a stream of login states, starting with the current
// one.  Slow readers only see the latest state.  cancel must be called to
// release the subscription.
func (c *Client[D]) Subscribe() (<-chan LoginState[D], func()) {
	c.Lock()
	defer c.Unlock()

	id := c.nextSubscriber
	c.nextSubscriber++
	ch := make(chan LoginState[D], 1)
	ch <- c.state
	c.subscribers[id] = ch

	return ch, func() {
		c.Lock()
		defer c.Unlock()
		delete(c.subscribers, id)
	}
}

// WaitFor blocks until the login state satisfies predicate, and returns
// that state.
func (c *Client[D]) WaitFor(ctx context.Context, predicate func(LoginState[D]) bool) (LoginState[D], error) {
	ch, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case st := <-ch:
			if predicate(st) {
				return st, nil
			}
		case <-ctx.Done():
			return LoginState[D]{}, ctx.Err()
		}
	}
}
