// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the superlogin client: registration, login by
// password, token or restore secret, password changes, and automatic
// re-login after reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/aco"
	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/core/wire"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/core/worker"
	"github.com/katzenpost/superlogin/keygen"
	"github.com/katzenpost/superlogin/restorekey"
)

// ErrIllegalState is the error returned when an operation is not valid in
// the current login state.
var ErrIllegalState = errors.New("client: illegal state")

// Client is a superlogin client.  D is the application data type stored
// with the user; codec encodes it.
type Client[D any] struct {
	worker.Worker
	sync.Mutex

	cfg   *config
	log   *logging.Logger
	t     Transport
	codec aco.Codec[D]

	gen     *keygen.Generator
	ownsGen bool

	state          LoginState[D]
	subscribers    map[uint64]chan LoginState[D]
	nextSubscriber uint64
	registration   *Registration

	gateLock   sync.Mutex
	readyCh    chan struct{}
	supervisor context.CancelFunc
}

// New returns a client over t.  If saved is not nil the client starts
// logged in with it, and logs in by its token as soon as it is connected.
func New[D any](t Transport, codec aco.Codec[D], saved *ClientState[D], opts ...Option) *Client[D] {
	cfg := newConfig(opts)
	c := &Client[D]{
		cfg:         cfg,
		log:         cfg.logBackend.GetLogger("client"),
		t:           t,
		codec:       codec,
		gen:         cfg.keygen,
		state:       LoginState[D]{State: saved},
		subscribers: make(map[uint64]chan LoginState[D]),
		readyCh:     make(chan struct{}),
	}
	if c.gen == nil {
		c.gen = keygen.New(keygen.WithLogBackend(cfg.logBackend))
		c.ownsGen = true
	}
	// Users will most likely register or change passwords, which need a
	// fresh login key.
	c.gen.StartGeneration(cfg.strength)

	c.Go(c.eventWorker)
	return c
}

// Close shuts the client and its transport down.
func (c *Client[D]) Close() {
	c.Halt()
	c.t.Close()
	if c.ownsGen {
		c.gen.Halt()
	}
}

// Reconnect drops and re-establishes the connection.
func (c *Client[D]) Reconnect() {
	c.t.Reconnect()
}

// KeyGenerator returns the key generator, so that the host application
// can feed it entropy.
func (c *Client[D]) KeyGenerator() *keygen.Generator {
	return c.gen
}

func (c *Client[D]) eventWorker() {
	defer c.stopSupervisor()
	for {
		select {
		case <-c.HaltCh():
			return
		case ev, ok := <-c.t.Events():
			if !ok {
				return
			}
			if ev.Connected {
				c.onConnected()
			} else {
				c.log.Debugf("Disconnected: %v", ev.Err)
				c.stopSupervisor()
			}
		}
	}
}

// The readiness gate is only written by eventWorker and the supervisor it
// starts.  Every other outbound call waits for it.

func (c *Client[D]) stopSupervisor() {
	c.gateLock.Lock()
	defer c.gateLock.Unlock()
	if c.supervisor != nil {
		c.supervisor()
		c.supervisor = nil
	}
	select {
	case <-c.readyCh:
		c.readyCh = make(chan struct{})
	default:
	}
}

func (c *Client[D]) openGate(ctx context.Context) {
	c.gateLock.Lock()
	defer c.gateLock.Unlock()
	if ctx.Err() != nil {
		return
	}
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
}

func (c *Client[D]) onConnected() {
	c.stopSupervisor()
	ctx, cancel := context.WithCancel(c.Context())
	c.gateLock.Lock()
	c.supervisor = cancel
	c.gateLock.Unlock()
	c.Go(func() {
		c.restoreLogin(ctx)
	})
}

// restoreLogin logs a fresh connection in by token, retrying until the
// server answers or the local state is cleared, then opens the gate.
func (c *Client[D]) restoreLogin(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		st := c.State().State
		if st == nil || len(st.LoginToken) == 0 {
			break
		}

		var res commands.AuthenticationResult
		err := c.t.Call(ctx, commands.LoginByToken, &commands.LoginByTokenArgs{Token: st.LoginToken}, &res)
		if err == nil {
			c.onTokenLogin(st, &res)
			break
		}
		if errors.Is(err, commands.ErrRemoteIllegalState) {
			// The session is logged in already.
			break
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warningf("Failed to restore login by token, will retry: %v", err)
		if c.cfg.retry.Wait(ctx, attempt) != nil {
			return
		}
	}
	c.openGate(ctx)
}

func (c *Client[D]) onTokenLogin(prev *ClientState[D], res *commands.AuthenticationResult) {
	c.Lock()
	defer c.Unlock()

	// The user may have logged out in the meantime.
	if c.state.State != prev {
		return
	}
	if res.Status != commands.Success {
		c.log.Warningf("Login token rejected (%v), logging out.", res.Status)
		c.setStateLocked(nil)
		return
	}
	st, err := c.newState(res, prev.DataKey)
	if err != nil {
		c.log.Errorf("Failed to decode application data: %v", err)
		st = &ClientState[D]{LoginName: res.LoginName, LoginToken: res.LoginToken, Data: prev.Data, DataKey: prev.DataKey}
	}
	c.setStateLocked(st)
}

func (c *Client[D]) waitReady(ctx context.Context) error {
	c.gateLock.Lock()
	ch := c.readyCh
	c.gateLock.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// Call implements Caller, waiting until the connection is ready and its
// login, if any, restored.
func (c *Client[D]) Call(ctx context.Context, cmd commands.Command, args, result interface{}) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	return c.t.Call(ctx, cmd, args, result)
}

func (c *Client[D]) requireLoggedOut() error {
	if c.IsLoggedIn() {
		return fmt.Errorf("%w: please log out first", ErrIllegalState)
	}
	return nil
}

func (c *Client[D]) requireLoggedIn() (*ClientState[D], error) {
	st := c.State().State
	if st == nil {
		return nil, fmt.Errorf("%w: please log in first", ErrIllegalState)
	}
	return st, nil
}

func (c *Client[D]) decodeData(b []byte) (D, error) {
	var d D
	if len(b) == 0 {
		return d, nil
	}
	return c.codec.Unmarshal(b)
}

func (c *Client[D]) newState(res *commands.AuthenticationResult, dataKey symmetric.Key) (*ClientState[D], error) {
	d, err := c.decodeData(res.ApplicationData)
	if err != nil {
		return nil, err
	}
	return &ClientState[D]{
		LoginName:  res.LoginName,
		LoginToken: res.LoginToken,
		Data:       d,
		DataKey:    dataKey,
	}, nil
}

// loggedIn transitions to the logged in state for a successful result.
func (c *Client[D]) loggedIn(res *commands.AuthenticationResult, dataKey symmetric.Key) (*ClientState[D], error) {
	st, err := c.newState(res, dataKey)
	if err != nil {
		return nil, err
	}
	c.setState(st)
	return st, nil
}

// Register registers a new user with data as the application data, and
// logs in on success.  Calling Register again after InvalidLogin with the
// same password reuses the password derivation.
func (c *Client[D]) Register(ctx context.Context, loginName, password string, data D) (*RegistrationResult, error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	extra, err := c.codec.Marshal(data)
	if err != nil {
		return nil, err
	}

	c.Lock()
	reg := c.registration
	if reg == nil {
		if reg, err = newRegistration(c, c.cfg, c.gen); err != nil {
			c.Unlock()
			return nil, err
		}
		c.registration = reg
	}
	c.Unlock()

	res := reg.RegisterWithData(ctx, loginName, password, extra)
	if res.Status != RegistrationSuccess {
		return res, nil
	}

	// The next user gets a new login key and data key.
	c.Lock()
	if c.registration == reg {
		c.registration = nil
	}
	c.Unlock()

	_, err = c.loggedIn(&commands.AuthenticationResult{
		Status:          commands.Success,
		LoginName:       res.LoginName,
		LoginToken:      res.LoginToken,
		ApplicationData: res.ApplicationData,
	}, res.DataKey)
	return res, err
}

// LoginByToken logs in with a token from a previous login.  dataKey is
// the data storage key saved with it.  A rejected token yields nil.
func (c *Client[D]) LoginByToken(ctx context.Context, token []byte, dataKey symmetric.Key) (*ClientState[D], error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	var res commands.AuthenticationResult
	if err := c.Call(ctx, commands.LoginByToken, &commands.LoginByTokenArgs{Token: token}, &res); err != nil {
		return nil, err
	}
	if res.Status != commands.Success {
		return nil, nil
	}
	return c.loggedIn(&res, dataKey)
}

// fetchACO looks the access control object of loginName up and opens it
// with password.  A wrong password yields a nil object.
func (c *Client[D]) fetchACO(ctx context.Context, loginName, password string) (*aco.ACO[commands.RestoreAccessPayload], []byte, error) {
	var params commands.DerivationParamsResult
	if err := c.Call(ctx, commands.RequestDerivationParams, &commands.LoginNameArgs{LoginName: loginName}, &params); err != nil {
		return nil, nil, err
	}
	keys, err := c.cfg.deriver(password, params.Params)
	if err != nil {
		return nil, nil, err
	}
	var res commands.RequestACOResult
	if err = c.Call(ctx, commands.RequestACOByLoginName, &commands.RequestACOByLoginNameArgs{LoginName: loginName, LoginID: keys.LoginID}, &res); err != nil {
		return nil, nil, err
	}
	a, err := aco.UnpackWithKey(res.PackedACO, keys.LoginAccessKey, payloadCodec)
	if err != nil || a == nil {
		return nil, nil, err
	}
	return a, res.Nonce, nil
}

// LoginByPassword logs in with a login name and password.  Wrong
// credentials yield nil.
func (c *Client[D]) LoginByPassword(ctx context.Context, loginName, password string) (*ClientState[D], error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	loginName, err := commands.NormalizeLoginName(loginName)
	if err != nil {
		return nil, nil
	}
	a, nonce, err := c.fetchACO(ctx, loginName, password)
	if err != nil || a == nil {
		return nil, err
	}

	record, err := wire.SignRecord(a.Payload().LoginPrivateKey, &commands.LoginPayload{LoginName: loginName}, nonce)
	if err != nil {
		return nil, err
	}
	var res commands.AuthenticationResult
	if err = c.Call(ctx, commands.LoginByKey, &commands.SignedArgs{Record: record}, &res); err != nil {
		return nil, err
	}
	if res.Status != commands.Success {
		return nil, nil
	}
	return c.loggedIn(&res, a.Payload().DataStorageKey)
}

// ChangePasswordWithACO replaces the password of the user owning a with
// newPassword, and logs in.  The restore secret and the data storage key
// are kept.  It may be called in any state.
func (c *Client[D]) ChangePasswordWithACO(ctx context.Context, a *aco.ACO[commands.RestoreAccessPayload], newPassword string) (bool, error) {
	var (
		nonce  []byte
		newKey *signing.PrivateKey
	)
	pending := c.gen.GetKeyAsync(c.cfg.strength, true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var res commands.NonceResult
		err := c.Call(gctx, commands.GetNonce, nil, &res)
		nonce = res.Nonce
		return err
	})
	g.Go(func() error {
		var err error
		newKey, err = pending.Await(gctx)
		return err
	})
	params, err := c.cfg.newParams()
	if err != nil {
		g.Wait()
		return false, err
	}
	keys, err := c.cfg.deriver(newPassword, params)
	if werr := g.Wait(); werr != nil {
		return false, werr
	}
	if err != nil {
		return false, err
	}

	old := a.Payload()
	na, err := a.UpdatePasswordKey(keys.LoginAccessKey)
	if err != nil {
		return false, err
	}
	if na, err = na.UpdatePayload(commands.RestoreAccessPayload{
		Login:           old.Login,
		LoginPrivateKey: newKey,
		DataStorageKey:  old.DataStorageKey,
	}); err != nil {
		return false, err
	}

	// Ownership is proven with the key being replaced.
	record, err := wire.SignRecord(old.LoginPrivateKey, &commands.ChangePasswordPayload{
		PackedACO:        na.Packed(),
		DerivationParams: params,
		LoginPublicKey:   newKey.PublicKey(),
		LoginID:          keys.LoginID,
	}, nonce)
	if err != nil {
		return false, err
	}
	var res commands.AuthenticationResult
	if err = c.Call(ctx, commands.ChangePasswordAndLogin, &commands.ChangePasswordArgs{LoginName: old.Login, Record: record}, &res); err != nil {
		return false, err
	}
	if res.Status != commands.Success {
		c.log.Warningf("Change password failed: %v", res.Status)
		return false, nil
	}
	_, err = c.loggedIn(&res, old.DataStorageKey)
	return err == nil, err
}

// ChangePassword replaces the password of the logged in user.  A wrong
// oldPassword yields false.
func (c *Client[D]) ChangePassword(ctx context.Context, oldPassword, newPassword string) (bool, error) {
	st, err := c.requireLoggedIn()
	if err != nil {
		return false, err
	}
	a, _, err := c.fetchACO(ctx, st.LoginName, oldPassword)
	if err != nil || a == nil {
		return false, err
	}
	return c.ChangePasswordWithACO(ctx, a, newPassword)
}

// ResetPasswordAndLogin sets newPassword for the user owning the restore
// secret, and logs in.  An invalid or unknown secret yields nil.
func (c *Client[D]) ResetPasswordAndLogin(ctx context.Context, secret, newPassword string) (*ClientState[D], error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	id, key, err := restorekey.Parse(secret)
	if err != nil {
		if errors.Is(err, restorekey.ErrInvalidSecret) {
			return nil, nil
		}
		return nil, err
	}
	var res commands.PackedACOResult
	if err = c.Call(ctx, commands.RequestACOBySecretID, &commands.RequestACOBySecretIDArgs{RestoreID: id}, &res); err != nil {
		return nil, err
	}
	a, err := aco.UnpackWithKey(res.PackedACO, key, payloadCodec)
	if err != nil || a == nil {
		return nil, err
	}
	ok, err := c.ChangePasswordWithACO(ctx, a, newPassword)
	if !ok {
		return nil, err
	}
	return c.State().State, nil
}

// Logout logs out locally, then tells the server if connected.  The
// notification bypasses the readiness gate, a disconnected session is
// already logged out on the server.
func (c *Client[D]) Logout(ctx context.Context) error {
	if _, err := c.requireLoggedIn(); err != nil {
		return err
	}
	c.setState(nil)
	if err := c.t.Call(ctx, commands.Logout, nil, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

