// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/wire"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/server/internal/instrument"
	"github.com/katzenpost/superlogin/server/userdb"
)

var errLoggedIn = &commands.RemoteError{Code: commands.IllegalState, Message: "session is logged in"}

// session is the server side of one client connection.  Requests are
// served in order, so the session state needs no locking.
type session struct {
	s    *Server
	id   uint64
	conn net.Conn
	log  *logging.Logger

	nonce     []byte
	loginName string
}

func newSession(s *Server, id uint64, conn net.Conn) *session {
	return &session{
		s:    s,
		id:   id,
		conn: conn,
		log:  s.logBackend.GetLogger(fmt.Sprintf("session:%d", id)),
	}
}

func (c *session) worker(closeAllCh <-chan interface{}, onClose func()) {
	instrument.SessionOpened()
	doneCh := make(chan interface{})
	defer func() {
		close(doneCh)
		c.conn.Close()
		instrument.SessionClosed()
		c.log.Debugf("Closed.")
		onClose()
	}()
	go func() {
		select {
		case <-closeAllCh:
			c.conn.Close()
		case <-doneCh:
		}
	}()

	if err := c.rotateNonce(); err != nil {
		c.log.Errorf("Failed to generate nonce: %v", err)
		return
	}

	for {
		var req commands.Request
		if err := wire.ReadFrame(c.conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debugf("Failed to read request: %v", err)
			}
			return
		}
		resp := c.handle(&req)
		if err := wire.WriteFrame(c.conn, resp); err != nil {
			c.log.Debugf("Failed to write response: %v", err)
			return
		}
	}
}

func (c *session) rotateNonce() error {
	nonce := make([]byte, c.s.cfg.Debug.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	c.nonce = nonce
	return nil
}

func (c *session) handle(req *commands.Request) *commands.Response {
	instrument.Command(req.Command)
	c.log.Debugf("Received %v (%d).", req.Command, req.ID)

	var (
		result interface{}
		err    error
	)
	switch req.Command {
	case commands.GetNonce:
		result = &commands.NonceResult{Nonce: c.nonce}
	case commands.Register:
		result, err = c.onRegister(req)
	case commands.Logout:
		c.loginName = ""
	case commands.LoginByToken:
		result, err = c.onLoginByToken(req)
	case commands.RequestDerivationParams:
		result, err = c.onRequestDerivationParams(req)
	case commands.RequestACOByLoginName:
		result, err = c.onRequestACOByLoginName(req)
	case commands.LoginByKey:
		result, err = c.onLoginByKey(req)
	case commands.RequestACOBySecretID:
		result, err = c.onRequestACOBySecretID(req)
	case commands.ChangePasswordAndLogin:
		result, err = c.onChangePasswordAndLogin(req)
	default:
		err = &commands.RemoteError{Code: commands.UnknownCommand, Message: req.Command.String()}
	}

	resp := &commands.Response{ID: req.ID}
	if err == nil && result != nil {
		resp.Payload, err = cbor.Marshal(result)
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = c.toRemoteError(req.Command, err)
	}
	return resp
}

func (c *session) toRemoteError(cmd commands.Command, err error) *commands.RemoteError {
	var re *commands.RemoteError
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, userdb.ErrInvalidUser):
		return &commands.RemoteError{Code: commands.BadRequest, Message: err.Error()}
	default:
		c.log.Errorf("%v failed: %v", cmd, err)
		return &commands.RemoteError{Code: commands.Internal, Message: "internal error"}
	}
}

func (c *session) requireLoggedOut() error {
	if c.loginName != "" {
		return errLoggedIn
	}
	return nil
}

// authenticated records the outcome of a command that may log the session
// in.  Success logs the session in and consumes the nonce.
func (c *session) authenticated(cmd commands.Command, res *commands.AuthenticationResult) (*commands.AuthenticationResult, error) {
	instrument.AuthResult(cmd, res.Status)
	if res.Status != commands.Success {
		return res, nil
	}
	c.loginName = res.LoginName
	c.log.Debugf("%v: logged in as '%v'.", cmd, res.LoginName)
	if err := c.rotateNonce(); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *session) openSigned(raw []byte) (*wire.SignedRecord, bool) {
	rec, err := wire.OpenSignedRecord(raw, c.nonce)
	if err != nil {
		instrument.SignedRecordRejected()
		c.log.Debugf("Rejected signed record: %v", err)
		return nil, false
	}
	return rec, true
}

func (c *session) onRegister(req *commands.Request) (interface{}, error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	var a commands.SignedArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	rec, ok := c.openSigned(a.Record)
	if !ok {
		return c.authenticated(req.Command, commands.NewFailure(commands.LoginUnavailable))
	}
	var args commands.RegistrationArgs
	if err := rec.Decode(&args); err != nil {
		return nil, &commands.RemoteError{Code: commands.BadRequest, Message: err.Error()}
	}
	if !rec.PublicKey.Equal(args.LoginPublicKey) {
		return c.authenticated(req.Command, commands.NewFailure(commands.LoginUnavailable))
	}
	name, err := commands.NormalizeLoginName(args.LoginName)
	if err != nil || name != args.LoginName {
		return c.authenticated(req.Command, commands.NewFailure(commands.LoginUnavailable))
	}

	res, err := c.s.userDB.Register(&args)
	if err != nil {
		return nil, err
	}
	if res.Status == commands.Success {
		c.s.decoys.observeACO(args.PackedACO)
	}
	return c.authenticated(req.Command, res)
}

func (c *session) onLoginByToken(req *commands.Request) (interface{}, error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	var a commands.LoginByTokenArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	res, err := c.s.userDB.LoginByToken(a.Token)
	if err != nil {
		return nil, err
	}
	return c.authenticated(req.Command, res)
}

func (c *session) onRequestDerivationParams(req *commands.Request) (interface{}, error) {
	var a commands.LoginNameArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	name, err := commands.NormalizeLoginName(a.LoginName)
	if err == nil {
		p, err := c.s.userDB.DerivationParams(name)
		switch {
		case err == nil:
			return &commands.DerivationParamsResult{Params: p}, nil
		case !errors.Is(err, userdb.ErrNoSuchUser):
			return nil, err
		}
	} else {
		name = a.LoginName
	}

	instrument.DecoyServed("params")
	p, err := c.s.decoys.derivationParams(name)
	if err != nil {
		return nil, err
	}
	return &commands.DerivationParamsResult{Params: p}, nil
}

func (c *session) onRequestACOByLoginName(req *commands.Request) (interface{}, error) {
	var a commands.RequestACOByLoginNameArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	var packed []byte
	name, err := commands.NormalizeLoginName(a.LoginName)
	if err == nil {
		packed, err = c.s.userDB.ACOByLoginName(name, a.LoginID)
		switch {
		case err == nil:
			c.s.decoys.observeACO(packed)
		case !errors.Is(err, userdb.ErrNoSuchUser):
			return nil, err
		}
	}
	if packed == nil {
		instrument.DecoyServed("aco")
		if packed, err = c.s.decoys.aco(); err != nil {
			return nil, err
		}
	}
	return &commands.RequestACOResult{PackedACO: packed, Nonce: c.nonce}, nil
}

func (c *session) onLoginByKey(req *commands.Request) (interface{}, error) {
	if err := c.requireLoggedOut(); err != nil {
		return nil, err
	}
	var a commands.SignedArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	rec, ok := c.openSigned(a.Record)
	if !ok {
		return c.authenticated(req.Command, commands.NewFailure(commands.LoginUnavailable))
	}
	var p commands.LoginPayload
	if err := rec.Decode(&p); err != nil {
		return nil, &commands.RemoteError{Code: commands.BadRequest, Message: err.Error()}
	}
	name, err := commands.NormalizeLoginName(p.LoginName)
	if err != nil {
		return c.authenticated(req.Command, commands.NewFailure(commands.LoginUnavailable))
	}
	res, err := c.s.userDB.LoginByKey(name, rec.PublicKey)
	if err != nil {
		return nil, err
	}
	return c.authenticated(req.Command, res)
}

func (c *session) onRequestACOBySecretID(req *commands.Request) (interface{}, error) {
	var a commands.RequestACOBySecretIDArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	packed, err := c.s.userDB.ACOByRestoreID(a.RestoreID)
	switch {
	case err == nil:
	case errors.Is(err, userdb.ErrNoSuchUser):
		instrument.DecoyServed("restore")
		if packed, err = c.s.decoys.aco(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &commands.PackedACOResult{PackedACO: packed}, nil
}

func (c *session) onChangePasswordAndLogin(req *commands.Request) (interface{}, error) {
	var a commands.ChangePasswordArgs
	if err := req.DecodeArgs(&a); err != nil {
		return nil, err
	}
	fail := commands.NewFailure(commands.LoginUnavailable)
	name, err := commands.NormalizeLoginName(a.LoginName)
	if err != nil {
		return c.authenticated(req.Command, fail)
	}
	if c.loginName != "" && c.loginName != name {
		return nil, errLoggedIn
	}
	rec, ok := c.openSigned(a.Record)
	if !ok {
		return c.authenticated(req.Command, fail)
	}
	var p commands.ChangePasswordPayload
	if err := rec.Decode(&p); err != nil {
		return nil, &commands.RemoteError{Code: commands.BadRequest, Message: err.Error()}
	}

	// The record must be signed with the login key being replaced, the
	// backend checks this in the same transaction as the update.
	res, err := c.s.userDB.UpdateAccessControlData(name, &userdb.Update{
		PackedACO:        p.PackedACO,
		DerivationParams: p.DerivationParams,
		LoginPublicKey:   p.LoginPublicKey,
		LoginID:          p.LoginID,
		SignerPublicKey:  rec.PublicKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, userdb.ErrNoSuchUser):
		return c.authenticated(req.Command, fail)
	default:
		return nil, err
	}
	if res.Status == commands.Success {
		c.s.decoys.observeACO(p.PackedACO)
	}
	return c.authenticated(req.Command, res)
}
