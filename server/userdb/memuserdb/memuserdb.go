// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package memuserdb implements the superlogin server user database in
// memory.  It is meant for tests and ephemeral servers.
package memuserdb

import (
	"sync"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/userdb"
)

type memUserDB struct {
	sync.RWMutex

	byLogin     map[string]*userdb.User
	byLoginID   map[string]*userdb.User
	byRestoreID map[string]*userdb.User
	byToken     map[string]*userdb.User
}

// New returns an empty in-memory user database.
func New() userdb.UserDB {
	return &memUserDB{
		byLogin:     make(map[string]*userdb.User),
		byLoginID:   make(map[string]*userdb.User),
		byRestoreID: make(map[string]*userdb.User),
		byToken:     make(map[string]*userdb.User),
	}
}

func (d *memUserDB) Register(args *commands.RegistrationArgs) (*commands.AuthenticationResult, error) {
	u, err := userdb.NewUser(args)
	if err != nil {
		return nil, err
	}

	d.Lock()
	defer d.Unlock()

	switch {
	case d.byLogin[u.LoginName] != nil:
		return commands.NewFailure(commands.LoginUnavailable), nil
	case d.byLoginID[string(u.LoginID)] != nil:
		return commands.NewFailure(commands.LoginIDUnavailable), nil
	case d.byRestoreID[string(u.RestoreID)] != nil:
		return commands.NewFailure(commands.RestoreIDUnavailable), nil
	}
	d.byLogin[u.LoginName] = u
	d.byLoginID[string(u.LoginID)] = u
	d.byRestoreID[string(u.RestoreID)] = u
	d.byToken[string(u.LoginToken)] = u
	return u.Success(), nil
}

func (d *memUserDB) LoginByToken(token []byte) (*commands.AuthenticationResult, error) {
	d.RLock()
	defer d.RUnlock()

	if u := d.byToken[string(token)]; u != nil {
		return u.Success(), nil
	}
	return commands.NewFailure(commands.LoginUnavailable), nil
}

func (d *memUserDB) DerivationParams(loginName string) (*derivation.Params, error) {
	d.RLock()
	defer d.RUnlock()

	u := d.byLogin[loginName]
	if u == nil {
		return nil, userdb.ErrNoSuchUser
	}
	return u.DerivationParams, nil
}

func (d *memUserDB) ACOByLoginName(loginName string, loginID []byte) ([]byte, error) {
	d.RLock()
	defer d.RUnlock()

	u := d.byLogin[loginName]
	if u == nil || !u.LoginIDMatches(loginID) {
		return nil, userdb.ErrNoSuchUser
	}
	return u.PackedACO, nil
}

func (d *memUserDB) ACOByRestoreID(restoreID []byte) ([]byte, error) {
	d.RLock()
	defer d.RUnlock()

	u := d.byRestoreID[string(restoreID)]
	if u == nil {
		return nil, userdb.ErrNoSuchUser
	}
	return u.PackedACO, nil
}

func (d *memUserDB) LoginByKey(loginName string, k *signing.PublicKey) (*commands.AuthenticationResult, error) {
	d.RLock()
	defer d.RUnlock()

	u := d.byLogin[loginName]
	if u == nil || !u.KeyMatches(k) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	return u.Success(), nil
}

func (d *memUserDB) UpdateAccessControlData(loginName string, upd *userdb.Update) (*commands.AuthenticationResult, error) {
	if err := userdb.ValidateUpdate(upd); err != nil {
		return nil, err
	}

	d.Lock()
	defer d.Unlock()

	u := d.byLogin[loginName]
	if u == nil {
		return nil, userdb.ErrNoSuchUser
	}
	if !u.KeyMatches(upd.SignerPublicKey) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	if other := d.byLoginID[string(upd.LoginID)]; other != nil && other != u {
		return commands.NewFailure(commands.LoginIDUnavailable), nil
	}

	nu := *u
	oldToken := u.LoginToken
	oldLoginID, err := nu.Apply(upd)
	if err != nil {
		return nil, err
	}
	delete(d.byLoginID, string(oldLoginID))
	delete(d.byToken, string(oldToken))
	d.byLogin[nu.LoginName] = &nu
	d.byLoginID[string(nu.LoginID)] = &nu
	d.byRestoreID[string(nu.RestoreID)] = &nu
	d.byToken[string(nu.LoginToken)] = &nu
	return nu.Success(), nil
}

func (d *memUserDB) Close() {}
