// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package userdbtest is a conformance suite run against every userdb
// implementation.
package userdbtest

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/userdb"
)

// Factory returns a fresh, empty database.
type Factory func(t *testing.T) userdb.UserDB

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Reader.Read(b)
	require.NoError(t, err)
	return b
}

// NewPackedACO returns a container sealed under two random keys, shaped
// like a real access control object.
func NewPackedACO(t *testing.T) []byte {
	k1, err := symmetric.NewKey(nil)
	require.NoError(t, err)
	k2, err := symmetric.NewKey(nil)
	require.NoError(t, err)
	packed, err := symmetric.SealContainer(randomBytes(t, 64), k1, k2)
	require.NoError(t, err)
	return packed
}

// NewRegistration returns a complete registration record with random
// identifiers, and the login key it carries.
func NewRegistration(t *testing.T, loginName string) (*commands.RegistrationArgs, *signing.PrivateKey) {
	key, err := signing.Generate(signing.Default)
	require.NoError(t, err)
	params, err := derivation.NewParams(10)
	require.NoError(t, err)
	return &commands.RegistrationArgs{
		LoginName:        loginName,
		LoginID:          randomBytes(t, 32),
		LoginPublicKey:   key.PublicKey(),
		DerivationParams: params,
		RestoreID:        randomBytes(t, 32),
		PackedACO:        NewPackedACO(t),
		ExtraData:        []byte("app data of " + loginName),
	}, key
}

// Run runs the suite.
func Run(t *testing.T, newDB Factory) {
	t.Run("Register", func(t *testing.T) { testRegister(t, newDB(t)) })
	t.Run("Lookups", func(t *testing.T) { testLookups(t, newDB(t)) })
	t.Run("LoginByKey", func(t *testing.T) { testLoginByKey(t, newDB(t)) })
	t.Run("UpdateAccessControlData", func(t *testing.T) { testUpdate(t, newDB(t)) })
	t.Run("Invalid", func(t *testing.T) { testInvalid(t, newDB(t)) })
}

func testRegister(t *testing.T, d userdb.UserDB) {
	require := require.New(t)
	defer d.Close()

	args, _ := NewRegistration(t, "alice")
	res, err := d.Register(args)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
	require.Equal("alice", res.LoginName)
	require.Len(res.LoginToken, userdb.TokenSize)
	require.Equal(args.ExtraData, res.ApplicationData)

	// The login name is checked first, even if everything else collides.
	res, err = d.Register(args)
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)
	require.Empty(res.LoginToken)

	dupID, _ := NewRegistration(t, "bob")
	dupID.LoginID = args.LoginID
	dupID.RestoreID = args.RestoreID
	res, err = d.Register(dupID)
	require.NoError(err)
	require.Equal(commands.LoginIDUnavailable, res.Status)

	dupRestore, _ := NewRegistration(t, "bob")
	dupRestore.RestoreID = args.RestoreID
	res, err = d.Register(dupRestore)
	require.NoError(err)
	require.Equal(commands.RestoreIDUnavailable, res.Status)

	// Failed attempts leave no trace.
	_, err = d.DerivationParams("bob")
	require.ErrorIs(err, userdb.ErrNoSuchUser)

	bob, _ := NewRegistration(t, "bob")
	res, err = d.Register(bob)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
}

func testLookups(t *testing.T, d userdb.UserDB) {
	require := require.New(t)
	defer d.Close()

	args, _ := NewRegistration(t, "alice")
	reg, err := d.Register(args)
	require.NoError(err)

	res, err := d.LoginByToken(reg.LoginToken)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
	require.Equal("alice", res.LoginName)
	require.Equal(args.ExtraData, res.ApplicationData)

	res, err = d.LoginByToken(randomBytes(t, userdb.TokenSize))
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)

	params, err := d.DerivationParams("alice")
	require.NoError(err)
	require.True(params.Equal(args.DerivationParams))
	_, err = d.DerivationParams("nobody")
	require.ErrorIs(err, userdb.ErrNoSuchUser)

	packed, err := d.ACOByLoginName("alice", args.LoginID)
	require.NoError(err)
	require.Equal(args.PackedACO, packed)
	_, err = d.ACOByLoginName("alice", randomBytes(t, 32))
	require.ErrorIs(err, userdb.ErrNoSuchUser)
	_, err = d.ACOByLoginName("nobody", args.LoginID)
	require.ErrorIs(err, userdb.ErrNoSuchUser)

	packed, err = d.ACOByRestoreID(args.RestoreID)
	require.NoError(err)
	require.Equal(args.PackedACO, packed)
	_, err = d.ACOByRestoreID(randomBytes(t, 32))
	require.ErrorIs(err, userdb.ErrNoSuchUser)
}

func testLoginByKey(t *testing.T, d userdb.UserDB) {
	require := require.New(t)
	defer d.Close()

	args, key := NewRegistration(t, "alice")
	_, err := d.Register(args)
	require.NoError(err)

	res, err := d.LoginByKey("alice", key.PublicKey())
	require.NoError(err)
	require.Equal(commands.Success, res.Status)

	other, err := signing.Generate(signing.Default)
	require.NoError(err)
	res, err = d.LoginByKey("alice", other.PublicKey())
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)

	res, err = d.LoginByKey("nobody", key.PublicKey())
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)
}

func testUpdate(t *testing.T, d userdb.UserDB) {
	require := require.New(t)
	defer d.Close()

	args, _ := NewRegistration(t, "alice")
	reg, err := d.Register(args)
	require.NoError(err)

	newKey, err := signing.Generate(signing.Default)
	require.NoError(err)
	newParams, err := args.DerivationParams.WithNewSalt()
	require.NoError(err)
	upd := &userdb.Update{
		PackedACO:        randomBytes(t, 130),
		DerivationParams: newParams,
		LoginPublicKey:   newKey.PublicKey(),
		LoginID:          randomBytes(t, 32),
		SignerPublicKey:  newKey.PublicKey(),
	}

	// Only the stored login key may sign the change.
	res, err := d.UpdateAccessControlData("alice", upd)
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)

	upd.SignerPublicKey = args.LoginPublicKey
	res, err = d.UpdateAccessControlData("alice", upd)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
	require.NotEqual(reg.LoginToken, res.LoginToken)
	require.Equal(args.ExtraData, res.ApplicationData)

	// The old token, login id and key are gone.
	old, err := d.LoginByToken(reg.LoginToken)
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, old.Status)
	_, err = d.ACOByLoginName("alice", args.LoginID)
	require.ErrorIs(err, userdb.ErrNoSuchUser)
	old, err = d.LoginByKey("alice", args.LoginPublicKey)
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, old.Status)

	cur, err := d.LoginByToken(res.LoginToken)
	require.NoError(err)
	require.Equal(commands.Success, cur.Status)
	packed, err := d.ACOByLoginName("alice", upd.LoginID)
	require.NoError(err)
	require.Equal(upd.PackedACO, packed)
	packed, err = d.ACOByRestoreID(args.RestoreID)
	require.NoError(err)
	require.Equal(upd.PackedACO, packed)
	params, err := d.DerivationParams("alice")
	require.NoError(err)
	require.True(params.Equal(newParams))
	cur, err = d.LoginByKey("alice", newKey.PublicKey())
	require.NoError(err)
	require.Equal(commands.Success, cur.Status)

	// A second change signed by the replaced key is refused.
	stale := *upd
	stale.LoginID = randomBytes(t, 32)
	res, err = d.UpdateAccessControlData("alice", &stale)
	require.NoError(err)
	require.Equal(commands.LoginUnavailable, res.Status)
	packed, err = d.ACOByLoginName("alice", upd.LoginID)
	require.NoError(err)
	require.Equal(upd.PackedACO, packed)

	// A freed login id can be registered again.
	again, _ := NewRegistration(t, "bob")
	again.LoginID = args.LoginID
	res, err = d.Register(again)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)

	// Taking another user's login id is refused.
	upd.SignerPublicKey = newKey.PublicKey()
	upd.LoginID = again.LoginID
	res, err = d.UpdateAccessControlData("alice", upd)
	require.NoError(err)
	require.Equal(commands.LoginIDUnavailable, res.Status)

	_, err = d.UpdateAccessControlData("nobody", upd)
	require.ErrorIs(err, userdb.ErrNoSuchUser)
}

func testInvalid(t *testing.T, d userdb.UserDB) {
	require := require.New(t)
	defer d.Close()

	args, _ := NewRegistration(t, "")
	_, err := d.Register(args)
	require.ErrorIs(err, userdb.ErrInvalidUser)

	args, _ = NewRegistration(t, "carol")
	args.LoginPublicKey = nil
	_, err = d.Register(args)
	require.ErrorIs(err, userdb.ErrInvalidUser)

	_, err = d.UpdateAccessControlData("carol", &userdb.Update{})
	require.ErrorIs(err, userdb.ErrInvalidUser)
}
