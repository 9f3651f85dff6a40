// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/wire"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/config"
	"github.com/katzenpost/superlogin/server/userdb/userdbtest"
)

const testDecoyRounds = 77

func newTestServer(t *testing.T) *Server {
	cfg := &config.Config{
		Server: &config.Server{
			Address: "127.0.0.1:0",
			DataDir: t.TempDir(),
		},
		UserDB:     &config.UserDB{Backend: "memory"},
		Derivation: &config.Derivation{Rounds: testDecoyRounds},
	}
	require.NoError(t, cfg.FixupAndValidate())

	s, err := New(cfg, WithLogBackend(log.NewDiscard()))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

type testConn struct {
	t      *testing.T
	conn   net.Conn
	nextID uint64
}

func dial(t *testing.T, s *Server) *testConn {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) call(cmd commands.Command, args, result interface{}) error {
	c.nextID++
	req, err := commands.NewRequest(c.nextID, cmd, args)
	require.NoError(c.t, err)
	require.NoError(c.t, wire.WriteFrame(c.conn, req))

	var resp commands.Response
	require.NoError(c.t, wire.ReadFrame(c.conn, &resp))
	require.Equal(c.t, c.nextID, resp.ID)
	return resp.Decode(result)
}

func (c *testConn) nonce() []byte {
	var res commands.NonceResult
	require.NoError(c.t, c.call(commands.GetNonce, nil, &res))
	require.Len(c.t, res.Nonce, 32)
	return res.Nonce
}

func (c *testConn) register(args *commands.RegistrationArgs, key *signing.PrivateKey) *commands.AuthenticationResult {
	record, err := wire.SignRecord(key, args, c.nonce())
	require.NoError(c.t, err)
	var res commands.AuthenticationResult
	require.NoError(c.t, c.call(commands.Register, &commands.SignedArgs{Record: record}, &res))
	return &res
}

func (c *testConn) loginByKey(loginName string, key *signing.PrivateKey, nonce []byte) *commands.AuthenticationResult {
	record, err := wire.SignRecord(key, &commands.LoginPayload{LoginName: loginName}, nonce)
	require.NoError(c.t, err)
	var res commands.AuthenticationResult
	require.NoError(c.t, c.call(commands.LoginByKey, &commands.SignedArgs{Record: record}, &res))
	return &res
}

func TestRegisterAndLogin(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	c := dial(t, s)
	nonce := c.nonce()
	require.Equal(nonce, c.nonce(), "GetNonce must not consume the nonce")

	args, key := userdbtest.NewRegistration(t, "alice")
	res := c.register(args, key)
	require.Equal(commands.Success, res.Status)
	require.Equal("alice", res.LoginName)
	require.Equal(args.ExtraData, res.ApplicationData)
	require.NotEmpty(res.LoginToken)
	require.NotEqual(nonce, c.nonce(), "a successful signed command rotates the nonce")

	t.Run("RequiresLoggedOut", func(t *testing.T) {
		err := c.call(commands.LoginByToken, &commands.LoginByTokenArgs{Token: res.LoginToken}, nil)
		require.ErrorIs(err, commands.ErrRemoteIllegalState)
	})

	t.Run("LoginByToken", func(t *testing.T) {
		require.NoError(c.call(commands.Logout, nil, nil))
		var tres commands.AuthenticationResult
		require.NoError(c.call(commands.LoginByToken, &commands.LoginByTokenArgs{Token: res.LoginToken}, &tres))
		require.Equal(commands.Success, tres.Status)
		require.Equal("alice", tres.LoginName)

		c2 := dial(t, s)
		require.NoError(c2.call(commands.LoginByToken, &commands.LoginByTokenArgs{Token: []byte("bogus")}, &tres))
		require.Equal(commands.LoginUnavailable, tres.Status)
	})

	t.Run("LoginByKey", func(t *testing.T) {
		c2 := dial(t, s)
		var params commands.DerivationParamsResult
		require.NoError(c2.call(commands.RequestDerivationParams, &commands.LoginNameArgs{LoginName: "alice"}, &params))
		require.True(args.DerivationParams.Equal(params.Params))

		var aco commands.RequestACOResult
		require.NoError(c2.call(commands.RequestACOByLoginName, &commands.RequestACOByLoginNameArgs{LoginName: "alice", LoginID: args.LoginID}, &aco))
		require.Equal(args.PackedACO, aco.PackedACO)
		require.Equal(c2.nonce(), aco.Nonce)

		other, err := signing.Generate(signing.Default)
		require.NoError(err)
		require.Equal(commands.LoginUnavailable, c2.loginByKey("alice", other, aco.Nonce).Status)
		require.Equal(commands.Success, c2.loginByKey("alice", key, aco.Nonce).Status)
	})

	t.Run("Duplicate", func(t *testing.T) {
		c2 := dial(t, s)
		dup, dupKey := userdbtest.NewRegistration(t, "alice")
		require.Equal(commands.LoginUnavailable, c2.register(dup, dupKey).Status)
	})
}

func TestReplayRejected(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	c := dial(t, s)
	args, key := userdbtest.NewRegistration(t, "bob")
	require.Equal(commands.Success, c.register(args, key).Status)
	require.NoError(c.call(commands.Logout, nil, nil))

	// A record signed over another session's nonce is useless.
	c2 := dial(t, s)
	require.Equal(commands.LoginUnavailable, c2.loginByKey("bob", key, c.nonce()).Status)

	// So is a record over a nonce that was already consumed.
	nonce := c.nonce()
	record, err := wire.SignRecord(key, &commands.LoginPayload{LoginName: "bob"}, nonce)
	require.NoError(err)
	var res commands.AuthenticationResult
	require.NoError(c.call(commands.LoginByKey, &commands.SignedArgs{Record: record}, &res))
	require.Equal(commands.Success, res.Status)
	require.NoError(c.call(commands.Logout, nil, nil))
	require.NoError(c.call(commands.LoginByKey, &commands.SignedArgs{Record: record}, &res))
	require.Equal(commands.LoginUnavailable, res.Status)

	// A registration whose signer differs from the key it registers is
	// refused.
	args2, _ := userdbtest.NewRegistration(t, "carol")
	require.Equal(commands.LoginUnavailable, c2.register(args2, key).Status)
}

func TestDecoys(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	c := dial(t, s)

	var p1, p2 commands.DerivationParamsResult
	require.NoError(c.call(commands.RequestDerivationParams, &commands.LoginNameArgs{LoginName: "mallory"}, &p1))
	require.NoError(c.call(commands.RequestDerivationParams, &commands.LoginNameArgs{LoginName: "mallory"}, &p2))
	require.Equal(testDecoyRounds, p1.Params.Rounds)
	require.Equal(derivation.PBKDF2SHA3_256, p1.Params.Algorithm)
	require.Len(p1.Params.Salt, derivation.SaltSize)
	require.True(p1.Params.Equal(p2.Params), "decoy parameters must be stable")

	var p3 commands.DerivationParamsResult
	require.NoError(c.call(commands.RequestDerivationParams, &commands.LoginNameArgs{LoginName: "trudy"}, &p3))
	require.NotEqual(p1.Params.Salt, p3.Params.Salt)

	var aco commands.RequestACOResult
	require.NoError(c.call(commands.RequestACOByLoginName, &commands.RequestACOByLoginNameArgs{LoginName: "mallory", LoginID: []byte("x")}, &aco))
	require.Len(aco.PackedACO, 300)
	randomKey, err := symmetric.NewKey(nil)
	require.NoError(err)
	_, err = symmetric.OpenContainer(aco.PackedACO, randomKey)
	require.ErrorIs(err, symmetric.ErrNoMatchingKey, "decoys are well formed containers")

	args, key := userdbtest.NewRegistration(t, "dave")
	require.Equal(commands.Success, c.register(args, key).Status)

	// Wrong login id for an existing user also gets a decoy, sized like
	// the real object.
	require.NoError(c.call(commands.RequestACOByLoginName, &commands.RequestACOByLoginNameArgs{LoginName: "dave", LoginID: []byte("x")}, &aco))
	require.Len(aco.PackedACO, len(args.PackedACO))
	require.NotEqual(args.PackedACO, aco.PackedACO)

	var packed commands.PackedACOResult
	require.NoError(c.call(commands.RequestACOBySecretID, &commands.RequestACOBySecretIDArgs{RestoreID: []byte("nope")}, &packed))
	require.Len(packed.PackedACO, len(args.PackedACO))
	require.NotEqual(args.PackedACO, packed.PackedACO)
	_, err = symmetric.OpenContainer(packed.PackedACO, randomKey)
	require.ErrorIs(err, symmetric.ErrNoMatchingKey)
	require.NoError(c.call(commands.RequestACOBySecretID, &commands.RequestACOBySecretIDArgs{RestoreID: args.RestoreID}, &packed))
	require.Equal(args.PackedACO, packed.PackedACO)
}

func TestChangePasswordAndLogin(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	c := dial(t, s)

	args, oldKey := userdbtest.NewRegistration(t, "erin")
	reg := c.register(args, oldKey)
	require.Equal(commands.Success, reg.Status)

	newKey, err := signing.Generate(signing.Default)
	require.NoError(err)
	newParams, err := derivation.NewParams(10)
	require.NoError(err)
	payload := &commands.ChangePasswordPayload{
		PackedACO:        []byte("new packed access control object"),
		DerivationParams: newParams,
		LoginPublicKey:   newKey.PublicKey(),
		LoginID:          []byte("new login id"),
	}

	change := func(c *testConn, signer *signing.PrivateKey) *commands.AuthenticationResult {
		record, err := wire.SignRecord(signer, payload, c.nonce())
		require.NoError(err)
		var res commands.AuthenticationResult
		require.NoError(c.call(commands.ChangePasswordAndLogin, &commands.ChangePasswordArgs{LoginName: "erin", Record: record}, &res))
		return &res
	}

	// Only the current login key can authorize the change.
	c2 := dial(t, s)
	require.Equal(commands.LoginUnavailable, change(c2, newKey).Status)

	res := change(c, oldKey)
	require.Equal(commands.Success, res.Status)
	require.NotEqual(reg.LoginToken, res.LoginToken)

	// A second change signed by the replaced key loses.
	c4 := dial(t, s)
	require.Equal(commands.LoginUnavailable, change(c4, oldKey).Status)

	c3 := dial(t, s)
	require.Equal(commands.LoginUnavailable, c3.loginByKey("erin", oldKey, c3.nonce()).Status)
	require.Equal(commands.Success, c3.loginByKey("erin", newKey, c3.nonce()).Status)

	var aco commands.RequestACOResult
	require.NoError(c3.call(commands.RequestACOByLoginName, &commands.RequestACOByLoginNameArgs{LoginName: "erin", LoginID: payload.LoginID}, &aco))
	require.Equal(payload.PackedACO, aco.PackedACO)

	var packed commands.PackedACOResult
	require.NoError(c3.call(commands.RequestACOBySecretID, &commands.RequestACOBySecretIDArgs{RestoreID: args.RestoreID}, &packed))
	require.Equal(payload.PackedACO, packed.PackedACO)
}

func TestBadRequests(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	c := dial(t, s)

	err := c.call(commands.Command(200), nil, nil)
	require.ErrorIs(err, commands.ErrRemoteUnknownCommand)

	err = c.call(commands.LoginByToken, "not a struct", nil)
	require.ErrorIs(err, commands.ErrRemoteBadRequest)

	// The session survives bad requests.
	c.nonce()
}
