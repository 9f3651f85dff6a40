// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/aco"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/retry"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/restorekey"
	"github.com/katzenpost/superlogin/server"
	serverconfig "github.com/katzenpost/superlogin/server/config"
)

type testData struct {
	Foo string
}

var fastRetry = retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

func newTestServer(t *testing.T) *server.Server {
	cfg := &serverconfig.Config{
		Server: &serverconfig.Server{
			Address: "127.0.0.1:0",
			DataDir: t.TempDir(),
		},
		UserDB:     &serverconfig.UserDB{Backend: "memory"},
		Derivation: &serverconfig.Derivation{Rounds: 10},
	}
	require.NoError(t, cfg.FixupAndValidate())
	s, err := server.New(cfg, server.WithLogBackend(log.NewDiscard()))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func newTestClient(t *testing.T, s *server.Server, saved *ClientState[testData], opts ...Option) *Client[testData] {
	opts = append([]Option{
		WithDerivation(derivation.PBKDF2SHA3_256, 10),
		WithRetryPolicy(fastRetry),
	}, opts...)
	tr := NewNetTransport(DialNetwork("tcp", s.Addr().String()), WithRetryPolicy(fastRetry))
	c := New[testData](tr, aco.CBORCodec[testData]{}, saved, opts...)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegisterAndLogin(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)
	c := newTestClient(t, s, nil)

	res, err := c.Register(ctx, "alice", "pw1", testData{Foo: "bar"})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status, "%v", res.Err)
	require.True(restorekey.CheckIntegrity(res.Secret))
	require.True(c.IsLoggedIn())
	require.Equal(testData{Foo: "bar"}, c.ApplicationData())
	dataKey, ok := c.DataKey()
	require.True(ok)
	require.Equal(res.DataKey, dataKey)

	_, err = c.Register(ctx, "bob", "pw1", testData{})
	require.ErrorIs(err, ErrIllegalState)
	_, err = c.LoginByPassword(ctx, "alice", "pw1")
	require.ErrorIs(err, ErrIllegalState)

	require.NoError(c.Logout(ctx))
	require.False(c.IsLoggedIn())
	require.ErrorIs(c.Logout(ctx), ErrIllegalState)

	st, err := c.LoginByPassword(ctx, "alice", "pw1")
	require.NoError(err)
	require.NotNil(st)
	require.Equal("alice", st.LoginName)
	require.Equal(testData{Foo: "bar"}, st.Data)
	require.Equal(res.DataKey, st.DataKey)
	require.NoError(c.Logout(ctx))

	st, err = c.LoginByPassword(ctx, "alice", "wrong")
	require.NoError(err)
	require.Nil(st)
	require.False(c.IsLoggedIn())

	st, err = c.LoginByPassword(ctx, "nobody", "pw1")
	require.NoError(err)
	require.Nil(st)

	// Registering a taken name fails without logging in.
	c2 := newTestClient(t, s, nil)
	res, err = c2.Register(ctx, "alice", "other", testData{})
	require.NoError(err)
	require.Equal(InvalidLogin, res.Status)
	require.False(c2.IsLoggedIn())
}

func TestLoginByToken(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)
	c := newTestClient(t, s, nil)

	res, err := c.Register(ctx, "carol", "pw", testData{Foo: "baz"})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	// Tokens survive a logout.
	require.NoError(c.Logout(ctx))
	st, err := c.LoginByToken(ctx, res.LoginToken, res.DataKey)
	require.NoError(err)
	require.NotNil(st)
	require.Equal("carol", st.LoginName)
	require.Equal(testData{Foo: "baz"}, st.Data)

	require.NoError(c.Logout(ctx))
	st, err = c.LoginByToken(ctx, []byte("bogus"), res.DataKey)
	require.NoError(err)
	require.Nil(st)
	require.False(c.IsLoggedIn())
}

func TestLogoutWhileDisconnected(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)
	c := newTestClient(t, s, nil)

	res, err := c.Register(ctx, "erin", "pw", testData{})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	s.Shutdown()
	start := time.Now()
	require.NoError(c.Logout(ctx))
	require.Less(time.Since(start), 5*time.Second)
	require.False(c.IsLoggedIn())
}

func TestChangeAndResetPassword(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)
	c := newTestClient(t, s, nil)

	res, err := c.Register(ctx, "dave", "pw1", testData{Foo: "bar"})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	ok, err := c.ChangePassword(ctx, "wrong", "pw2")
	require.NoError(err)
	require.False(ok)

	ok, err = c.ChangePassword(ctx, "pw1", "pw2")
	require.NoError(err)
	require.True(ok)
	require.True(c.IsLoggedIn())
	require.NotEqual(res.LoginToken, c.State().State.LoginToken)
	require.NoError(c.Logout(ctx))

	st, err := c.LoginByPassword(ctx, "dave", "pw1")
	require.NoError(err)
	require.Nil(st)

	st, err = c.LoginByPassword(ctx, "dave", "pw2")
	require.NoError(err)
	require.NotNil(st)
	require.Equal(testData{Foo: "bar"}, st.Data)
	require.Equal(res.DataKey, st.DataKey)
	require.NoError(c.Logout(ctx))

	// The restore secret still works after the change.
	st, err = c.ResetPasswordAndLogin(ctx, res.Secret, "pw3")
	require.NoError(err)
	require.NotNil(st)
	require.Equal("dave", st.LoginName)
	require.Equal(res.DataKey, st.DataKey)
	require.NoError(c.Logout(ctx))

	st, err = c.LoginByPassword(ctx, "dave", "pw3")
	require.NoError(err)
	require.NotNil(st)
	require.NoError(c.Logout(ctx))

	t.Run("InvalidSecret", func(t *testing.T) {
		st, err := c.ResetPasswordAndLogin(ctx, "3PBpp-Aris5-ogdV7-Abz36-ggGH5", "pw4")
		require.NoError(err)
		require.Nil(st)

		rk, err := restorekey.Generate(nil)
		require.NoError(err)
		st, err = c.ResetPasswordAndLogin(ctx, rk.Secret, "pw4")
		require.NoError(err)
		require.Nil(st)
		require.False(c.IsLoggedIn())
	})
}

func TestRegistrationReusesDerivation(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)

	first := newTestClient(t, s, nil)
	res, err := first.Register(ctx, "erin", "pw", testData{})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	var derivations atomic.Int32
	c := newTestClient(t, s, nil, WithDeriver(countingDeriver(&derivations)))
	res, err = c.Register(ctx, "erin", "secret", testData{})
	require.NoError(err)
	require.Equal(InvalidLogin, res.Status)
	res, err = c.Register(ctx, "frank", "secret", testData{})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)
	require.Equal(int32(1), derivations.Load())
}

func TestReconnectRestoresLogin(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)
	c := newTestClient(t, s, nil)

	res, err := c.Register(ctx, "grace", "pw", testData{Foo: "qux"})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	ch, cancel := c.Subscribe()
	defer cancel()
	before := <-ch

	c.Reconnect()

	// The re-login publishes a fresh snapshot.
	for {
		select {
		case st := <-ch:
			if st.State == before.State {
				continue
			}
			require.True(st.IsLoggedIn())
			require.Equal("grace", st.State.LoginName)
			require.Equal(testData{Foo: "qux"}, st.State.Data)
		case <-ctx.Done():
			t.Fatal("login was not restored")
		}
		break
	}

	// The new server session is logged in.
	err = c.Call(ctx, commands.LoginByToken, &commands.LoginByTokenArgs{Token: res.LoginToken}, nil)
	require.ErrorIs(err, commands.ErrRemoteIllegalState)
}

func TestSavedState(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)

	first := newTestClient(t, s, nil)
	res, err := first.Register(ctx, "heidi", "pw", testData{Foo: "saved"})
	require.NoError(err)
	require.Equal(RegistrationSuccess, res.Status)

	t.Run("Resume", func(t *testing.T) {
		saved := &ClientState[testData]{LoginName: "heidi", LoginToken: res.LoginToken, DataKey: res.DataKey}
		c := newTestClient(t, s, saved)
		require.True(c.IsLoggedIn())

		st, err := c.WaitFor(ctx, func(st LoginState[testData]) bool {
			return st.IsLoggedIn() && st.State.Data.Foo == "saved"
		})
		require.NoError(err)
		require.Equal(res.DataKey, st.State.DataKey)
		err = c.Call(ctx, commands.LoginByToken, &commands.LoginByTokenArgs{Token: res.LoginToken}, nil)
		require.ErrorIs(err, commands.ErrRemoteIllegalState)
	})

	t.Run("ForcedLogout", func(t *testing.T) {
		saved := &ClientState[testData]{LoginName: "heidi", LoginToken: []byte("revoked"), DataKey: res.DataKey}
		c := newTestClient(t, s, saved)

		_, err := c.WaitFor(ctx, func(st LoginState[testData]) bool {
			return !st.IsLoggedIn()
		})
		require.NoError(err)

		// The gate opens once the login is settled.
		var nonce commands.NonceResult
		require.NoError(c.Call(ctx, commands.GetNonce, nil, &nonce))
		require.NotEmpty(nonce.Nonce)
	})
}

func TestNetTransport(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)
	s := newTestServer(t)

	tr := NewNetTransport(DialNetwork("tcp", s.Addr().String()), WithRetryPolicy(fastRetry))
	defer tr.Close()

	ev := <-tr.Events()
	require.True(ev.Connected)

	var n1, n2 commands.NonceResult
	require.NoError(tr.Call(ctx, commands.GetNonce, nil, &n1))

	tr.Reconnect()
	ev = <-tr.Events()
	require.False(ev.Connected)
	ev = <-tr.Events()
	require.True(ev.Connected)

	// A new connection is a new session, with a new nonce.
	require.NoError(tr.Call(ctx, commands.GetNonce, nil, &n2))
	require.NotEqual(n1.Nonce, n2.Nonce)

	down := NewNetTransport(DialNetwork("tcp", "127.0.0.1:1"), WithRetryPolicy(fastRetry))
	defer down.Close()
	require.ErrorIs(down.Call(ctx, commands.GetNonce, nil, &n1), ErrNotConnected)
}
