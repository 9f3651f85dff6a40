// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package statefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/aco"
	"github.com/katzenpost/superlogin/client"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/retry"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server"
	"github.com/katzenpost/superlogin/server/config"
)

type testData struct {
	Foo string
}

func TestStateWriterRoundTrip(t *testing.T) {
	require := require.New(t)
	stateFile := filepath.Join(t.TempDir(), "state")
	logger := log.NewDiscard().GetLogger("statefile")

	w, err := New[testData](logger, stateFile, []byte("passphrase"))
	require.NoError(err)
	w.Start()

	st := &client.ClientState[testData]{
		LoginName:  "alice",
		LoginToken: []byte("token"),
		Data:       testData{Foo: "bar"},
	}
	st.DataKey[0] = 7
	require.NoError(w.Write(st))
	require.NoError(w.Write(st))
	w.Halt()

	_, err = os.Stat(stateFile + "~")
	require.NoError(err)

	w2, loaded, err := Load[testData](logger, stateFile, []byte("passphrase"))
	require.NoError(err)
	require.Equal(st, loaded)

	// Rewriting with the loaded writer keeps the passphrase.
	w2.Start()
	require.NoError(w2.Write(nil))
	w2.Halt()
	_, loaded, err = Load[testData](logger, stateFile, []byte("passphrase"))
	require.NoError(err)
	require.Nil(loaded)

	_, _, err = Load[testData](logger, stateFile, []byte("wrong"))
	require.ErrorIs(err, ErrDecryptFailed)

	require.NoError(os.WriteFile(stateFile, []byte("short"), 0600))
	_, _, err = Load[testData](logger, stateFile, []byte("passphrase"))
	require.ErrorIs(err, ErrDecryptFailed)

	require.ErrorIs(w2.Write(nil), client.ErrShutdown)
}

func TestStateWriterFollow(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := &config.Config{
		Server: &config.Server{
			Address: "127.0.0.1:0",
			DataDir: t.TempDir(),
		},
		UserDB:     &config.UserDB{Backend: "memory"},
		Derivation: &config.Derivation{Rounds: 10},
	}
	require.NoError(cfg.FixupAndValidate())
	s, err := server.New(cfg, server.WithLogBackend(log.NewDiscard()))
	require.NoError(err)
	defer s.Shutdown()

	fastRetry := retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	tr := client.NewNetTransport(client.DialNetwork("tcp", s.Addr().String()), client.WithRetryPolicy(fastRetry))
	c := client.New[testData](tr, aco.CBORCodec[testData]{}, nil,
		client.WithDerivation(derivation.PBKDF2SHA3_256, 10),
		client.WithRetryPolicy(fastRetry),
	)
	defer c.Close()

	stateFile := filepath.Join(t.TempDir(), "state")
	logger := log.NewDiscard().GetLogger("statefile")
	w, err := New[testData](logger, stateFile, []byte("passphrase"))
	require.NoError(err)
	w.Start()
	w.Follow(c)

	res, err := c.Register(ctx, "alice", "pw", testData{Foo: "bar"})
	require.NoError(err)
	require.Equal(client.RegistrationSuccess, res.Status, "%v", res.Err)

	require.Eventually(func() bool {
		_, st, err := Load[testData](logger, stateFile, []byte("passphrase"))
		return err == nil && st != nil && st.LoginName == "alice"
	}, 10*time.Second, 20*time.Millisecond)
	w.Halt()

	_, st, err := Load[testData](logger, stateFile, []byte("passphrase"))
	require.NoError(err)
	require.Equal(testData{Foo: "bar"}, st.Data)
	require.Equal(res.DataKey, st.DataKey)
	require.Equal(res.LoginToken, st.LoginToken)
}
