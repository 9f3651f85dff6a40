// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/derivation"
)

func TestRequestArgs(t *testing.T) {
	require := require.New(t)

	key, err := signing.Generate(signing.Default)
	require.NoError(err)
	params, err := derivation.NewParams(10)
	require.NoError(err)

	args := &RegistrationArgs{
		LoginName:        "alice",
		LoginID:          []byte{1, 2, 3},
		LoginPublicKey:   key.PublicKey(),
		DerivationParams: params,
		RestoreID:        []byte{4, 5, 6},
		PackedACO:        []byte{7},
	}
	req, err := NewRequest(42, Register, args)
	require.NoError(err)
	require.Equal("Register", req.Command.String())

	out := new(RegistrationArgs)
	require.NoError(req.DecodeArgs(out))
	require.Equal("alice", out.LoginName)
	require.True(out.LoginPublicKey.Equal(key.PublicKey()))
	require.True(out.DerivationParams.Equal(params))
	require.Nil(out.ExtraData)

	req, err = NewRequest(43, GetNonce, nil)
	require.NoError(err)
	require.Empty(req.Payload)

	bad := &Request{Command: LoginByToken, Payload: []byte{0xff}}
	err = bad.DecodeArgs(new(LoginByTokenArgs))
	require.ErrorIs(err, ErrRemoteBadRequest)
}

func TestRemoteErrors(t *testing.T) {
	require := require.New(t)

	resp := &Response{ID: 1, Error: &RemoteError{Code: IllegalState, Message: "logged in"}}
	err := resp.Decode(new(AuthenticationResult))
	require.ErrorIs(err, ErrRemoteIllegalState)

	var remote *RemoteError
	require.True(errors.As(err, &remote))
	require.Equal("logged in", remote.Message)

	require.ErrorIs(&RemoteError{Code: 99}, ErrRemoteInternal)
	require.ErrorIs(&RemoteError{Code: UnknownCommand}, ErrRemoteUnknownCommand)
}

func TestStrings(t *testing.T) {
	require := require.New(t)

	require.Equal("RequestACOBySecretId", RequestACOBySecretID.String())
	require.Contains(Command(200).String(), "Unknown")
	require.Equal("LoginIdUnavailable", LoginIDUnavailable.String())
	require.Contains(Status(0).String(), "Unknown")
}

func TestNormalizeLoginName(t *testing.T) {
	require := require.New(t)

	name, err := NormalizeLoginName("Alice")
	require.NoError(err)
	require.Equal("Alice", name)

	name, err = NormalizeLoginName("\uff41lice")
	require.NoError(err)
	require.Equal("alice", name)

	for _, bad := range []string{"", "two words", strings.Repeat("a", MaxLoginNameSize+1)} {
		_, err = NormalizeLoginName(bad)
		require.ErrorIs(err, ErrInvalidLoginName, bad)
	}
}
