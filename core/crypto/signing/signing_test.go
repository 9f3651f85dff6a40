// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package signing

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	for _, s := range []Strength{Default, Strong} {
		t.Run(s.String(), func(t *testing.T) {
			require := require.New(t)

			k, err := Generate(s)
			require.NoError(err)
			require.Equal(s, k.Strength())

			msg := []byte("login request")
			sig, err := k.Sign(msg)
			require.NoError(err)
			require.True(k.PublicKey().Verify(msg, sig))
			require.False(k.PublicKey().Verify([]byte("other"), sig))

			other, err := Generate(s)
			require.NoError(err)
			require.False(other.PublicKey().Verify(msg, sig))
			require.False(other.PublicKey().Equal(k.PublicKey()))
		})
	}
}

func TestUnknownStrength(t *testing.T) {
	_, err := Generate("Rot13")
	require.ErrorIs(t, err, ErrUnknownScheme)
}

func TestKeysInsideCBOR(t *testing.T) {
	require := require.New(t)

	type envelope struct {
		Private *PrivateKey
		Public  *PublicKey
	}

	k, err := Generate(Default)
	require.NoError(err)

	raw, err := cbor.Marshal(&envelope{Private: k, Public: k.PublicKey()})
	require.NoError(err)

	out := new(envelope)
	require.NoError(cbor.Unmarshal(raw, out))
	require.True(k.Equal(out.Private))
	require.True(k.PublicKey().Equal(out.Public))
	require.True(out.Private.PublicKey().Equal(out.Public))

	sig, err := out.Private.Sign([]byte("x"))
	require.NoError(err)
	require.True(k.PublicKey().Verify([]byte("x"), sig))
}

func TestEmptyKeys(t *testing.T) {
	require := require.New(t)

	var k *PrivateKey
	_, err := k.Sign([]byte("x"))
	require.ErrorIs(err, ErrEmptyKey)

	var p *PublicKey
	require.False(p.Verify([]byte("x"), nil))
	require.False(p.Equal(nil))
}
