// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package derivation

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeterministic(t *testing.T) {
	for _, alg := range []Algorithm{PBKDF2SHA3_256, Argon2id} {
		t.Run(string(alg), func(t *testing.T) {
			require := require.New(t)

			p, err := NewParamsWithAlgorithm(alg, 1)
			require.NoError(err)
			require.Len(p.Salt, SaltSize)

			k1, err := DeriveKeys("correct horse", p)
			require.NoError(err)
			k2, err := DeriveKeys("correct horse", p)
			require.NoError(err)
			require.True(k1.Equal(k2))
			require.Len(k1.LoginID, LoginIDSize)

			// Keys within one derivation are independent of each other.
			require.NotEqual(k1.LoginID, k1.LoginAccessKey.Bytes())
			require.False(k1.LoginAccessKey.Equal(&k1.ExtraKey))

			k3, err := DeriveKeys("correct horse!", p)
			require.NoError(err)
			require.False(k1.Equal(k3))

			p2, err := p.WithNewSalt()
			require.NoError(err)
			require.False(p.Equal(p2))
			k4, err := DeriveKeys("correct horse", p2)
			require.NoError(err)
			require.False(k1.Equal(k4))
		})
	}
}

func TestDerivePrefixStable(t *testing.T) {
	require := require.New(t)

	p, err := NewParams(10)
	require.NoError(err)
	two, err := Derive("pw", p, 2)
	require.NoError(err)
	five, err := Derive("pw", p, 5)
	require.NoError(err)
	require.Equal(two, five[:2])
}

func TestParamsValidation(t *testing.T) {
	require := require.New(t)

	_, err := NewParams(0)
	require.ErrorIs(err, ErrInvalidParams)

	p := &Params{Rounds: 1, Algorithm: "scrypt", Salt: []byte{1}}
	require.ErrorIs(p.Validate(), ErrInvalidParams)

	p = &Params{Rounds: 1, Algorithm: PBKDF2SHA3_256}
	require.ErrorIs(p.Validate(), ErrInvalidParams)

	var nilParams *Params
	require.ErrorIs(nilParams.Validate(), ErrInvalidParams)

	// Rounds are capped per algorithm.
	p = &Params{Rounds: MaxPBKDF2Rounds, Algorithm: PBKDF2SHA3_256, Salt: []byte{1}}
	require.NoError(p.Validate())
	p.Rounds++
	require.ErrorIs(p.Validate(), ErrInvalidParams)
	p = &Params{Rounds: MaxArgon2Rounds, Algorithm: Argon2id, Salt: []byte{1}}
	require.NoError(p.Validate())
	p.Rounds = MaxArgon2Rounds + 1
	require.ErrorIs(p.Validate(), ErrInvalidParams)
	_, err = NewParamsWithAlgorithm(Argon2id, MaxArgon2Rounds+1)
	require.ErrorIs(err, ErrInvalidParams)

	p.Salt = []byte{1}
	_, err = Derive("pw", p, 0)
	require.ErrorIs(err, ErrInvalidParams)
}

func TestParamsEqualAfterEncoding(t *testing.T) {
	require := require.New(t)

	p, err := NewParams(DefaultRounds)
	require.NoError(err)
	raw, err := cbor.Marshal(p)
	require.NoError(err)
	out := new(Params)
	require.NoError(cbor.Unmarshal(raw, out))
	require.True(p.Equal(out))
	require.Equal("PBKDF2-SHA3-256/15000", out.String())
}

func TestPasswordHash(t *testing.T) {
	require.Equal(t, PasswordHash("a"), PasswordHash("a"))
	require.NotEqual(t, PasswordHash("a"), PasswordHash("b"))
}
