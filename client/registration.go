// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/aco"
	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/core/retry"
	"github.com/katzenpost/superlogin/core/wire"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/keygen"
)

// MaxRegistrationAttempts bounds the submissions of one RegisterWithData
// call.
const MaxRegistrationAttempts = 10

// RegistrationStatus is the outcome of a registration.
type RegistrationStatus int

const (
	// RegistrationSuccess means the user is registered and logged in.
	RegistrationSuccess RegistrationStatus = iota

	// InvalidLogin means the login name is taken or not acceptable.
	InvalidLogin

	// NetworkFailure means the registration could not be completed,
	// usually because the server was unreachable.
	NetworkFailure
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationSuccess:
		return "Success"
	case InvalidLogin:
		return "InvalidLogin"
	case NetworkFailure:
		return "NetworkFailure"
	default:
		return fmt.Sprintf("[Unknown registration status: %d]", int(s))
	}
}

// RegistrationResult is returned by RegisterWithData.  Secret is the
// restore secret; it is not stored anywhere and must be shown to the user.
type RegistrationResult struct {
	Status RegistrationStatus

	LoginName       string
	Secret          string
	DataKey         symmetric.Key
	LoginToken      []byte
	ApplicationData []byte

	// Err is the last error seen by a NetworkFailure.
	Err error
}

var payloadCodec = aco.CBORCodec[commands.RestoreAccessPayload]{}

// Registration registers one user, caching the password derivation so
// that retrying with another login name is fast.  Use one Registration
// per user being registered.
type Registration struct {
	sync.Mutex

	caller Caller
	cfg    *config
	gen    *keygen.Generator
	log    *logging.Logger

	loginKey *keygen.PendingKey
	dataKey  symmetric.Key

	passwordHash [32]byte
	params       *derivation.Params
	keys         *derivation.DerivedKeys
}

// NewRegistration returns a Registration submitting through caller.  The
// login key generation starts immediately.
func NewRegistration(caller Caller, opts ...Option) (*Registration, error) {
	cfg := newConfig(opts)
	gen := cfg.keygen
	if gen == nil {
		gen = keygen.New(keygen.WithLogBackend(cfg.logBackend))
	}
	return newRegistration(caller, cfg, gen)
}

func newRegistration(caller Caller, cfg *config, gen *keygen.Generator) (*Registration, error) {
	dataKey, err := gen.RandomKey(0)
	if err != nil {
		return nil, err
	}
	return &Registration{
		caller:   caller,
		cfg:      cfg,
		gen:      gen,
		log:      cfg.logBackend.GetLogger("client/registration"),
		loginKey: gen.GetKeyAsync(cfg.strength, true),
		dataKey:  dataKey,
	}, nil
}

func (r *Registration) derive(password string) error {
	h := derivation.PasswordHash(password)
	if r.keys != nil && subtle.ConstantTimeCompare(h[:], r.passwordHash[:]) == 1 {
		return nil
	}
	params, err := r.cfg.newParams()
	if err != nil {
		return err
	}
	keys, err := r.cfg.deriver(password, params)
	if err != nil {
		return err
	}
	r.passwordHash, r.params, r.keys = h, params, keys
	return nil
}

func (r *Registration) rederive(password string) error {
	params, err := r.params.WithNewSalt()
	if err != nil {
		return err
	}
	keys, err := r.cfg.deriver(password, params)
	if err != nil {
		return err
	}
	r.params, r.keys = params, keys
	return nil
}

func (r *Registration) failure(err error) *RegistrationResult {
	return &RegistrationResult{Status: NetworkFailure, Err: err}
}

// RegisterWithData registers loginName with password, storing extraData
// as the application data.  It may be called again after InvalidLogin with
// another login name.
func (r *Registration) RegisterWithData(ctx context.Context, loginName, password string, extraData []byte) *RegistrationResult {
	r.Lock()
	defer r.Unlock()

	loginName, err := commands.NormalizeLoginName(loginName)
	if err != nil {
		return &RegistrationResult{Status: InvalidLogin, Err: err}
	}
	if err = r.derive(password); err != nil {
		return r.failure(err)
	}
	loginKey, err := r.loginKey.Await(ctx)
	if err != nil {
		return r.failure(err)
	}
	payload := commands.RestoreAccessPayload{
		Login:           loginName,
		LoginPrivateKey: loginKey,
		DataStorageKey:  r.dataKey,
	}

	var (
		nonce   []byte
		lastErr error
	)
	for attempt := 0; attempt < MaxRegistrationAttempts; attempt++ {
		if nonce == nil {
			var res commands.NonceResult
			if err = r.caller.Call(ctx, commands.GetNonce, nil, &res); err != nil {
				if ctx.Err() != nil || !retry.IsTransientError(err) {
					return r.failure(err)
				}
				r.log.Warningf("Failed to get nonce: %v", err)
				lastErr = err
				continue
			}
			nonce = res.Nonce
		}

		rk, packed, err := aco.Pack(r.keys.LoginAccessKey, payload, payloadCodec, r.gen.Reader())
		if err != nil {
			return r.failure(err)
		}
		record, err := wire.SignRecord(loginKey, &commands.RegistrationArgs{
			LoginName:        loginName,
			LoginID:          r.keys.LoginID,
			LoginPublicKey:   loginKey.PublicKey(),
			DerivationParams: r.params,
			RestoreID:        rk.RestoreID,
			PackedACO:        packed,
			ExtraData:        extraData,
		}, nonce)
		if err != nil {
			return r.failure(err)
		}

		var res commands.AuthenticationResult
		if err = r.caller.Call(ctx, commands.Register, &commands.SignedArgs{Record: record}, &res); err != nil {
			switch {
			case errors.Is(err, commands.ErrRemoteBadRequest):
				return &RegistrationResult{Status: InvalidLogin, Err: err}
			case ctx.Err() != nil, !retry.IsTransientError(err):
				return r.failure(err)
			}
			r.log.Warningf("Failed to register: %v", err)
			lastErr = err
			nonce = nil
			continue
		}

		switch res.Status {
		case commands.Success:
			return &RegistrationResult{
				Status:          RegistrationSuccess,
				LoginName:       res.LoginName,
				Secret:          rk.Secret,
				DataKey:         r.dataKey,
				LoginToken:      res.LoginToken,
				ApplicationData: res.ApplicationData,
			}
		case commands.LoginUnavailable:
			return &RegistrationResult{Status: InvalidLogin}
		case commands.RestoreIDUnavailable:
			r.log.Debugf("Restore id collision, retrying.")
		case commands.LoginIDUnavailable:
			r.log.Debugf("Login id collision, retrying with a new salt.")
			if err = r.rederive(password); err != nil {
				return r.failure(err)
			}
		default:
			lastErr = fmt.Errorf("client: unexpected registration status: %v", res.Status)
			r.log.Warningf("%v", lastErr)
		}
	}

	r.log.Errorf("Failed to register after %d attempts: %v", MaxRegistrationAttempts, lastErr)
	return r.failure(lastErr)
}
