// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/retry"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/keygen"
)

type config struct {
	strength   signing.Strength
	rounds     int
	algorithm  derivation.Algorithm
	deriver    derivation.Deriver
	logBackend *log.Backend
	keygen     *keygen.Generator
	retry      retry.Policy
}

func newConfig(opts []Option) *config {
	cfg := &config{
		strength:  signing.Default,
		rounds:    derivation.DefaultRounds,
		algorithm: derivation.PBKDF2SHA3_256,
		deriver:   derivation.DeriveKeys,
		retry:     retry.DefaultPolicy(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logBackend == nil {
		cfg.logBackend = log.NewDiscard()
	}
	return cfg
}

func (cfg *config) newParams() (*derivation.Params, error) {
	return derivation.NewParamsWithAlgorithm(cfg.algorithm, cfg.rounds)
}

// Option configures a Client, a Registration or a NetTransport.
type Option func(*config)

// WithKeyStrength sets the strength of generated login keys.
func WithKeyStrength(s signing.Strength) Option {
	return func(cfg *config) {
		cfg.strength = s
	}
}

// WithDerivation sets the password derivation used for new passwords.
func WithDerivation(alg derivation.Algorithm, rounds int) Option {
	return func(cfg *config) {
		cfg.algorithm = alg
		cfg.rounds = rounds
	}
}

// WithDeriver replaces the password deriver.
func WithDeriver(d derivation.Deriver) Option {
	return func(cfg *config) {
		cfg.deriver = d
	}
}

// WithLogBackend sets the log backend.
func WithLogBackend(b *log.Backend) Option {
	return func(cfg *config) {
		cfg.logBackend = b
	}
}

// WithKeyGenerator shares a key generator instead of creating one.
func WithKeyGenerator(g *keygen.Generator) Option {
	return func(cfg *config) {
		cfg.keygen = g
	}
}

// WithRetryPolicy sets the backoff used for reconnects and re-logins.
func WithRetryPolicy(p retry.Policy) Option {
	return func(cfg *config) {
		cfg.retry = p
	}
}
