// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package keygen generates login key pairs ahead of time, and keeps an
// entropy pool fed from user interaction events.
//
// A Generator keeps at most one key generation in flight.  Asking for a key
// consumes that generation and, optionally, starts the next one, so that
// a key is usually ready by the time a user finishes typing a password.
package keygen

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/worker"
)

// ErrHalted is the error returned for generations requested after Halt.
var ErrHalted = errors.New("keygen: generator halted")

// GenerateFunc creates one key pair.  It should return promptly once ctx
// is cancelled.
type GenerateFunc func(ctx context.Context, strength signing.Strength) (*signing.PrivateKey, error)

// PendingKey is the handle of one key generation.
type PendingKey struct {
	strength signing.Strength
	cancel   context.CancelFunc
	doneCh   chan struct{}

	key *signing.PrivateKey
	err error
}

// Strength returns the requested key strength.
func (p *PendingKey) Strength() signing.Strength {
	return p.strength
}

// Done returns a channel closed once the generation finished.
func (p *PendingKey) Done() <-chan struct{} {
	return p.doneCh
}

// Await blocks until the key is ready or ctx is done.
func (p *PendingKey) Await(ctx context.Context) (*signing.PrivateKey, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.doneCh:
		return p.key, p.err
	}
}

// Generator is the background key generator and entropy pool.  One
// instance is meant to be shared by everything in a process that creates
// login keys.
type Generator struct {
	worker.Worker
	sync.Mutex

	log      *logging.Logger
	generate GenerateFunc
	now      func() time.Time

	entropy     int
	entropyHash []byte
	lastKey     time.Time

	pending *PendingKey
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogBackend sets the log backend.
func WithLogBackend(b *log.Backend) Option {
	return func(g *Generator) {
		g.log = b.GetLogger("keygen")
	}
}

// WithGenerateFunc replaces the key pair constructor.
func WithGenerateFunc(fn GenerateFunc) Option {
	return func(g *Generator) {
		g.generate = fn
	}
}

// WithClock replaces the clock used for keystroke timing.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New returns a Generator.  No generation is started until one is asked for.
func New(opts ...Option) *Generator {
	g := &Generator{
		generate: defaultGenerate,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = log.NewDiscard().GetLogger("keygen")
	}
	g.lastKey = g.now()
	return g
}

func defaultGenerate(ctx context.Context, strength signing.Strength) (*signing.PrivateKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return signing.Generate(strength)
}

// StartGeneration ensures a generation of the given strength is pending.
// A pending generation of another strength is cancelled and replaced.
func (g *Generator) StartGeneration(strength signing.Strength) {
	g.Lock()
	defer g.Unlock()
	g.start(strength)
}

func (g *Generator) start(strength signing.Strength) {
	if g.pending != nil {
		if g.pending.strength == strength {
			return
		}
		g.log.Debugf("Cancelling %s generation, strength changed to %s", g.pending.strength, strength)
		g.pending.cancel()
		g.pending = nil
	}

	ctx, cancel := context.WithCancel(g.Context())
	p := &PendingKey{
		strength: strength,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	g.pending = p
	if g.IsHalted() {
		cancel()
		p.err = ErrHalted
		close(p.doneCh)
		return
	}

	g.Go(func() {
		defer cancel()
		defer close(p.doneCh)
		p.key, p.err = g.generate(ctx, strength)
		if p.err == nil && ctx.Err() != nil {
			p.key, p.err = nil, ctx.Err()
		}
		if p.err != nil && !errors.Is(p.err, context.Canceled) {
			g.log.Errorf("%s key generation failed: %v", strength, p.err)
		}
	})
}

// GetKeyAsync hands out the pending generation of the given strength,
// starting one if needed.  Every caller receives a distinct generation.
// If startNext is set a replacement generation is started immediately.
func (g *Generator) GetKeyAsync(strength signing.Strength, startNext bool) *PendingKey {
	g.Lock()
	defer g.Unlock()

	if g.pending == nil || g.pending.strength != strength {
		g.start(strength)
	}
	p := g.pending
	g.pending = nil
	if startNext {
		g.start(strength)
	}
	return p
}

// GetPrivateKey returns a key of the given strength, waiting for its
// generation if needed.
func (g *Generator) GetPrivateKey(ctx context.Context, strength signing.Strength) (*signing.PrivateKey, error) {
	return g.GetKeyAsync(strength, true).Await(ctx)
}
