// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package keygen

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
)

const (
	stringScore    = 10
	fastKeyScore   = 3
	slowKeyScore   = 10
	perCharScore   = 4
	fastKeyWindow  = time.Second
	expandSeedSize = 48
	ivSize         = 32
)

// ErrEntropyLow is matched by errors.Is for every *EntropyLowError.
var ErrEntropyLow = errors.New("keygen: entropy level is below requested")

// EntropyLowError is returned when the accumulated entropy score is below
// the amount a caller asked for.
type EntropyLowError struct {
	Current   int
	Requested int
}

func (e *EntropyLowError) Error() string {
	return fmt.Sprintf("keygen: entropy level is below requested (%d/%d)", e.Current, e.Requested)
}

// Is implements errors.Is.
func (e *EntropyLowError) Is(target error) bool {
	return target == ErrEntropyLow
}

// AddEntropy mixes b into the pool and credits score to the estimate.
func (g *Generator) AddEntropy(b []byte, score int) {
	g.Lock()
	defer g.Unlock()
	g.addEntropy(b, score)
}

func (g *Generator) addEntropy(b []byte, score int) {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write(b)
	h.Write(g.entropyHash)
	g.entropyHash = h.Sum(nil)
	g.entropy += score
}

// AddEntropyString mixes s into the pool.
func (g *Generator) AddEntropyString(s string) {
	g.AddEntropy([]byte(s), stringScore)
}

// AddEntropyPointerMove mixes a pointer position into the pool.
func (g *Generator) AddEntropyPointerMove(x, y int) {
	g.AddEntropyString(fmt.Sprintf("x:%d,y:%d", x, y))
}

// AddEntropyKey mixes a keystroke and its timing into the pool.  Keystrokes
// arriving less than a second apart are credited less.
func (g *Generator) AddEntropyKey(key string) {
	g.Lock()
	defer g.Unlock()
	g.addEntropyKey(key)
}

// AddEntropyTimestamp mixes the current time into the pool.
func (g *Generator) AddEntropyTimestamp() {
	g.AddEntropyKey("")
}

func (g *Generator) addEntropyKey(key string) {
	t := g.now()
	score := slowKeyScore
	if t.Sub(g.lastKey) < fastKeyWindow {
		score = fastKeyScore
	}
	score += len(key) * perCharScore
	g.addEntropy([]byte(strconv.Itoa(t.Nanosecond())+key), score)
	g.lastKey = t
}

// Entropy returns the current entropy estimate.
func (g *Generator) Entropy() int {
	g.Lock()
	defer g.Unlock()
	return g.entropy
}

// RandomBytes returns length random bytes, mixing in the entropy pool.  A
// non-zero minEntropy is deducted from the estimate, and an
// *EntropyLowError is returned if the estimate is too low.
func (g *Generator) RandomBytes(length, minEntropy int) ([]byte, error) {
	g.Lock()
	defer g.Unlock()
	return g.randomBytes(length, minEntropy)
}

func (g *Generator) randomBytes(length, minEntropy int) ([]byte, error) {
	g.addEntropyKey("")
	if g.entropyHash != nil && minEntropy <= g.entropy {
		g.entropy -= minEntropy
		return expand(length, g.entropyHash)
	}
	if minEntropy == 0 {
		return expand(length, nil)
	}
	return nil, &EntropyLowError{Current: g.entropy, Requested: minEntropy}
}

// RandomKey returns a random symmetric key and resets the entropy estimate.
func (g *Generator) RandomKey(minEntropy int) (symmetric.Key, error) {
	g.Lock()
	defer g.Unlock()
	b, err := g.randomBytes(symmetric.KeySize, minEntropy)
	if err != nil {
		return symmetric.Key{}, err
	}
	g.entropy = 0
	g.addEntropyKey("")
	return symmetric.KeyFromBytes(b)
}

// Reader returns an io.Reader backed by RandomBytes.
func (g *Generator) Reader() io.Reader {
	return generatorReader{g}
}

type generatorReader struct {
	g *Generator
}

func (r generatorReader) Read(p []byte) (int, error) {
	b, err := r.g.RandomBytes(len(p), 0)
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// expand runs a BLAKE2b-512 chain seeded by fresh system randomness and
// the pool state.
func expand(length int, poolHash []byte) ([]byte, error) {
	iv := make([]byte, ivSize, ivSize+len(poolHash))
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	iv = append(iv, poolHash...)

	fresh := make([]byte, expandSeedSize)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return nil, err
	}
	seed := blake2b.Sum512(append(fresh, iv...))

	out := make([]byte, 0, length)
	for len(out) < length {
		n := length - len(out)
		if n > len(seed) {
			n = len(seed)
		}
		out = append(out, seed[:n]...)
		if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
			return nil, err
		}
		seed = blake2b.Sum512(append(fresh, seed[:]...))
	}
	return out, nil
}
