// SPDX-FileCopyrightText: 2019, David Stainton <dawuud@riseup.net>
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// statefile.go - encrypted client state persistence
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package statefile persists a superlogin client's login state, encrypted
// under a passphrase, so that a later run can resume the login by token.
package statefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/client"
	"github.com/katzenpost/superlogin/core/worker"
)

const (
	keySize   = 32
	saltSize  = 16
	nonceSize = 24
)

// ErrDecryptFailed is the error returned when the state file does not open
// with the passphrase.
var ErrDecryptFailed = errors.New("statefile: failed to decrypt statefile")

// record is the plaintext of a state file.  State is nil when logged out.
type record[D any] struct {
	State *client.ClientState[D]
}

// StateWriter takes ownership of a client's encrypted state file, and has
// a worker goroutine which writes updates to disk.
type StateWriter[D any] struct {
	worker.Worker

	log *logging.Logger

	stateCh   chan []byte
	stateFile string

	salt []byte
	key  *[keySize]byte
}

func stretchKey(passphrase, salt []byte) *[keySize]byte {
	secret := argon2.IDKey(passphrase, salt, 3, 32*1024, 4, keySize)
	key := [keySize]byte{}
	copy(key[:], secret)
	return &key
}

func encryptState(state, salt []byte, key *[keySize]byte) ([]byte, error) {
	nonce := [nonceSize]byte{}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(state)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, state, &nonce, key), nil
}

func decryptState(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}
	nonce := [nonceSize]byte{}
	copy(nonce[:], ciphertext[saltSize:saltSize+nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func writeStateFile(stateFile string, ciphertext []byte) error {
	outFn := stateFile
	tmpFn := fmt.Sprintf("%s.tmp", stateFile)
	backupFn := fmt.Sprintf("%s~", stateFile)

	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = out.Write(ciphertext); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err := os.Rename(outFn, backupFn); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir, err := os.Open(filepath.Dir(stateFile))
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := os.Rename(tmpFn, outFn); err != nil {
		return err
	}
	return dir.Sync()
}

// Load decrypts stateFile and returns the saved state, nil if logged out,
// as well as a new StateWriter.
func Load[D any](log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter[D], *client.ClientState[D], error) {
	raw, err := os.ReadFile(stateFile)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < saltSize {
		return nil, nil, ErrDecryptFailed
	}
	salt := raw[:saltSize]
	key := stretchKey(passphrase, salt)
	plaintext, err := decryptState(raw, key)
	if err != nil {
		return nil, nil, err
	}
	rec := new(record[D])
	if err = cbor.Unmarshal(plaintext, rec); err != nil {
		return nil, nil, err
	}
	w := &StateWriter[D]{
		log:       log,
		stateCh:   make(chan []byte),
		stateFile: stateFile,
		salt:      salt,
		key:       key,
	}
	return w, rec.State, nil
}

// New returns a StateWriter for a state file that does not exist yet.
func New[D any](log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter[D], error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return &StateWriter[D]{
		log:       log,
		stateCh:   make(chan []byte),
		stateFile: stateFile,
		salt:      salt,
		key:       stretchKey(passphrase, salt),
	}, nil
}

// Start starts the StateWriter's worker goroutine.
func (w *StateWriter[D]) Start() {
	w.log.Debug("StateWriter starting worker")
	w.Go(w.worker)
}

// Write queues st for writing, nil meaning logged out.
func (w *StateWriter[D]) Write(st *client.ClientState[D]) error {
	b, err := cbor.Marshal(&record[D]{State: st})
	if err != nil {
		return err
	}
	select {
	case w.stateCh <- b:
		return nil
	case <-w.HaltCh():
		return client.ErrShutdown
	}
}

// Follow writes every login state c publishes until the StateWriter is
// halted.
func (w *StateWriter[D]) Follow(c *client.Client[D]) {
	ch, cancel := c.Subscribe()
	w.Go(func() {
		defer cancel()
		for {
			select {
			case <-w.HaltCh():
				return
			case st := <-ch:
				if err := w.Write(st.State); err != nil {
					return
				}
			}
		}
	})
}

func (w *StateWriter[D]) writeState(payload []byte) error {
	ciphertext, err := encryptState(payload, w.salt, w.key)
	if err != nil {
		return err
	}
	return writeStateFile(w.stateFile, ciphertext)
}

func (w *StateWriter[D]) worker() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case newState := <-w.stateCh:
			if err := w.writeState(newState); err != nil {
				w.log.Errorf("Failure to write state to disk: %s", err)
			}
		}
	}
}
