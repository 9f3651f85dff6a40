// userdb.go - Superlogin server user database interface.
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

// Package userdb defines the superlogin server user database abstract
// interface.
//
// A user is indexed four ways: by login name, by login id, by restore id
// and by login token.  None of the stored values allows recovering the
// password.
package userdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
)

const (
	// MaxLoginNameSize is the maximum login name length in bytes.
	MaxLoginNameSize = commands.MaxLoginNameSize

	// TokenSize is the size of a login token.
	TokenSize = 32
)

var (
	// ErrNoSuchUser is the error returned when an operation fails due to
	// a non-existent user.
	ErrNoSuchUser = errors.New("userdb: no such user")

	// ErrInvalidUser is the error returned for a registration record
	// missing a required field.
	ErrInvalidUser = errors.New("userdb: invalid user record")
)

// User is the stored record of one user.
type User struct {
	LoginName        string
	LoginID          []byte
	LoginPublicKey   []byte
	DerivationParams *derivation.Params
	RestoreID        []byte
	PackedACO        []byte
	ApplicationData  []byte
	LoginToken       []byte
}

// Update is the replacement access control data of a password change.
// SignerPublicKey is the key the change was signed with, it must still be
// the stored login key when the update is applied.
type Update struct {
	PackedACO        []byte
	DerivationParams *derivation.Params
	LoginPublicKey   *signing.PublicKey
	LoginID          []byte
	SignerPublicKey  *signing.PublicKey
}

// UserDB is the interface provided by all user database implementations.
// Credential mismatches are reported through AuthenticationResult status
// values or ErrNoSuchUser, never through other errors.
type UserDB interface {
	// Register stores a new user.  The login name is checked for
	// uniqueness first, then the login id, then the restore id, and the
	// first collision is returned as the result status.
	Register(*commands.RegistrationArgs) (*commands.AuthenticationResult, error)

	// LoginByToken looks a user up by login token.
	LoginByToken([]byte) (*commands.AuthenticationResult, error)

	// DerivationParams returns the stored derivation parameters for the
	// login name, or ErrNoSuchUser.
	DerivationParams(string) (*derivation.Params, error)

	// ACOByLoginName returns the packed access control object of the
	// login name if the login id matches, or ErrNoSuchUser.
	ACOByLoginName(string, []byte) ([]byte, error)

	// ACOByRestoreID returns the packed access control object indexed by
	// the restore id, or ErrNoSuchUser.
	ACOByRestoreID([]byte) ([]byte, error)

	// LoginByKey authenticates the login name against the stored login
	// public key.
	LoginByKey(string, *signing.PublicKey) (*commands.AuthenticationResult, error)

	// UpdateAccessControlData atomically replaces the access control data
	// of the login name, re-indexes the login id and rotates the login
	// token.  An update whose signer is not the stored login key fails
	// with LoginUnavailable.
	UpdateAccessControlData(string, *Update) (*commands.AuthenticationResult, error)

	// Close closes the UserDB instance.
	Close()
}

// NewToken returns a fresh random login token.
func NewToken() ([]byte, error) {
	t := make([]byte, TokenSize)
	if _, err := io.ReadFull(rand.Reader, t); err != nil {
		return nil, err
	}
	return t, nil
}

// NewUser builds the stored record for a registration, with a fresh token.
func NewUser(args *commands.RegistrationArgs) (*User, error) {
	if err := ValidateRegistration(args); err != nil {
		return nil, err
	}
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return &User{
		LoginName:        args.LoginName,
		LoginID:          args.LoginID,
		LoginPublicKey:   args.LoginPublicKey.Bytes(),
		DerivationParams: args.DerivationParams,
		RestoreID:        args.RestoreID,
		PackedACO:        args.PackedACO,
		ApplicationData:  args.ExtraData,
		LoginToken:       token,
	}, nil
}

// ValidateRegistration checks that a registration record is complete.
func ValidateRegistration(args *commands.RegistrationArgs) error {
	switch {
	case args == nil:
		return fmt.Errorf("%w: nil", ErrInvalidUser)
	case len(args.LoginName) == 0 || len(args.LoginName) > MaxLoginNameSize:
		return fmt.Errorf("%w: login name", ErrInvalidUser)
	case len(args.LoginID) == 0:
		return fmt.Errorf("%w: login id", ErrInvalidUser)
	case len(args.RestoreID) == 0:
		return fmt.Errorf("%w: restore id", ErrInvalidUser)
	case len(args.PackedACO) == 0:
		return fmt.Errorf("%w: access control object", ErrInvalidUser)
	case args.LoginPublicKey.Bytes() == nil:
		return fmt.Errorf("%w: login key", ErrInvalidUser)
	}
	if err := args.DerivationParams.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	return nil
}

// ValidateUpdate checks that a password change record is complete.
func ValidateUpdate(u *Update) error {
	switch {
	case u == nil:
		return fmt.Errorf("%w: nil update", ErrInvalidUser)
	case len(u.LoginID) == 0:
		return fmt.Errorf("%w: login id", ErrInvalidUser)
	case len(u.PackedACO) == 0:
		return fmt.Errorf("%w: access control object", ErrInvalidUser)
	case u.LoginPublicKey.Bytes() == nil:
		return fmt.Errorf("%w: login key", ErrInvalidUser)
	case u.SignerPublicKey.Bytes() == nil:
		return fmt.Errorf("%w: signer key", ErrInvalidUser)
	}
	if err := u.DerivationParams.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	return nil
}

// Apply replaces the access control data of u with upd and sets a fresh
// token.  The previous login id is returned for re-indexing.
func (u *User) Apply(upd *Update) (oldLoginID []byte, err error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	oldLoginID = u.LoginID
	u.PackedACO = upd.PackedACO
	u.DerivationParams = upd.DerivationParams
	u.LoginPublicKey = upd.LoginPublicKey.Bytes()
	u.LoginID = upd.LoginID
	u.LoginToken = token
	return oldLoginID, nil
}

// LoginIDMatches compares the stored login id with id.
func (u *User) LoginIDMatches(id []byte) bool {
	return len(id) > 0 && bytes.Equal(u.LoginID, id)
}

// KeyMatches compares the stored login public key with k in constant time.
func (u *User) KeyMatches(k *signing.PublicKey) bool {
	stored, err := signing.UnmarshalPublicKey(u.LoginPublicKey)
	if err != nil {
		return false
	}
	return stored.Equal(k)
}

// Success returns the successful authentication result for u.
func (u *User) Success() *commands.AuthenticationResult {
	return &commands.AuthenticationResult{
		Status:          commands.Success,
		LoginName:       u.LoginName,
		LoginToken:      u.LoginToken,
		ApplicationData: u.ApplicationData,
	}
}
