// boltuserdb.go - BoltDB backed superlogin user database.
// Copyright (C) 2017  Yawning Angel.
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

// Package boltuserdb implements the superlogin server user database with a
// simple boltdb based backend.
package boltuserdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/userdb"
)

const (
	metadataBucket  = "metadata"
	usersBucket     = "users"
	loginIDBucket   = "loginIDs"
	restoreIDBucket = "restoreIDs"
	tokenBucket     = "tokens"

	versionKey = "version"
	version    = 1
)

var errStatus = errors.New("boltuserdb: status result")

type BoltUserDBOption func(*boltUserDB)

// WithTimeout bounds how long New waits for the file lock.
func WithTimeout(d time.Duration) BoltUserDBOption {
	return func(db *boltUserDB) {
		db.timeout = d
	}
}

type boltUserDB struct {
	db      *bolt.DB
	timeout time.Duration
}

func getUser(tx *bolt.Tx, loginName string) (*userdb.User, error) {
	raw := tx.Bucket([]byte(usersBucket)).Get([]byte(loginName))
	if raw == nil {
		return nil, userdb.ErrNoSuchUser
	}
	u := new(userdb.User)
	if err := cbor.Unmarshal(raw, u); err != nil {
		return nil, fmt.Errorf("boltuserdb: corrupted user record: %v", err)
	}
	return u, nil
}

func getUserBy(tx *bolt.Tx, index string, key []byte) (*userdb.User, error) {
	loginName := tx.Bucket([]byte(index)).Get(key)
	if loginName == nil {
		return nil, userdb.ErrNoSuchUser
	}
	return getUser(tx, string(loginName))
}

func putUser(tx *bolt.Tx, u *userdb.User) error {
	raw, err := cbor.Marshal(u)
	if err != nil {
		return err
	}
	name := []byte(u.LoginName)
	if err = tx.Bucket([]byte(usersBucket)).Put(name, raw); err != nil {
		return err
	}
	if err = tx.Bucket([]byte(loginIDBucket)).Put(u.LoginID, name); err != nil {
		return err
	}
	if err = tx.Bucket([]byte(restoreIDBucket)).Put(u.RestoreID, name); err != nil {
		return err
	}
	return tx.Bucket([]byte(tokenBucket)).Put(u.LoginToken, name)
}

func (d *boltUserDB) Register(args *commands.RegistrationArgs) (*commands.AuthenticationResult, error) {
	u, err := userdb.NewUser(args)
	if err != nil {
		return nil, err
	}

	var result *commands.AuthenticationResult
	err = d.db.Update(func(tx *bolt.Tx) error {
		switch {
		case tx.Bucket([]byte(usersBucket)).Get([]byte(u.LoginName)) != nil:
			result = commands.NewFailure(commands.LoginUnavailable)
		case tx.Bucket([]byte(loginIDBucket)).Get(u.LoginID) != nil:
			result = commands.NewFailure(commands.LoginIDUnavailable)
		case tx.Bucket([]byte(restoreIDBucket)).Get(u.RestoreID) != nil:
			result = commands.NewFailure(commands.RestoreIDUnavailable)
		default:
			result = u.Success()
			return putUser(tx, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *boltUserDB) LoginByToken(token []byte) (*commands.AuthenticationResult, error) {
	if len(token) == 0 {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	var result *commands.AuthenticationResult
	err := d.db.View(func(tx *bolt.Tx) error {
		u, err := getUserBy(tx, tokenBucket, token)
		if err != nil {
			return err
		}
		result = u.Success()
		return nil
	})
	if errors.Is(err, userdb.ErrNoSuchUser) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	return result, err
}

func (d *boltUserDB) DerivationParams(loginName string) (*derivation.Params, error) {
	var params *derivation.Params
	err := d.db.View(func(tx *bolt.Tx) error {
		u, err := getUser(tx, loginName)
		if err != nil {
			return err
		}
		params = u.DerivationParams
		return nil
	})
	return params, err
}

func (d *boltUserDB) ACOByLoginName(loginName string, loginID []byte) ([]byte, error) {
	var packed []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		u, err := getUser(tx, loginName)
		if err != nil {
			return err
		}
		if !u.LoginIDMatches(loginID) {
			return userdb.ErrNoSuchUser
		}
		packed = u.PackedACO
		return nil
	})
	return packed, err
}

func (d *boltUserDB) ACOByRestoreID(restoreID []byte) ([]byte, error) {
	if len(restoreID) == 0 {
		return nil, userdb.ErrNoSuchUser
	}
	var packed []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		u, err := getUserBy(tx, restoreIDBucket, restoreID)
		if err != nil {
			return err
		}
		packed = u.PackedACO
		return nil
	})
	return packed, err
}

func (d *boltUserDB) LoginByKey(loginName string, k *signing.PublicKey) (*commands.AuthenticationResult, error) {
	var result *commands.AuthenticationResult
	err := d.db.View(func(tx *bolt.Tx) error {
		u, err := getUser(tx, loginName)
		if err != nil {
			return err
		}
		if !u.KeyMatches(k) {
			return userdb.ErrNoSuchUser
		}
		result = u.Success()
		return nil
	})
	if errors.Is(err, userdb.ErrNoSuchUser) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	return result, err
}

func (d *boltUserDB) UpdateAccessControlData(loginName string, upd *userdb.Update) (*commands.AuthenticationResult, error) {
	if err := userdb.ValidateUpdate(upd); err != nil {
		return nil, err
	}

	var result *commands.AuthenticationResult
	err := d.db.Update(func(tx *bolt.Tx) error {
		u, err := getUser(tx, loginName)
		if err != nil {
			return err
		}
		if !u.KeyMatches(upd.SignerPublicKey) {
			result = commands.NewFailure(commands.LoginUnavailable)
			return errStatus
		}
		owner := tx.Bucket([]byte(loginIDBucket)).Get(upd.LoginID)
		if owner != nil && !bytes.Equal(owner, []byte(loginName)) {
			result = commands.NewFailure(commands.LoginIDUnavailable)
			return errStatus
		}

		oldToken := u.LoginToken
		oldLoginID, err := u.Apply(upd)
		if err != nil {
			return err
		}
		if err = tx.Bucket([]byte(loginIDBucket)).Delete(oldLoginID); err != nil {
			return err
		}
		if err = tx.Bucket([]byte(tokenBucket)).Delete(oldToken); err != nil {
			return err
		}
		result = u.Success()
		return putUser(tx, u)
	})
	switch {
	case errors.Is(err, errStatus):
		return result, nil
	case err != nil:
		return nil, err
	}
	return result, nil
}

func (d *boltUserDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a user database with the given file name f.
func New(f string, opts ...BoltUserDBOption) (userdb.UserDB, error) {
	d := new(boltUserDB)
	for _, opt := range opts {
		opt(d)
	}

	var err error
	d.db, err = bolt.Open(f, 0600, &bolt.Options{Timeout: d.timeout})
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{usersBucket, loginIDBucket, restoreIDBucket, tokenBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("boltuserdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		d.db.Close()
		return nil, err
	}

	return d, nil
}
