// boltuserdb_test.go - boltuserdb tests.
// Copyright (C) 2017  Yawning Angel
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

package boltuserdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/server/userdb"
	"github.com/katzenpost/superlogin/server/userdb/userdbtest"
)

func TestBoltUserDB(t *testing.T) {
	userdbtest.Run(t, func(t *testing.T) userdb.UserDB {
		d, err := New(filepath.Join(t.TempDir(), "userdb.db"))
		require.NoError(t, err)
		return d
	})
}

func TestBoltUserDBReload(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "userdb.db")
	d, err := New(f)
	require.NoError(err)

	args, key := userdbtest.NewRegistration(t, "alice")
	reg, err := d.Register(args)
	require.NoError(err)
	require.Equal(commands.Success, reg.Status)
	d.Close()

	d, err = New(f)
	require.NoError(err)
	defer d.Close()

	res, err := d.LoginByToken(reg.LoginToken)
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
	res, err = d.LoginByKey("alice", key.PublicKey())
	require.NoError(err)
	require.Equal(commands.Success, res.Status)
}

func TestBoltUserDBVersion(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "userdb.db")
	db, err := bolt.Open(f, 0600, nil)
	require.NoError(err)
	require.NoError(db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}))
	require.NoError(db.Close())

	_, err = New(f)
	require.Error(err)
}
