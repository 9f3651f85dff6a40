// server_shutdown_test.go - Superlogin server tests.
// Copyright (C) 2018  David Stainton.
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

package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/superlogin/server/config"
)

func TestServerStartShutdown(t *testing.T) {
	assert := assert.New(t)

	datadir := t.TempDir()

	cfg := config.Config{
		Server: &config.Server{
			Address: "127.0.0.1:0",
			DataDir: datadir,
		},
		Logging: &config.Logging{
			Disable: false,
			File:    "server.log",
			Level:   "DEBUG",
		},
	}

	err := cfg.FixupAndValidate()
	assert.NoError(err)

	s, err := New(&cfg)
	require.NoError(t, err)
	assert.NotNil(s.Addr())

	// The bolt userdb, the decoy key and the log file live in the data dir.
	for _, f := range []string{"userdb.db", "decoy.key", "server.log"} {
		_, err = os.Stat(filepath.Join(datadir, f))
		assert.NoError(err, f)
	}

	s.RotateLog()
	s.Shutdown()
	s.Wait()

	// The decoy key survives restarts.
	key, err := os.ReadFile(filepath.Join(datadir, "decoy.key"))
	require.NoError(t, err)
	s, err = New(&cfg)
	require.NoError(t, err)
	s.Shutdown()
	key2, err := os.ReadFile(filepath.Join(datadir, "decoy.key"))
	require.NoError(t, err)
	assert.Equal(key, key2)
}
