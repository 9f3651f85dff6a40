// config_test.go - Superlogin server configuration tests.
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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	_, err := Load(nil)
	assert.Error(err, "Load() with nil config")
	_, err = Load([]byte(""))
	assert.Error(err, "Load() with empty config")

	const basicConfig = `# A basic configuration example.
[server]
Address = "127.0.0.1:29483"
DataDir = "/var/lib/superlogin"

[Logging]
Level = "debug"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	assert.Equal("tcp", cfg.Server.Network)
	assert.Equal("DEBUG", cfg.Logging.Level)
	assert.Equal("bolt", cfg.UserDB.Backend)
	assert.Equal("/var/lib/superlogin/userdb.db", cfg.UserDB.Bolt.UserDB)
	assert.Equal("/var/lib/superlogin/decoy.key", cfg.Server.DecoyKeyFile)
	assert.Equal(15000, cfg.Derivation.Rounds)
	assert.Equal("PBKDF2-SHA3-256", cfg.Derivation.Algorithm)
	assert.Equal(32, cfg.Debug.NonceSize)
}

func TestConfigErrors(t *testing.T) {
	for name, body := range map[string]string{
		"relative datadir": "[Server]\nDataDir = \"relative\"\n",
		"bad level":        "[Server]\nDataDir = \"/tmp\"\n[Logging]\nLevel = \"LOUD\"\n",
		"bad backend":      "[Server]\nDataDir = \"/tmp\"\n[UserDB]\nBackend = \"mysql\"\n",
		"pgx without dsn":  "[Server]\nDataDir = \"/tmp\"\n[UserDB]\nBackend = \"pgx\"\n",
		"bad network":      "[Server]\nDataDir = \"/tmp\"\nNetwork = \"udp\"\n",
		"bad algorithm":    "[Server]\nDataDir = \"/tmp\"\n[Derivation]\nAlgorithm = \"md5\"\n",
		"argon2 rounds":    "[Server]\nDataDir = \"/tmp\"\n[Derivation]\nAlgorithm = \"Argon2id\"\nRounds = 15000\n",
		"unknown key":      "[Server]\nDataDir = \"/tmp\"\nColour = \"blue\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "server.toml")
	body := "[Server]\nDataDir = \"/tmp\"\n[UserDB]\nBackend = \"memory\"\n[Metrics]\nAddress = \"127.0.0.1:9100\"\n"
	require.NoError(os.WriteFile(f, []byte(body), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("memory", cfg.UserDB.Backend)
	require.Equal("127.0.0.1:9100", cfg.Metrics.Address)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
