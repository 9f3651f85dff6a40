// config_test.go - superlogin client configuration tests.
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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	_, err := Load(nil)
	assert.Error(err, "Load() with nil config")

	const basicConfig = `StateFile = "/home/alice/.superlogin/state"

[Server]
Address = "127.0.0.1:29483"

[Keys]
Algorithm = "Argon2id"
Rounds = 3
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	assert.Equal("tcp", cfg.Server.Network)
	assert.Equal("NOTICE", cfg.Logging.Level)
	assert.Equal("Ed25519", cfg.Keys.Strength)
	assert.Equal("Argon2id", cfg.Keys.Algorithm)
	assert.Equal(3, cfg.Keys.Rounds)
	assert.Len(cfg.Options(), 2)
}

func TestConfigErrors(t *testing.T) {
	for name, body := range map[string]string{
		"no server":          "StateFile = \"/tmp/state\"\n",
		"no address":         "StateFile = \"/tmp/state\"\n[Server]\nNetwork = \"tcp\"\n",
		"bad network":        "StateFile = \"/tmp/state\"\n[Server]\nNetwork = \"sctp\"\nAddress = \"x\"\n",
		"bad level":          "StateFile = \"/tmp/state\"\n[Server]\nAddress = \"x\"\n[Logging]\nLevel = \"LOUD\"\n",
		"bad strength":       "StateFile = \"/tmp/state\"\n[Server]\nAddress = \"x\"\n[Keys]\nStrength = \"RSA\"\n",
		"bad algorithm":      "StateFile = \"/tmp/state\"\n[Server]\nAddress = \"x\"\n[Keys]\nAlgorithm = \"MD5\"\n",
		"argon2 rounds":      "StateFile = \"/tmp/state\"\n[Server]\nAddress = \"x\"\n[Keys]\nAlgorithm = \"Argon2id\"\nRounds = 100000\n",
		"no statefile":       "[Server]\nAddress = \"x\"\n",
		"relative statefile": "StateFile = \"state\"\n[Server]\nAddress = \"x\"\n",
		"undecoded key":      "StateFile = \"/tmp/state\"\nColour = \"red\"\n[Server]\nAddress = \"x\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}
