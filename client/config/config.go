// config.go - superlogin client configuration.
// Copyright (C) 2018  Yawning Angel, David Stainton.
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

// Package config implements the configuration for the superlogin client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/superlogin/client"
	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/derivation"
)

const defaultLogLevel = "NOTICE"

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the superlogin server the client connects to.
type Server struct {
	// Network is the network of Address, "tcp" if omitted.
	Network string

	// Address is the address of the server.
	Address string
}

func (sCfg *Server) validate() error {
	if sCfg.Network == "" {
		sCfg.Network = "tcp"
	}
	switch sCfg.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: Server: Network '%v' is invalid", sCfg.Network)
	}
	if sCfg.Address == "" {
		return errors.New("config: Server: Address is not set")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Keys selects the login key scheme and password derivation used for new
// registrations and password changes.
type Keys struct {
	// Strength is the login key signature scheme.
	Strength string

	// Algorithm is the password stretching function.
	Algorithm string

	// Rounds is the cost of Algorithm.
	Rounds int
}

func (kCfg *Keys) applyDefaults() {
	if kCfg.Strength == "" {
		kCfg.Strength = string(signing.Default)
	}
	if kCfg.Algorithm == "" {
		kCfg.Algorithm = string(derivation.PBKDF2SHA3_256)
	}
	if kCfg.Rounds == 0 {
		kCfg.Rounds = derivation.DefaultRounds
		if derivation.Algorithm(kCfg.Algorithm) == derivation.Argon2id {
			kCfg.Rounds = derivation.DefaultArgon2Rounds
		}
	}
}

func (kCfg *Keys) validate() error {
	if _, err := signing.Strength(kCfg.Strength).Scheme(); err != nil {
		return fmt.Errorf("config: Keys: Strength '%v' is invalid", kCfg.Strength)
	}
	maxRounds, err := derivation.MaxRounds(derivation.Algorithm(kCfg.Algorithm))
	if err != nil {
		return fmt.Errorf("config: Keys: Algorithm '%v' is invalid", kCfg.Algorithm)
	}
	if kCfg.Rounds < 0 || kCfg.Rounds > maxRounds {
		return fmt.Errorf("config: Keys: Rounds %v is invalid", kCfg.Rounds)
	}
	return nil
}

// Config is the top level superlogin client configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Keys    *Keys

	// StateFile is the path of the encrypted login state file.
	StateFile string
}

// Options returns the client options selected by the configuration.
func (cfg *Config) Options() []client.Option {
	return []client.Option{
		client.WithKeyStrength(signing.Strength(cfg.Keys.Strength)),
		client.WithDerivation(derivation.Algorithm(cfg.Keys.Algorithm), cfg.Keys.Rounds),
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Keys == nil {
		cfg.Keys = &Keys{}
	}
	cfg.Keys.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Keys.validate(); err != nil {
		return err
	}
	if cfg.StateFile == "" {
		return errors.New("config: StateFile is not set")
	}
	if !filepath.IsAbs(cfg.StateFile) {
		return fmt.Errorf("config: StateFile '%v' is not an absolute path", cfg.StateFile)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
