// config.go - Superlogin server configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config implements the superlogin server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/superlogin/derivation"
)

const (
	defaultNetwork   = "tcp"
	defaultAddress   = "127.0.0.1:8645"
	defaultLogLevel  = "NOTICE"
	defaultUserDB    = "userdb.db"
	defaultDecoyKey  = "decoy.key"
	defaultDecoySize = 300
	defaultNonceSize = 32

	backendBolt   = "bolt"
	backendMemory = "memory"
	backendPgx    = "pgx"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the superlogin server configuration.
type Server struct {
	// Network is the listener network, "tcp" or "unix".
	Network string

	// Address is the listener address.
	Address string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// DecoyKeyFile is the file holding the key used to derive stable decoy
	// derivation parameters for unknown login names.  Relative paths are
	// resolved against DataDir.
	DecoyKeyFile string

	// DecoyACOSize is the size of the decoy access control object served
	// before any real one has been seen.
	DecoyACOSize int
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Network == "" {
		sCfg.Network = defaultNetwork
	}
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.DecoyKeyFile == "" {
		sCfg.DecoyKeyFile = defaultDecoyKey
	}
	if !filepath.IsAbs(sCfg.DecoyKeyFile) {
		sCfg.DecoyKeyFile = filepath.Join(sCfg.DataDir, sCfg.DecoyKeyFile)
	}
	if sCfg.DecoyACOSize <= 0 {
		sCfg.DecoyACOSize = defaultDecoySize
	}
}

func (sCfg *Server) validate() error {
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	switch sCfg.Network {
	case "tcp", "tcp4", "tcp6":
		if _, _, err := net.SplitHostPort(sCfg.Address); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
		}
	case "unix":
	default:
		return fmt.Errorf("config: Server: Network '%v' is invalid", sCfg.Network)
	}
	return nil
}

// Logging is the superlogin logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// Validate normalizes and checks the logging configuration.
func (lCfg *Logging) Validate() error {
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

// UserDB is the userdb backend configuration.
type UserDB struct {
	// Backend is the active userdb backend.  If left empty, the BoltUserDB
	// backend will be used (`bolt`).
	Backend string

	// BoltDB backed userdb (`bolt`).
	Bolt *BoltUserDB

	// PostgreSQL backed userdb (`pgx`).
	Pgx *PgxUserDB
}

// BoltUserDB is the BoltDB implementation of userdb.
type BoltUserDB struct {
	// UserDB is the path to the user database.  If left empty it will use
	// `userdb.db` under the DataDir.
	UserDB string
}

// PgxUserDB is the PostgreSQL implementation of userdb.
type PgxUserDB struct {
	// DataSourceName is the pgx connection string.
	//
	//  https://godoc.org/github.com/jackc/pgx#ParseConnectionString
	DataSourceName string

	// MaxConnections is the connection pool size.
	MaxConnections int
}

func (uCfg *UserDB) applyDefaults(sCfg *Server) {
	if uCfg.Backend == "" {
		uCfg.Backend = backendBolt
	}
	if uCfg.Backend == backendBolt {
		if uCfg.Bolt == nil {
			uCfg.Bolt = &BoltUserDB{}
		}
		if uCfg.Bolt.UserDB == "" {
			uCfg.Bolt.UserDB = filepath.Join(sCfg.DataDir, defaultUserDB)
		}
	}
}

func (uCfg *UserDB) validate() error {
	switch uCfg.Backend {
	case backendBolt:
		if !filepath.IsAbs(uCfg.Bolt.UserDB) {
			return fmt.Errorf("config: UserDB: UserDB '%v' is not an absolute path", uCfg.Bolt.UserDB)
		}
	case backendMemory:
	case backendPgx:
		if uCfg.Pgx == nil || uCfg.Pgx.DataSourceName == "" {
			return errors.New("config: UserDB: pgx backend requires a DataSourceName")
		}
	default:
		return fmt.Errorf("config: UserDB: Backend '%v' is invalid", uCfg.Backend)
	}
	return nil
}

// Derivation are the parameters handed to clients asking for a login name
// that does not exist.  They should match what clients register with, so
// that decoys are indistinguishable from real users.
type Derivation struct {
	Rounds    int
	Algorithm string
}

func (dCfg *Derivation) applyDefaults() {
	if dCfg.Algorithm == "" {
		dCfg.Algorithm = string(derivation.PBKDF2SHA3_256)
	}
	if dCfg.Rounds == 0 {
		dCfg.Rounds = derivation.DefaultRounds
		if derivation.Algorithm(dCfg.Algorithm) == derivation.Argon2id {
			dCfg.Rounds = derivation.DefaultArgon2Rounds
		}
	}
}

func (dCfg *Derivation) validate() error {
	maxRounds, err := derivation.MaxRounds(derivation.Algorithm(dCfg.Algorithm))
	if err != nil {
		return fmt.Errorf("config: Derivation: Algorithm '%v' is invalid", dCfg.Algorithm)
	}
	if dCfg.Rounds < 0 || dCfg.Rounds > maxRounds {
		return fmt.Errorf("config: Derivation: Rounds %v is invalid", dCfg.Rounds)
	}
	return nil
}

// Metrics is the prometheus exporter configuration.
type Metrics struct {
	// Address is the HTTP listen address, metrics are disabled if empty.
	Address string
}

// Profiling is the continuous profiling configuration.
type Profiling struct {
	Enable        bool
	ServerAddress string
	AppName       string
}

// Debug is the superlogin server debug configuration.
type Debug struct {
	// NonceSize is the size of session nonces in bytes.
	NonceSize int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NonceSize < 16 {
		dCfg.NonceSize = defaultNonceSize
	}
}

// Config is the top level superlogin server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	UserDB     *UserDB
	Derivation *Derivation
	Metrics    *Metrics
	Profiling  *Profiling

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.UserDB == nil {
		cfg.UserDB = &UserDB{}
	}
	if cfg.Derivation == nil {
		cfg.Derivation = &Derivation{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Profiling == nil {
		cfg.Profiling = &Profiling{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.UserDB.applyDefaults(cfg.Server)
	cfg.Derivation.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	if err := cfg.UserDB.validate(); err != nil {
		return err
	}
	return cfg.Derivation.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

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
