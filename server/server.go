// server.go - Superlogin server.
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

// Package server provides the superlogin server: it accepts client
// connections, keeps one session per connection, and serves the
// superlogin command set on top of a userdb.UserDB.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/config"
	"github.com/katzenpost/superlogin/server/internal/instrument"
	"github.com/katzenpost/superlogin/server/internal/profiling"
	"github.com/katzenpost/superlogin/server/userdb"
	"github.com/katzenpost/superlogin/server/userdb/boltuserdb"
	"github.com/katzenpost/superlogin/server/userdb/memuserdb"
	"github.com/katzenpost/superlogin/server/userdb/pgxuserdb"
)


// Option configures a Server beyond its Config.
type Option func(*Server)

// WithUserDB makes the server use db instead of the configured backend.
func WithUserDB(db userdb.UserDB) Option {
	return func(s *Server) {
		s.userDB = db
	}
}

// WithLogBackend makes the server log to b instead of the configured
// destination.
func WithLogBackend(b *log.Backend) Option {
	return func(s *Server) {
		s.logBackend = b
	}
}

// Server is a superlogin server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	userDB   userdb.UserDB
	decoys   *decoys
	listener *listener
	metrics  *http.Server

	haltOnce sync.Once
	haltedCh chan interface{}
}

func (s *Server) initLogging() error {
	if s.logBackend != nil {
		return nil
	}
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	return err
}

func (s *Server) initUserDB() error {
	if s.userDB != nil {
		return nil
	}
	var err error
	switch s.cfg.UserDB.Backend {
	case "bolt":
		s.userDB, err = boltuserdb.New(s.cfg.UserDB.Bolt.UserDB)
	case "memory":
		s.log.Warning("Using the in-memory user database, users will be lost on restart.")
		s.userDB = memuserdb.New()
	case "pgx":
		s.userDB, err = pgxuserdb.New(s.cfg.UserDB.Pgx.DataSourceName, s.cfg.UserDB.Pgx.MaxConnections, s.logBackend, s.cfg.Logging.Level)
	default:
		err = fmt.Errorf("server: unknown userdb backend '%v'", s.cfg.UserDB.Backend)
	}
	return err
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Info("Log rotated.")
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.l.Addr()
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}
	if s.metrics != nil {
		s.metrics.Shutdown(context.Background())
		s.metrics = nil
	}
	if s.userDB != nil {
		s.userDB.Close()
		s.userDB = nil
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}
	for _, o := range opts {
		o(s)
	}

	if err := os.MkdirAll(s.cfg.Server.DataDir, 0700); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	s.log = s.logBackend.GetLogger("server")
	s.log.Notice("Superlogin server is still pre-alpha.  DO NOT DEPEND ON IT FOR STRONG SECURITY OR ANONYMITY.")

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	if err := profiling.Start(s.log, s.cfg.Profiling.ServerAddress, s.cfg.Profiling.AppName); err != nil && s.cfg.Profiling.Enable {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}

	var err error
	decoyParams := &derivation.Params{
		Rounds:    s.cfg.Derivation.Rounds,
		Algorithm: derivation.Algorithm(s.cfg.Derivation.Algorithm),
	}
	if s.decoys, err = newDecoys(s.cfg.Server.DecoyKeyFile, decoyParams, s.cfg.Server.DecoyACOSize); err != nil {
		s.log.Errorf("Failed to initialize decoys: %v", err)
		return nil, err
	}
	if err = s.initUserDB(); err != nil {
		s.log.Errorf("Failed to initialize user database: %v", err)
		return nil, err
	}

	if s.cfg.Metrics.Address != "" {
		s.metrics = instrument.Start(s.cfg.Metrics.Address, s.logBackend.GetLogger("metrics"))
	}

	if s.listener, err = newListener(s); err != nil {
		s.log.Errorf("Failed to start listener: %v", err)
		return nil, err
	}

	isOk = true
	return s, nil
}
