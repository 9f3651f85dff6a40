// main.go - superlogin server binary.
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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/superlogin/common"
	"github.com/katzenpost/superlogin/server"
	"github.com/katzenpost/superlogin/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	ValidateOnly bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "superlogin-server",
		Short: "Superlogin password authentication server",
		Long: `The superlogin server stores access control objects for users that log in
with a login name and password, without ever learning the password.

Clients register a login public key derived from the password, log in by
signing a per-connection nonce with it, and can recover an account with a
restore secret when the password is lost.  Unknown login names are answered
with stable decoys so that the server does not reveal which names exist.

The server is designed to run as a long-lived daemon process.  It reopens
its log file on SIGHUP and shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  # Start server with default configuration
  superlogin-server

  # Start server with custom configuration file
  superlogin-server --config /etc/superlogin/server.toml

  # Validate configuration without starting server
  superlogin-server -f /etc/superlogin/server.toml --validate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "superlogin.toml",
		"path to the server configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.ValidateOnly, "validate-only", false,
		"load and validate the configuration file and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// handleSignals halts svr on SIGINT/SIGTERM and reopens its log on SIGHUP.
func handleSignals(svr *server.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				svr.RotateLog()
				continue
			}
			svr.Shutdown()
			return
		}
	}()
}

func runServer(cfg Config) error {
	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.ValidateOnly {
		fmt.Printf("%s: OK\n", cfg.ConfigFile)
		return nil
	}

	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()
	handleSignals(svr)

	svr.Wait()
	return nil
}
