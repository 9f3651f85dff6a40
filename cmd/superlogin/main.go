// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/superlogin/aco"
	"github.com/katzenpost/superlogin/client"
	"github.com/katzenpost/superlogin/client/config"
	"github.com/katzenpost/superlogin/common"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/statefile"
)

const defaultTimeout = 2 * time.Minute

// profile is the application data this tool keeps with each account.
type profile struct {
	Note string
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "superlogin",
		Short: "Superlogin command line client",
		Long: `A command line client for superlogin servers.

The login state is kept in an encrypted state file, so that a login
survives between invocations without asking for the password again.
The state file passphrase is local to this machine and is unrelated to
the account password.`,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (required)")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newRegisterCommand(&configFile))
	cmd.AddCommand(newLoginCommand(&configFile))
	cmd.AddCommand(newPasswdCommand(&configFile))
	cmd.AddCommand(newResetCommand(&configFile))
	cmd.AddCommand(newLogoutCommand(&configFile))
	cmd.AddCommand(newWhoamiCommand(&configFile))

	return cmd
}

type session struct {
	cfg        *config.Config
	logBackend *log.Backend
	writer     *statefile.StateWriter[profile]
	client     *client.Client[profile]
}

func newLogBackend(cfg *config.Logging) (*log.Backend, error) {
	if cfg.File == "" && !cfg.Disable {
		return log.NewWithWriter(os.Stderr, cfg.Level)
	}
	return log.New(cfg.File, cfg.Level, cfg.Disable)
}

func openSession(configFile string) (*session, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	logBackend, err := newLogBackend(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := logBackend.GetLogger("superlogin")

	var (
		writer *statefile.StateWriter[profile]
		saved  *client.ClientState[profile]
	)
	if _, err := os.Stat(cfg.StateFile); err == nil {
		passphrase, err := common.ReadPassword(os.Stderr, "State file passphrase", false)
		if err != nil {
			return nil, err
		}
		if writer, saved, err = statefile.Load[profile](logger, cfg.StateFile, []byte(passphrase)); err != nil {
			return nil, err
		}
	} else {
		passphrase, err := common.ReadPassword(os.Stderr, "New state file passphrase", true)
		if err != nil {
			return nil, err
		}
		if err = os.MkdirAll(filepath.Dir(cfg.StateFile), 0700); err != nil {
			return nil, err
		}
		if writer, err = statefile.New[profile](logger, cfg.StateFile, []byte(passphrase)); err != nil {
			return nil, err
		}
	}
	writer.Start()

	opts := append(cfg.Options(), client.WithLogBackend(logBackend))
	t := client.NewNetTransport(client.DialNetwork(cfg.Server.Network, cfg.Server.Address), opts...)
	c := client.New[profile](t, aco.CBORCodec[profile]{}, saved, opts...)

	return &session{
		cfg:        cfg,
		logBackend: logBackend,
		writer:     writer,
		client:     c,
	}, nil
}

// close persists the final login state and shuts everything down.
func (s *session) close() error {
	s.client.Close()
	err := s.writer.Write(s.client.State().State)
	s.writer.Halt()
	return err
}

func withSession(configFile string, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	err = fn(ctx, s)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

func newRegisterCommand(configFile *string) *cobra.Command {
	var note string
	var qr bool

	cmd := &cobra.Command{
		Use:   "register <login name>",
		Short: "Register a new account and log in",
		Example: `  # Register alice and show the restore secret as a QR code
  superlogin register -c client.toml --qr alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				password, err := common.ReadPassword(os.Stderr, "Password", true)
				if err != nil {
					return err
				}
				res, err := s.client.Register(ctx, args[0], password, profile{Note: note})
				if err != nil {
					return err
				}
				switch res.Status {
				case client.RegistrationSuccess:
				case client.InvalidLogin:
					return fmt.Errorf("login name '%s' is not available", args[0])
				default:
					return fmt.Errorf("registration failed: %v", res.Err)
				}
				fmt.Printf("Registered and logged in as %s\n", res.LoginName)
				common.PrintSecret(os.Stdout, res.Secret, qr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note to store with the account")
	cmd.Flags().BoolVar(&qr, "qr", false, "also show the restore secret as a QR code")

	return cmd
}

func newLoginCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login <login name>",
		Short: "Log in with a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				password, err := common.ReadPassword(os.Stderr, "Password", false)
				if err != nil {
					return err
				}
				st, err := s.client.LoginByPassword(ctx, args[0], password)
				if err != nil {
					return err
				}
				if st == nil {
					return errors.New("login failed")
				}
				fmt.Printf("Logged in as %s\n", st.LoginName)
				return nil
			})
		},
	}
}

func newPasswdCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the password of the logged in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				oldPassword, err := common.ReadPassword(os.Stderr, "Current password", false)
				if err != nil {
					return err
				}
				newPassword, err := common.ReadPassword(os.Stderr, "New password", true)
				if err != nil {
					return err
				}
				ok, err := s.client.ChangePassword(ctx, oldPassword, newPassword)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("password change failed")
				}
				fmt.Println("Password changed")
				return nil
			})
		},
	}
}

func newResetCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <restore secret>",
		Short: "Set a new password with the restore secret and log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				newPassword, err := common.ReadPassword(os.Stderr, "New password", true)
				if err != nil {
					return err
				}
				st, err := s.client.ResetPasswordAndLogin(ctx, args[0], newPassword)
				if err != nil {
					return err
				}
				if st == nil {
					return errors.New("restore secret was not accepted")
				}
				fmt.Printf("Password reset, logged in as %s\n", st.LoginName)
				return nil
			})
		},
	}
}

func newLogoutCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the login token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				if err := s.client.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

func newWhoamiCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configFile, func(ctx context.Context, s *session) error {
				st := s.client.State().State
				if st == nil {
					fmt.Println("Not logged in")
					return nil
				}
				fmt.Printf("Logged in as %s\n", st.LoginName)
				if st.Data.Note != "" {
					fmt.Printf("Note: %s\n", st.Data.Note)
				}
				return nil
			})
		},
	}
}
