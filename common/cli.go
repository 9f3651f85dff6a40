// Package common provides shared utilities for the superlogin CLI tools.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ErrPasswordMismatch is the error returned when a confirmed password prompt
// gets two different answers.
var ErrPasswordMismatch = errors.New("passwords do not match")

// ExecuteWithFang executes a cobra command using fang with the standard
// superlogin options.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage creates an error handler that displays the error
// followed by usage help for CLI argument errors.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			helpFunc := cmd.HelpFunc()
			if helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
		} else {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
		}
	}
}

// isUsageError determines if an error is related to CLI usage and should
// trigger automatic display of usage help.
func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
		"config file must be specified",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}

// ReadPassword prompts on w and reads a password from the terminal without
// echo.  When confirm is set the password is asked for twice.
func ReadPassword(w io.Writer, prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	_, _ = fmt.Fprint(w, prompt+": ")
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(pw), nil
	}
	_, _ = fmt.Fprint(w, "Repeat "+strings.ToLower(prompt)+": ")
	again, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	if string(pw) != string(again) {
		return "", ErrPasswordMismatch
	}
	return string(pw), nil
}

var (
	secretTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	secretStyle      = lipgloss.NewStyle().
				Bold(true).
				Border(lipgloss.RoundedBorder()).
				Padding(0, 2)
)

// PrintSecret shows a restore secret on w, followed by a QR code of it when
// qr is set.
func PrintSecret(w io.Writer, secret string, qr bool) {
	_, _ = fmt.Fprintln(w, secretTitleStyle.Render("Write down your restore secret, it is shown only once:"))
	_, _ = fmt.Fprintln(w, secretStyle.Render(secret))
	if !qr {
		return
	}
	qrterminal.GenerateWithConfig(secret, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     w,
		HalfBlocks: true,
		QuietZone:  1,
	})
}
