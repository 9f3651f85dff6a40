//go:build noprometheus
// +build noprometheus

package instrument

import (
	"net/http"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/wire/commands"
)

// Start does nothing.
func Start(address string, log *logging.Logger) *http.Server {
	log.Notice("Metrics are disabled")
	return nil
}

// Command does nothing.
func Command(cmd commands.Command) {}

// AuthResult does nothing.
func AuthResult(cmd commands.Command, status commands.Status) {}

// DecoyServed does nothing.
func DecoyServed(kind string) {}

// SignedRecordRejected does nothing.
func SignedRecordRejected() {}

// SessionOpened does nothing.
func SessionOpened() {}

// SessionClosed does nothing.
func SessionClosed() {}
