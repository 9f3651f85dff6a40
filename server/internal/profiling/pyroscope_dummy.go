//go:build !pyroscope
// +build !pyroscope

// Package profiling starts continuous profiling of the server.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a dummy function that does nothing.
func Start(log *logging.Logger, serverAddress, appName string) error {
	log.Info("Pyroscope is disabled")
	return nil
}
