//go:build pyroscope
// +build pyroscope

// Package profiling starts continuous profiling of the server.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling.  Empty arguments fall back to the
// PYROSCOPE_SERVER_ADDRESS and PYROSCOPE_APP_NAME environment variables.
func Start(log *logging.Logger, serverAddress, appName string) error {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		return errors.New("profiling: no pyroscope server address configured")
	}
	if appName == "" {
		appName = os.Getenv("PYROSCOPE_APP_NAME")
	}
	if appName == "" {
		appName = "superlogin.server"
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": "superlogin",
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s", serverAddress, appName)
	return nil
}
