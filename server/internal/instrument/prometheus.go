//go:build !noprometheus
// +build !noprometheus

// Package instrument exports superlogin server metrics to prometheus.
package instrument

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/wire/commands"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "superlogin",
			Name:      "commands_total",
			Help:      "Number of commands received, by command",
		},
		[]string{"command"},
	)
	authResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "superlogin",
			Name:      "authentication_results_total",
			Help:      "Number of authentication results, by command and status",
		},
		[]string{"command", "status"},
	)
	decoysServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "superlogin",
			Name:      "decoys_served_total",
			Help:      "Number of decoy replies served for unknown login names",
		},
		[]string{"kind"},
	)
	signedRecordsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "superlogin",
			Name:      "signed_records_rejected_total",
			Help:      "Number of signed records rejected for a stale nonce or bad signature",
		},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "superlogin",
			Name:      "sessions",
			Help:      "Number of open client sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, authResults, decoysServed, signedRecordsRejected, sessions)
}

// Start exposes the registered metrics over HTTP on address.
func Start(address string, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Exposing metrics on http://%s/metrics", address)
	return srv
}

// Command increments the counter for received commands.
func Command(cmd commands.Command) {
	commandsTotal.WithLabelValues(cmd.String()).Inc()
}

// AuthResult increments the counter for authentication results.
func AuthResult(cmd commands.Command, status commands.Status) {
	authResults.WithLabelValues(cmd.String(), status.String()).Inc()
}

// DecoyServed increments the counter for decoy replies.
func DecoyServed(kind string) {
	decoysServed.WithLabelValues(kind).Inc()
}

// SignedRecordRejected increments the counter for rejected signed records.
func SignedRecordRejected() {
	signedRecordsRejected.Inc()
}

// SessionOpened increments the open session gauge.
func SessionOpened() {
	sessions.Inc()
}

// SessionClosed decrements the open session gauge.
func SessionClosed() {
	sessions.Dec()
}
