// Package metrics exposes Prometheus instrumentation for the room core.
// Served on a dedicated listener so the fiber app stays websocket-only.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whiteboard"

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of rooms currently resident in the registry.",
	})

	ParticipantsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "participants_connected",
		Help:      "Number of live websocket participants across all rooms.",
	})

	OperationsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_broadcast_total",
		Help:      "Operations fanned out to room peers, by operation type.",
	}, []string{"type"})

	CacheWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_warnings_total",
		Help:      "Rooms whose operation cache crossed the warning threshold.",
	})

	SnapshotRelays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_relays_total",
		Help:      "Peer snapshot replies forwarded to late joiners.",
	})

	SnapshotRepliesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_replies_dropped_total",
		Help:      "Late snapshot replies dropped after the first-reply win.",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed or invalid inbound frames that were dropped.",
	})
)

// Serve starts the metrics endpoint on addr. Runs until the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[Metrics] Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[Metrics] Server stopped: %v", err)
	}
}
