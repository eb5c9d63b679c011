// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveStreams tracks relay sessions currently held in the occupancy table.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macreplay_active_streams",
		Help: "Active relay sessions per portal.",
	}, []string{"portal"})

	// PortalRequests counts upstream portal RPCs by operation and outcome.
	PortalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macreplay_portal_requests_total",
		Help: "Upstream portal requests by operation and outcome.",
	}, []string{"op", "outcome"})

	// MacRotations counts move-to-tail rotations per portal.
	MacRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macreplay_mac_rotations_total",
		Help: "MAC credential rotations per portal.",
	}, []string{"portal"})

	// ArtifactRefreshSeconds observes playlist/lineup/EPG rebuild durations.
	ArtifactRefreshSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macreplay_artifact_refresh_seconds",
		Help:    "Derived artifact rebuild duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"artifact"})

	// RelayExits counts relay child process exits by status class.
	RelayExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macreplay_relay_exits_total",
		Help: "Relay process exits by status (ok, error, killed).",
	}, []string{"status"})
)
