// Package metrics defines the prometheus collectors for the relay
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest metrics
var (
	// IngestChunksTotal counts chunks received per channel
	IngestChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_chunks_total",
			Help: "Total chunks received from uploaders by channel",
		},
		[]string{"channel"},
	)

	// IngestBytesTotal counts bytes received per channel
	IngestBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_bytes_total",
			Help: "Total bytes received from uploaders by channel",
		},
		[]string{"channel"},
	)

	// IngestRejectedTotal counts rejected chunks by reason (forbidden, internal)
	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_rejected_total",
			Help: "Total chunks rejected at ingest by reason",
		},
		[]string{"reason"},
	)

	// IngestStreamsCurrent tracks uploads in progress
	IngestStreamsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ingest_streams_current",
			Help: "Number of upload streams currently open",
		},
	)
)

// Broadcast metrics
var (
	// DeliveriesTotal counts per-subscriber sends by result (ok, failed)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total per-subscriber chunk deliveries by result",
		},
		[]string{"result"},
	)

	// SubscribersCurrent tracks connected viewers per channel
	SubscribersCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_subscribers_current",
			Help: "Number of viewers currently subscribed by channel",
		},
		[]string{"channel"},
	)

	// BroadcastDuration tracks how long one fan-out takes
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_broadcast_duration_seconds",
			Help:    "Time taken to fan one chunk out to all subscribers",
			Buckets: []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
		},
	)
)
