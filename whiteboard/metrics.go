package whiteboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alimasry/go-whiteboard/metrics"
)

const subsystem = "client"

const (
	outcomeEcho      = "echo"
	outcomeApplied   = "applied"
	outcomeBootstrap = "bootstrap"
	outcomeOOB       = "oob"
)

var (
	groupsSent = metrics.NewCounter(
		"groups_sent_total",
		subsystem,
		"Number of groups transmitted",
		[]string{},
	).WithLabelValues()

	groupsReceived = metrics.NewCounter(
		"groups_received_total",
		subsystem,
		"Number of groups received, by outcome",
		[]string{"outcome"},
	)

	bytesSent = metrics.NewCounter(
		"bytes_sent_total",
		subsystem,
		"Number of payload bytes transmitted after compression",
		[]string{},
	).WithLabelValues()

	reconnects = metrics.NewCounter(
		"reconnects_total",
		subsystem,
		"Number of reconnect attempts",
		[]string{},
	).WithLabelValues()

	applyLatency = metrics.NewHistogramWithBuckets(
		"apply_seconds",
		subsystem,
		"Time spent applying a batch of received groups",
		[]string{},
		prometheus.ExponentialBuckets(0.0001, 4, 8),
	).WithLabelValues()
)
