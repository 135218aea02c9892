package server

import "github.com/alimasry/go-whiteboard/metrics"

const subsystem = "relay"

var (
	connectedClients = metrics.NewGauge(
		"connected_clients",
		subsystem,
		"Number of clients joined to a document",
		[]string{},
	).WithLabelValues()

	activeSessions = metrics.NewGauge(
		"sessions",
		subsystem,
		"Number of documents with a running session",
		[]string{},
	).WithLabelValues()

	bytesRelayed = metrics.NewCounter(
		"bytes_relayed_total",
		subsystem,
		"Number of bytes appended to document logs",
		[]string{},
	).WithLabelValues()

	accessDenied = metrics.NewCounter(
		"access_denied_total",
		subsystem,
		"Number of joins refused for a wrong token",
		[]string{},
	).WithLabelValues()
)
