package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the engine's metrics registry.
// This allows consumers of the stepscan library to expose metrics via their chosen
// method (e.g., a Prometheus HTTP endpoint on the scan server).
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing scan engine metrics.
	Registry() *prometheus.Registry
}
