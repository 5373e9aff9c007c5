package v1

import (
	"context"
	"time"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/metrics"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/tracing"
)

// EngineV1 defines the public interface of the step-scan execution engine.
type EngineV1 interface {
	// RunScan executes a scan from its raw definition YAML. It blocks until
	// the run reaches a terminal status; abort and pause are requested
	// through the store's control flags while it runs.
	RunScan(ctx context.Context, definitionYAML []byte) (*ScanReport, error)

	// RunScanByName loads a named definition from the store and runs it.
	RunScanByName(ctx context.Context, name string) (*ScanReport, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring engine collaborators programmatically.
	SetStore(store scandb.Store) error
	SetConnector(conn device.Connector) error
	SetEventBus(bus events.Bus) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetDataDir(dir string) error
	SetPollInterval(interval time.Duration) error
	SetPositionerMoveTimeout(timeout time.Duration) error
}

// EngineOption is a function type used to configure the engine at creation.
type EngineOption func(EngineV1) error

// ScanReport summarizes one completed (or aborted) scan run.
type ScanReport struct {
	ScanName        string        `json:"scan_name"`
	Kind            string        `json:"kind"`
	Status          string        `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	TotalPoints     int           `json:"total_points"`
	CompletedPoints int           `json:"completed_points"`
	PointRetries    int           `json:"point_retries"`
	RowRedos        int           `json:"row_redos"`
	DataFile        string        `json:"data_file,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// WithStore is an engine option to provide the shared scan store.
func WithStore(store scandb.Store) EngineOption {
	return func(e EngineV1) error {
		if store == nil {
			return scanerrors.NewConfigError("scan store cannot be nil", nil)
		}
		return e.SetStore(store)
	}
}

// WithConnector is an engine option to provide the device connector.
func WithConnector(conn device.Connector) EngineOption {
	return func(e EngineV1) error {
		if conn == nil {
			return scanerrors.NewConfigError("device connector cannot be nil", nil)
		}
		return e.SetConnector(conn)
	}
}

// WithEventBus is an engine option to provide a custom event bus.
func WithEventBus(bus events.Bus) EngineOption {
	return func(e EngineV1) error {
		if bus == nil {
			return scanerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return e.SetEventBus(bus)
	}
}

// WithMetricsRegistryProvider is an engine option to provide a custom
// metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return scanerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an engine option to provide a custom tracer provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return scanerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return e.SetTracerProvider(provider)
	}
}

// WithDataDir is an engine option setting where data files are written.
func WithDataDir(dir string) EngineOption {
	return func(e EngineV1) error {
		if dir == "" {
			return scanerrors.NewConfigError("data directory cannot be empty", nil)
		}
		return e.SetDataDir(dir)
	}
}

// WithPollInterval is an engine option setting the bounded poll interval of
// every suspension point (pause checks, trigger-done polls, move waits).
// Cancellation latency is bounded by this interval.
func WithPollInterval(interval time.Duration) EngineOption {
	return func(e EngineV1) error {
		if interval <= 0 {
			return scanerrors.NewConfigError("poll interval must be positive", nil)
		}
		return e.SetPollInterval(interval)
	}
}

// WithPositionerMoveTimeout is an engine option bounding how long the engine
// waits for a positioner's advisory completion signal before accepting the
// readback as close enough.
func WithPositionerMoveTimeout(timeout time.Duration) EngineOption {
	return func(e EngineV1) error {
		if timeout <= 0 {
			return scanerrors.NewConfigError("positioner move timeout must be positive", nil)
		}
		return e.SetPositionerMoveTimeout(timeout)
	}
}
