// Package engine executes scans: it consumes an immutable plan plus live
// positioner, detector and counter objects, drives the acquisition loop with
// settle/trigger/wait/read/record ordering, publishes progress to the shared
// store, and honors operator pause and abort requests at every point
// boundary.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"

	stepscan "github.com/stepscan-labs/stepscan/pkg/stepscan/v1"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/metrics"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
	scantracing "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/tracing"

	"github.com/stepscan-labs/stepscan/internal/config"
	intEvents "github.com/stepscan-labs/stepscan/internal/events"
	intMetrics "github.com/stepscan-labs/stepscan/internal/metrics"
	"github.com/stepscan-labs/stepscan/internal/retry"
	"github.com/stepscan-labs/stepscan/internal/scan"
	intScandb "github.com/stepscan-labs/stepscan/internal/scandb"
	intTracing "github.com/stepscan-labs/stepscan/internal/tracing"
)

const tracerName = "stepscan-engine"

const (
	// defaultPollInterval bounds every suspension point: pause checks,
	// trigger-done polls and move waits all yield at this rate, so abort
	// latency stays well under one point's dwell time.
	defaultPollInterval = 25 * time.Millisecond

	// defaultPosMoveTimeout is how long a positioner's advisory completion
	// signal is waited for before the readback is accepted as close enough.
	defaultPosMoveTimeout = 30 * time.Second

	// armTimeout bounds the wait for detector arm-complete flags in row mode.
	armTimeout = 2 * time.Second

	// fileWriteTimeout bounds the wait for a detector's file writer to
	// flush a row's frames.
	fileWriteTimeout = 10 * time.Second
)

// Engine executes scans one at a time against a shared store and a device
// connector. It is safe to hold one Engine per process and feed it scans
// sequentially; a second concurrent run is rejected.
type Engine struct {
	store           scandb.Store
	connector       device.Connector
	eventBus        events.Bus
	metricsProvider metrics.RegistryProvider
	tracerProvider  scantracing.TracerProvider
	log             scanlog.Logger
	retryHelper     *retry.Helper

	dataDir        string
	pollInterval   time.Duration
	posMoveTimeout time.Duration

	// runMu enforces one scan at a time within this engine. The command
	// queue already serializes scans across the process; this guards
	// against programmatic misuse.
	runMu   sync.Mutex
	running bool

	scanCounter     *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	pointDuration   prometheus.Histogram
	pointsCompleted prometheus.Counter
	scanActiveGauge prometheus.Gauge
	pointRetries    prometheus.Counter
	rowRedos        prometheus.Counter
	abortsHonored   prometheus.Counter
}

var _ stepscan.EngineV1 = (*Engine)(nil)

// NewEngine creates an engine, applying options and falling back to default
// collaborators (in-memory store, NoOp bus and tracer, Prometheus registry)
// for anything not provided.
func NewEngine(log scanlog.Logger, opts ...stepscan.EngineOption) (*Engine, error) {
	if log == nil {
		return nil, scanerrors.NewConfigError("logger cannot be nil", nil)
	}

	e := &Engine{
		log:            log,
		dataDir:        ".",
		pollInterval:   defaultPollInterval,
		posMoveTimeout: defaultPosMoveTimeout,
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, scanerrors.NewConfigError(fmt.Sprintf("failed to apply engine option: %v", err), err)
		}
	}

	if e.store == nil {
		e.log.Warnf("No scan store provided, using default in-memory store.")
		e.store = intScandb.NewMemoryStore()
	}
	if e.eventBus == nil {
		e.log.Warnf("No event bus provided, using default NoOp bus.")
		e.eventBus = intEvents.NewNoOpEventBus()
	}
	if e.metricsProvider == nil {
		e.log.Warnf("No metrics provider provided, using default Prometheus provider.")
		e.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if e.tracerProvider == nil {
		e.log.Warnf("No tracer provider provided, using default NoOp provider.")
		tp, err := intTracing.NewNoOpProvider()
		if err != nil {
			return nil, scanerrors.NewConfigError("failed to create default NoOp tracer provider", err)
		}
		e.tracerProvider = tp
	}

	e.retryHelper = retry.NewHelper(e.log)
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	reg := e.metricsProvider.Registry()
	if reg == nil {
		e.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}

	e.scanCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stepscan_scan_runs_total", Help: "Total number of scan runs by kind and final status."},
		[]string{"kind", "status"},
	)
	reg.MustRegister(e.scanCounter)

	e.scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "stepscan_scan_run_duration_seconds", Help: "Duration of scan runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12)},
	)
	reg.MustRegister(e.scanDuration)

	e.pointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "stepscan_point_duration_seconds", Help: "Duration of individual scan points in seconds.",
			Buckets: prometheus.DefBuckets},
	)
	reg.MustRegister(e.pointDuration)

	e.pointsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stepscan_points_completed_total", Help: "Total number of scan points recorded."},
	)
	reg.MustRegister(e.pointsCompleted)

	e.scanActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "stepscan_scan_active", Help: "Whether a scan is currently executing (0 or 1)."},
	)
	reg.MustRegister(e.scanActiveGauge)

	e.pointRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stepscan_point_retries_total", Help: "Total number of point re-acquisitions after trigger timeouts."},
	)
	reg.MustRegister(e.pointRetries)

	e.rowRedos = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stepscan_row_redos_total", Help: "Total number of slew rows re-acquired after bad row data."},
	)
	reg.MustRegister(e.rowRedos)

	e.abortsHonored = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stepscan_aborts_honored_total", Help: "Total number of operator abort requests honored."},
	)
	reg.MustRegister(e.abortsHonored)

	e.log.Debugf("Prometheus metrics initialized and registered.")
}

// PointRetryCounter, RowRedoCounter and AbortCounter expose the event-driven
// counters so a metrics event listener can increment them.
func (e *Engine) PointRetryCounter() prometheus.Counter { return e.pointRetries }
func (e *Engine) RowRedoCounter() prometheus.Counter    { return e.rowRedos }
func (e *Engine) AbortCounter() prometheus.Counter      { return e.abortsHonored }

// MetricsRegistryProvider returns the engine's metrics provider.
func (e *Engine) MetricsRegistryProvider() metrics.RegistryProvider { return e.metricsProvider }

// TracerProvider returns the engine's tracer provider.
func (e *Engine) TracerProvider() scantracing.TracerProvider { return e.tracerProvider }

func (e *Engine) SetStore(store scandb.Store) error {
	if store == nil {
		return scanerrors.NewConfigError("scan store cannot be nil", nil)
	}
	e.store = store
	return nil
}

func (e *Engine) SetConnector(conn device.Connector) error {
	if conn == nil {
		return scanerrors.NewConfigError("device connector cannot be nil", nil)
	}
	e.connector = conn
	return nil
}

func (e *Engine) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return scanerrors.NewConfigError("event bus cannot be nil", nil)
	}
	e.eventBus = bus
	return nil
}

func (e *Engine) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if provider == nil {
		return scanerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	e.metricsProvider = provider
	return nil
}

func (e *Engine) SetTracerProvider(provider scantracing.TracerProvider) error {
	if provider == nil {
		return scanerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	e.tracerProvider = provider
	return nil
}

func (e *Engine) SetDataDir(dir string) error {
	if dir == "" {
		return scanerrors.NewConfigError("data directory cannot be empty", nil)
	}
	e.dataDir = dir
	return nil
}

func (e *Engine) SetPollInterval(interval time.Duration) error {
	if interval <= 0 {
		return scanerrors.NewConfigError("poll interval must be positive", nil)
	}
	e.pollInterval = interval
	return nil
}

func (e *Engine) SetPositionerMoveTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return scanerrors.NewConfigError("positioner move timeout must be positive", nil)
	}
	e.posMoveTimeout = timeout
	return nil
}

// RunScanByName loads a named definition from the store and runs it.
func (e *Engine) RunScanByName(ctx context.Context, name string) (*stepscan.ScanReport, error) {
	doc, err := e.store.GetScanDefinition(name)
	if err != nil {
		return nil, scanerrors.NewConfigError(fmt.Sprintf("scan definition '%s' not found in store", name), err)
	}
	return e.RunScan(ctx, doc)
}

// RunScan executes one scan from its definition YAML: validate and build the
// plan, prepare hardware, run the acquisition loop, and clean up on every
// exit path. It blocks until the run reaches a terminal status.
func (e *Engine) RunScan(ctx context.Context, definitionYAML []byte) (finalReport *stepscan.ScanReport, finalErr error) {
	if e.connector == nil {
		return nil, scanerrors.NewConfigError("engine has no device connector", nil)
	}

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return nil, scanerrors.NewConfigError("a scan is already in progress", nil)
	}
	e.running = true
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
	}()

	tracer := e.tracerProvider.GetTracer(tracerName)
	runCtx, span := tracer.Start(ctx, "stepscan.scan.run")
	defer span.End()

	startTime := time.Now()
	e.scanActiveGauge.Set(1)
	defer e.scanActiveGauge.Set(0)

	def, err := config.LoadScanDefinition(definitionYAML, "scan-definition")
	if err != nil {
		e.log.Errorf("Failed to load or validate scan definition: %v", err)
		intTracing.RecordError(span, err)
		return nil, err
	}

	plan, err := scan.BuildPlan(def, e.connector)
	if err != nil {
		e.log.Errorf("Failed to build scan plan '%s': %v", def.Name, err)
		intTracing.RecordError(span, err)
		return nil, scanerrors.NewPrepareError("build", err)
	}

	span.SetAttributes(
		attribute.String("stepscan.scan.name", plan.Name),
		attribute.String("stepscan.scan.kind", plan.Kind),
		attribute.Int("stepscan.scan.total_points", plan.TotalPoints),
	)

	r := &run{
		e:     e,
		plan:  plan,
		state: NewRunState(),
	}

	defer func() {
		endTime := time.Now()
		duration := endTime.Sub(startTime)
		status := r.state.Status()

		finalReport = &stepscan.ScanReport{
			ScanName:        plan.Name,
			Kind:            plan.Kind,
			Status:          status.String(),
			StartTime:       startTime,
			EndTime:         endTime,
			Duration:        duration,
			TotalPoints:     plan.TotalPoints,
			CompletedPoints: r.state.CurrentPoint(),
			PointRetries:    r.totalRetries,
			RowRedos:        r.totalRedos,
			DataFile:        r.dataFilePath,
		}
		if finalErr != nil && !scanerrors.IsAbort(finalErr) {
			finalReport.Error = finalErr.Error()
		}

		e.scanDuration.Observe(duration.Seconds())
		e.scanCounter.WithLabelValues(plan.Kind, status.String()).Inc()

		span.SetAttributes(
			attribute.String("stepscan.scan.status", status.String()),
			attribute.Int("stepscan.scan.completed_points", finalReport.CompletedPoints),
			attribute.Int64("stepscan.scan.duration_ms", duration.Milliseconds()),
		)
		if finalErr != nil && !scanerrors.IsAbort(finalErr) {
			intTracing.RecordError(span, finalErr)
		} else {
			span.SetStatus(codes.Ok, "")
		}

		e.eventBus.Emit(events.Event{
			Type: events.ScanEnd, Timestamp: endTime, ScanName: plan.Name,
			Payload: map[string]interface{}{"status": status.String(), "points": finalReport.CompletedPoints},
		})
		e.log.Infof("Scan '%s' finished with status %s (%d/%d points, %v)",
			plan.Name, status, finalReport.CompletedPoints, plan.TotalPoints,
			duration.Truncate(time.Millisecond))
	}()

	e.eventBus.Emit(events.Event{
		Type: events.ScanStart, Timestamp: startTime, ScanName: plan.Name,
		Payload: map[string]interface{}{"kind": plan.Kind, "total_points": plan.TotalPoints},
	})

	finalErr = r.execute(runCtx)
	return finalReport, finalErr
}

// run is the per-execution context: one plan, one run state, one data file.
type run struct {
	e     *Engine
	plan  *scan.Plan
	state *RunState

	files         runFiles
	dataFilePath  string
	origPositions map[string]float64
	totalRetries  int
	totalRedos    int
	cleanedUp     bool

	// pointTimes holds recent point durations for the time-remaining
	// estimate published to the store.
	pointTimes []time.Duration
}

// execute drives one run through prepare, loop and cleanup. Cleanup runs on
// every exit path, exactly once.
func (r *run) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		r.setStatus(StatusAborted)
		r.publishError(err)
		r.postScan()
		return err
	}

	var loopErr error
	if r.plan.Kind == config.KindSlew {
		loopErr = r.runRows(ctx)
	} else {
		loopErr = r.runPoints(ctx)
	}

	switch {
	case loopErr == nil:
		r.setStatus(StatusFinished)
	case scanerrors.IsAbort(loopErr):
		r.setStatus(StatusAborting)
		r.setStatus(StatusAborted)
		r.e.eventBus.Emit(events.Event{
			Type: events.AbortHonored, Timestamp: time.Now(), ScanName: r.plan.Name,
			Point: r.state.CurrentPoint(),
		})
	default:
		r.setStatus(StatusAborting)
		r.setStatus(StatusAborted)
		r.publishError(loopErr)
	}

	r.postScan()
	return loopErr
}

// checkAbort polls the store's abort flag. Cancellation of the run context
// counts as an abort so server shutdown cannot strand a moving scan.
func (r *run) checkAbort(ctx context.Context) error {
	if ctx.Err() != nil || r.e.store.GetInfoBool(scandb.InfoRequestAbort) {
		return scanerrors.NewAbortError(r.state.CurrentPoint())
	}
	return nil
}

// waitWhilePaused suspends at a point boundary while the pause flag is set.
// This is the only place mid-scan where the engine yields to external
// control for an unbounded time; abort still breaks the wait.
func (r *run) waitWhilePaused(ctx context.Context) error {
	if !r.e.store.GetInfoBool(scandb.InfoRequestPause) {
		return nil
	}
	r.setStatus(StatusPaused)
	r.e.eventBus.Emit(events.Event{Type: events.StatusChanged, Timestamp: time.Now(),
		ScanName: r.plan.Name, Payload: map[string]interface{}{"status": "paused"}})
	for r.e.store.GetInfoBool(scandb.InfoRequestPause) {
		if err := r.checkAbort(ctx); err != nil {
			return err
		}
		sleepFor(ctx, r.e.pollInterval)
	}
	r.setStatus(StatusRunning)
	r.publishProgress(fmt.Sprintf("resumed at point %d", r.state.CurrentPoint()))
	return nil
}

// setStatus transitions the run state and mirrors it into the store.
// Transition failures indicate an engine bug and are logged, not returned:
// a scan must never die on a bookkeeping error.
func (r *run) setStatus(s Status) {
	if err := r.state.Transition(s); err != nil {
		r.e.log.Errorf("Scan '%s': %v", r.plan.Name, err)
		return
	}
	r.setInfo(scandb.InfoScanStatus, s.String())
}

func (r *run) setInfo(key, value string) {
	if err := r.e.store.SetInfo(key, value); err != nil {
		r.e.log.Warnf("Failed to publish %s to scan store: %v", key, err)
	}
}

func (r *run) publishProgress(msg string) {
	r.setInfo(scandb.InfoScanProgress, msg)
}

func (r *run) publishError(err error) {
	r.setInfo(scandb.InfoLastError, err.Error())
	r.e.log.Errorf("Scan '%s' error: %v", r.plan.Name, err)
}

// publishPoint updates the live progress keys after a completed point or
// row, including a time-remaining estimate from recent point durations.
func (r *run) publishPoint(point int, took time.Duration) {
	total := r.plan.TotalPoints
	r.setInfo(scandb.InfoScanCurrentPoint, strconv.Itoa(point+1))
	r.publishProgress(fmt.Sprintf("point %d of %d", point+1, total))

	r.pointTimes = append(r.pointTimes, took)
	if len(r.pointTimes) > 10 {
		r.pointTimes = r.pointTimes[len(r.pointTimes)-10:]
	}
	var sum time.Duration
	for _, d := range r.pointTimes {
		sum += d
	}
	avg := sum / time.Duration(len(r.pointTimes))
	remaining := time.Duration(total-point-1) * avg
	r.setInfo(scandb.InfoScanTimeEstimate, strconv.FormatFloat(remaining.Seconds(), 'f', 1, 64))
}

// initScanData declares the run's data columns in the store and seeds the
// live info keys GUI clients poll.
func (r *run) initScanData() error {
	if err := r.e.store.ClearScanData(); err != nil {
		return err
	}
	for _, pos := range r.plan.Positioners {
		if err := r.e.store.AddScanData(pos.Name(), pos.PVName(), pos.Units(), "positioner", nil); err != nil {
			return err
		}
	}
	for _, c := range r.plan.AllCounters() {
		if err := r.e.store.AddScanData(c.Label(), c.PVName(), c.Units(), "counter", nil); err != nil {
			return err
		}
	}
	for _, c := range r.plan.AllArrayCounters() {
		if err := r.e.store.AddScanData(c.Label(), c.PVName(), c.Units(), "array", nil); err != nil {
			return err
		}
	}

	r.setInfo(scandb.InfoRequestAbort, "0")
	r.setInfo(scandb.InfoScanTotalPoints, strconv.Itoa(r.plan.TotalPoints))
	r.setInfo(scandb.InfoScanCurrentPoint, "0")
	r.setInfo(scandb.InfoScanTimeEstimate,
		strconv.FormatFloat(r.plan.EstimatedDuration().Seconds(), 'f', 1, 64))
	r.setInfo(scandb.InfoLastError, "")
	return nil
}

// readExtraPVs samples the low-frequency metadata channels.
func (r *run) readExtraPVs() []extraReading {
	out := make([]extraReading, 0, len(r.plan.ExtraPVs))
	for _, epv := range r.plan.ExtraPVs {
		v, err := epv.Channel.Get()
		if err != nil {
			r.e.log.Warnf("Extra PV '%s' read failed: %v", epv.Label, err)
			continue
		}
		out = append(out, extraReading{label: epv.Label, pvname: epv.Channel.Name(), value: v})
	}
	return out
}

type extraReading struct {
	label  string
	pvname string
	value  float64
}
