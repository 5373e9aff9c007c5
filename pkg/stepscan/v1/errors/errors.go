package errors

import (
	"errors"
	"fmt"
	"time"
)

// --- Core Error Types ---

// ConfigError represents an error encountered while loading or applying
// engine options or server configuration.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (a scan definition, its schema
// version, detector options) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// LimitViolationError indicates that a positioner's target array falls
// outside the device's configured travel limits. It is always a hard
// precondition failure: the scan never starts moving hardware.
type LimitViolationError struct {
	Positioner string
	Low, High  float64
	Min, Max   float64
}

func NewLimitViolationError(positioner string, low, high, min, max float64) *LimitViolationError {
	return &LimitViolationError{Positioner: positioner, Low: low, High: high, Min: min, Max: max}
}
func (e *LimitViolationError) Error() string {
	return fmt.Sprintf("limit violation: positioner '%s' targets [%g, %g] exceed travel limits [%g, %g]",
		e.Positioner, e.Min, e.Max, e.Low, e.High)
}

// PrepareError represents a failure during scan preparation: an invalid
// plan, a failed limit check, or a device pre-scan hook that returned an
// error. No hardware motion has occurred when a PrepareError is raised,
// so it is always safely recoverable.
type PrepareError struct {
	Stage string // e.g. "validate", "limits", "pre_scan", "datafile"
	Cause error
}

func NewPrepareError(stage string, cause error) *PrepareError {
	return &PrepareError{Stage: stage, Cause: cause}
}
func (e *PrepareError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("scan preparation failed: %v", e.Cause)
	}
	return fmt.Sprintf("scan preparation failed (%s): %v", e.Stage, e.Cause)
}
func (e *PrepareError) Unwrap() error { return e.Cause }

// TransientTimeoutError indicates that a single positioner move or detector
// trigger exceeded its wait budget. It is recoverable: point mode retries
// the point a bounded number of times, row mode redoes the row.
type TransientTimeoutError struct {
	Device  string // positioner label, trigger name, or detector label
	Phase   string // "move", "trigger", "arm", "file_write"
	Elapsed time.Duration
}

func NewTransientTimeoutError(device, phase string, elapsed time.Duration) *TransientTimeoutError {
	return &TransientTimeoutError{Device: device, Phase: phase, Elapsed: elapsed}
}
func (e *TransientTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s of '%s' after %v", e.Phase, e.Device, e.Elapsed)
}

// IsTransientTimeout checks whether an error is a TransientTimeoutError
// using errors.As.
func IsTransientTimeout(err error) bool {
	var te *TransientTimeoutError
	return errors.As(err, &te)
}

// AbortError signals that an operator abort request was honored. It is a
// cooperative control signal, not a fault: already-persisted point records
// remain valid and post-scan cleanup still runs.
type AbortError struct {
	Point int // point or row index at which the abort was observed
}

func NewAbortError(point int) *AbortError {
	return &AbortError{Point: point}
}
func (e *AbortError) Error() string {
	return fmt.Sprintf("scan aborted at point %d", e.Point)
}

// IsAbort checks whether an error is an AbortError using errors.As.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// ScanExecutionError represents a fatal error during the acquisition loop
// that could not be tolerated or retried away. The engine catches it at the
// top of the run, forces aborted status, and still runs cleanup.
type ScanExecutionError struct {
	ScanName string
	Cause    error
}

func NewScanExecutionError(scanName string, cause error) *ScanExecutionError {
	return &ScanExecutionError{ScanName: scanName, Cause: cause}
}
func (e *ScanExecutionError) Error() string {
	if e.ScanName == "" {
		return fmt.Sprintf("scan execution failed: %v", e.Cause)
	}
	return fmt.Sprintf("scan '%s' execution failed: %v", e.ScanName, e.Cause)
}
func (e *ScanExecutionError) Unwrap() error { return e.Cause }

// DetectorNotFoundError indicates that a detector kind named in a scan
// definition is not registered with the detector registry.
type DetectorNotFoundError struct {
	Kind string
}

func NewDetectorNotFoundError(kind string) *DetectorNotFoundError {
	return &DetectorNotFoundError{Kind: kind}
}
func (e *DetectorNotFoundError) Error() string {
	return fmt.Sprintf("detector kind not registered: %s", e.Kind)
}
