package events

import "time"

// EventType represents the type of a scan engine event.
type EventType string

// Standard scan engine event types.
const (
	ScanStart         EventType = "ScanStart"         // engine accepted a plan, preparation begins
	ScanEnd           EventType = "ScanEnd"           // run reached a terminal status
	StatusChanged     EventType = "StatusChanged"     // run-state transition (running, paused, ...)
	PointComplete     EventType = "PointComplete"     // one point record was produced and persisted
	PointRetry        EventType = "PointRetry"        // point redone after a trigger timeout
	RowStart          EventType = "RowStart"          // row-mode: a trajectory row began
	RowRedo           EventType = "RowRedo"           // row-mode: a bad row is being re-acquired
	BreakpointReached EventType = "BreakpointReached" // extra fields captured, buffers flushed
	AbortHonored      EventType = "AbortHonored"      // an operator abort request was observed
)

// Event represents a significant occurrence within the scan engine.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// ScanName identifies the scan context, if applicable.
	ScanName string `json:"scan_name,omitempty"`
	// Point identifies the point (or row) index context, if applicable.
	Point int `json:"point,omitempty"`
	// Payload contains event-specific data, such as the old and new status
	// for StatusChanged or the elapsed trigger time for PointRetry.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing events within the scan engine.
// Implementations could include logging, metrics listeners, or a GUI feed.
type Bus interface {
	// Emit publishes an event to the bus.
	// Implementations should be non-blocking or handle blocking carefully:
	// Emit is called from inside the acquisition loop, where a stall would
	// delay the next point.
	Emit(event Event)
}
