// Package scandb defines the interface to the shared scan database: the
// store holding scan definitions, live status flags, buffered scan data,
// and the command queue. The engine is the sole writer of scan progress
// and data rows during a run; GUI and monitoring clients read the same
// store. Exclusion of concurrent scans is enforced by the command queue,
// not by the store.
package scandb

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound indicates that a requested info key does not exist.
var ErrKeyNotFound = errors.New("key not found in scan store")

// ErrCommandNotFound indicates that a command id is unknown to the store.
var ErrCommandNotFound = errors.New("command not found in scan store")

// Well-known info keys. The engine and server read and write these; GUI
// clients poll them for live display.
const (
	InfoRequestAbort    = "request_abort"
	InfoRequestPause    = "request_pause"
	InfoRequestShutdown = "request_shutdown"
	InfoScanStatus      = "scan_status"
	InfoScanProgress    = "scan_progress"
	InfoScanCurrentPoint = "scan_current_point"
	InfoScanTotalPoints  = "scan_total_points"
	InfoScanTimeEstimate = "scan_time_estimate"
	InfoLastError        = "last_error"
	InfoFilename         = "filename"
	InfoHeartbeat        = "heartbeat"
)

// CommandStatus is the lifecycle status of a queued scan command.
type CommandStatus string

const (
	CommandRequested CommandStatus = "requested"
	CommandStarting  CommandStatus = "starting"
	CommandRunning   CommandStatus = "running"
	CommandFinished  CommandStatus = "finished"
	CommandAborted   CommandStatus = "aborted"
	CommandCanceled  CommandStatus = "canceled"
)

// Command is one row of the command queue: a pending scan request enqueued
// by an operator, a macro, or a remote client.
type Command struct {
	ID        uuid.UUID
	Name      string // e.g. "scan", "slewscan", "shutdown"
	Arguments string // scan definition name plus options
	Status    CommandStatus
	RunOrder  int
	Requested time.Time
}

// InfoReader is the read-only view of the store's info table. Monitoring
// clients receive this interface.
type InfoReader interface {
	// GetInfo retrieves the value for an info key. It returns the value and
	// true if the key exists, otherwise an empty string and false.
	GetInfo(key string) (string, bool)

	// GetInfoBool interprets an info key as a boolean flag. Missing keys
	// and unparsable values read as false.
	GetInfoBool(key string) bool
}

// Store defines the operations the engine and server need from the shared
// scan database. Implementations must be safe for concurrent use: the
// engine writes progress while GUI clients poll.
type Store interface {
	InfoReader

	// SetInfo stores an info key/value pair, overwriting any prior value.
	SetInfo(key, value string) error

	// AddScanData declares a named data column (positioner or counter)
	// before the run starts. Values may be empty.
	AddScanData(label, pvname, units, notes string, values []float64) error

	// SetScanData replaces the buffered values for a column. Used per point
	// in step mode and per row (superseding a redone row) in slew mode.
	SetScanData(label string, values []float64) error

	// AppendScanData appends values to a column's buffer, used for bulk
	// array appends in row mode.
	AppendScanData(label string, values []float64) error

	// GetScanData returns a copy of a column's buffered values.
	GetScanData(label string) ([]float64, bool)

	// ClearScanData removes all data columns, run before a new scan.
	ClearScanData() error

	// GetScanDefinition returns the stored definition document (YAML) for
	// a named scan.
	GetScanDefinition(name string) ([]byte, error)

	// PutScanDefinition stores or replaces a named scan definition.
	PutScanDefinition(name string, doc []byte) error

	// AddCommand enqueues a command and returns its id.
	AddCommand(name, arguments string) (uuid.UUID, error)

	// PendingCommands returns commands with status 'requested', ordered by
	// run order.
	PendingCommands() ([]Command, error)

	// GetCommand returns a queued command by id, whatever its status.
	GetCommand(id uuid.UUID) (Command, error)

	// SetCommandStatus records the result of command processing.
	SetCommandStatus(id uuid.UUID, status CommandStatus) error

	// Close releases any resources held by the store (e.g. database
	// connections).
	Close() error
}
