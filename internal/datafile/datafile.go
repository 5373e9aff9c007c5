// Package datafile writes scan results to flat ASCII files in an XDI-derived
// column format. Files are written incrementally, header first and then one
// line per point, flushed often enough that a live viewer can tail the file
// while the scan runs.
package datafile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	fileTop      = "#XDI/1.1    StepScan Data File"
	fileVersion  = "2.0"
	comment      = "#"
	commentBlock = "///  Users Comments  ///"
	// sep separates a header value from its channel address.
	sep = " || "
	// numFormat matches the fixed-width numeric columns viewers expect.
	numFormat = "% 15f"
)

// Column describes one data column: positioners first, counters after.
type Column struct {
	Label  string
	PVName string
	Units  string
}

// ExtraValue is one extra-PV reading captured at scan start or a breakpoint.
type ExtraValue struct {
	Label  string
	PVName string
	Value  string
}

// ASCIIFile is an incremental writer for one scan run's data file.
type ASCIIFile struct {
	path    string
	file    *os.File
	w       *bufio.Writer
	columns []Column

	// flushEvery bounds how many point lines may sit in the buffer before
	// a forced flush. Header blocks always flush immediately.
	flushEvery int
	unflushed  int
}

// Create opens a new data file, auto-incrementing the numeric suffix if the
// path already exists so earlier runs are never overwritten.
func Create(path string, columns []Column) (*ASCIIFile, error) {
	path = NextName(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	af := &ASCIIFile{
		path:       path,
		file:       f,
		w:          bufio.NewWriter(f),
		columns:    append([]Column(nil), columns...),
		flushEvery: 5,
	}
	if err := af.writeLine("%s / %s", fileTop, fileVersion); err != nil {
		f.Close()
		return nil, err
	}
	return af, nil
}

// Path returns the actual path written to, after auto-increment.
func (a *ASCIIFile) Path() string { return a.path }

// WriteHeader writes the start timestamp and the column legend. Call once
// before the first point.
func (a *ASCIIFile) WriteHeader(scanName, comments string) error {
	if err := a.writeLine("%s Scan.start_time: %s", comment, timestamp()); err != nil {
		return err
	}
	if scanName != "" {
		if err := a.writeLine("%s Scan.name: %s", comment, scanName); err != nil {
			return err
		}
	}
	if comments != "" {
		if err := a.writeLine("%s %s", comment, commentBlock); err != nil {
			return err
		}
		for _, line := range strings.Split(comments, "\n") {
			if err := a.writeLine("%s %s", comment, line); err != nil {
				return err
			}
		}
	}
	if err := a.writeLegend(); err != nil {
		return err
	}
	if err := a.writeLine("%s---------------------------------", comment); err != nil {
		return err
	}
	labels := make([]string, len(a.columns))
	for i, col := range a.columns {
		labels[i] = fmt.Sprintf("%13s", col.Label)
	}
	if err := a.writeLine("%s %s", comment, strings.Join(labels, " ")); err != nil {
		return err
	}
	return a.w.Flush()
}

func (a *ASCIIFile) writeLegend() error {
	if err := a.writeLine("%s Legend.Start: Column.N: Name  units %s PV", comment, strings.TrimSpace(sep)); err != nil {
		return err
	}
	for i, col := range a.columns {
		units := col.Units
		if units == "" {
			units = "unknown"
		}
		entry := fmt.Sprintf("%s Column.%d: %s  %s", comment, i+1, col.Label, units)
		if len(entry) < 45 {
			entry = (entry + strings.Repeat(" ", 45))[:45]
		}
		if err := a.writeLine("%s%s%s", entry, sep, col.PVName); err != nil {
			return err
		}
	}
	return a.writeLine("%s Legend.End: ~~~~~~~~~~", comment)
}

// WriteXAFSParams records the edge energy and region table in the header
// block, so analysis tools can recover the scan construction.
func (a *ASCIIFile) WriteXAFSParams(e0 float64, regions []string) error {
	if err := a.writeLine("%s ScanParameters.Start: Scan.Member: Value", comment); err != nil {
		return err
	}
	if err := a.writeLine("%s ScanParameters.E0: %.3f", comment, e0); err != nil {
		return err
	}
	for i, reg := range regions {
		if err := a.writeLine("%s ScanParameters.Region%d: %s", comment, i+1, reg); err != nil {
			return err
		}
	}
	if err := a.writeLine("%s ScanParameters.End: ~~~~~~~~~~", comment); err != nil {
		return err
	}
	return a.w.Flush()
}

// WriteExtraPVs records a block of extra-PV readings, at scan start and at
// breakpoints.
func (a *ASCIIFile) WriteExtraPVs(values []ExtraValue) error {
	if len(values) == 0 {
		return nil
	}
	if err := a.writeLine("%s ExtraPVs.Start: Family.Member: Value | PV", comment); err != nil {
		return err
	}
	for _, v := range values {
		entry := fmt.Sprintf("%s %s: %s", comment, v.Label, v.Value)
		if len(entry) < 42 {
			entry = (entry + strings.Repeat(" ", 42))[:42]
		}
		if err := a.writeLine("%s%s%s", entry, sep, v.PVName); err != nil {
			return err
		}
	}
	if err := a.writeLine("%s ExtraPVs.End: here", comment); err != nil {
		return err
	}
	return a.w.Flush()
}

// WritePoint appends one data row. Values must match the column layout.
func (a *ASCIIFile) WritePoint(values []float64) error {
	if len(values) != len(a.columns) {
		return fmt.Errorf("point has %d values, file has %d columns", len(values), len(a.columns))
	}
	words := make([]string, len(values))
	for i, v := range values {
		words[i] = fmt.Sprintf(numFormat, v)
	}
	if err := a.writeLine("%s", strings.Join(words, " ")); err != nil {
		return err
	}
	a.unflushed++
	if a.unflushed >= a.flushEvery {
		a.unflushed = 0
		return a.w.Flush()
	}
	return nil
}

// Flush forces buffered lines to disk, used at breakpoints.
func (a *ASCIIFile) Flush() error {
	a.unflushed = 0
	return a.w.Flush()
}

// Close writes the end timestamp and closes the file.
func (a *ASCIIFile) Close() error {
	if err := a.writeLine("%s Scan.end_time: %s", comment, timestamp()); err != nil {
		a.file.Close()
		return err
	}
	if err := a.w.Flush(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

func (a *ASCIIFile) writeLine(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(a.w, format+"\n", args...)
	return err
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// NextName returns path if it does not exist, otherwise the first available
// name with an incremented numeric suffix: map.001 becomes map.002 and a
// file without a numeric suffix gains one.
func NextName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	base, n := splitNumericSuffix(path)
	for {
		n++
		candidate := fmt.Sprintf("%s.%03d", base, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func splitNumericSuffix(path string) (string, int) {
	ext := filepath.Ext(path)
	if len(ext) > 1 {
		if n, err := strconv.Atoi(ext[1:]); err == nil {
			return strings.TrimSuffix(path, ext), n
		}
	}
	return path, 0
}
