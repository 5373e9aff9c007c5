package datafile

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// MasterFile indexes the rows of a slew-scan map: one line per completed
// row naming the row's buffered data, appended as rows finish so a viewer
// can assemble the map while it is still being acquired. A redone row simply
// appends again; readers keep the last line for a given row position.
type MasterFile struct {
	path  string
	file  *os.File
	w     *bufio.Writer
	start time.Time
}

// CreateMaster opens a master file and writes its header.
func CreateMaster(path, scanName string, rows, pulses int, rowTime time.Duration) (*MasterFile, error) {
	path = NextName(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening master file: %w", err)
	}
	m := &MasterFile{path: path, file: f, w: bufio.NewWriter(f), start: time.Now()}

	lines := []string{
		fmt.Sprintf("%s Scan.version = %s", comment, fileVersion),
		fmt.Sprintf("%s Scan.starttime = %s", comment, timestamp()),
		fmt.Sprintf("%s Scan.name = %s", comment, scanName),
		fmt.Sprintf("%s Scan.nrows_expected = %d", comment, rows),
		fmt.Sprintf("%s Scan.pulses_per_row = %d", comment, pulses),
		fmt.Sprintf("%s Scan.time_per_row_expected = %.2f", comment, rowTime.Seconds()),
		fmt.Sprintf("%s------------------------------------", comment),
		fmt.Sprintf("%s yposition  row_index  npulses  time", comment),
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(m.w, line); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := m.w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// Path returns the actual path written to, after auto-increment.
func (m *MasterFile) Path() string { return m.path }

// AppendRow records one completed row.
func (m *MasterFile) AppendRow(yPosition float64, row, pulses int) error {
	elapsed := time.Since(m.start).Seconds()
	if _, err := fmt.Fprintf(m.w, "%10.4f %10d %8d %8.3f\n", yPosition, row, pulses, elapsed); err != nil {
		return err
	}
	return m.w.Flush()
}

// Close flushes and closes the master file.
func (m *MasterFile) Close() error {
	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
