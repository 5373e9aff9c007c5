package scan

import (
	"sync"

	"github.com/stepscan-labs/stepscan/internal/util"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// Counter is a scalar channel read once per point. Values accumulate in a
// buffer that the engine publishes to the store and the data file.
type Counter struct {
	label   string
	channel device.Channel
	units   string

	mu  sync.Mutex
	buf []float64
}

// NewCounter creates a counter for a scalar channel.
func NewCounter(label string, channel device.Channel, units string) *Counter {
	return &Counter{label: label, channel: channel, units: units}
}

func (c *Counter) Label() string  { return c.label }
func (c *Counter) PVName() string { return c.channel.Name() }
func (c *Counter) Units() string  { return c.units }

// Read reads the current value and appends it to the buffer.
func (c *Counter) Read() (float64, error) {
	v, err := c.channel.Get()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.buf = append(c.buf, v)
	c.mu.Unlock()
	return v, nil
}

// Drop discards the last buffered value. The engine calls it when a point is
// retried after some counters already read.
func (c *Counter) Drop() {
	c.mu.Lock()
	if n := len(c.buf); n > 0 {
		c.buf = c.buf[:n-1]
	}
	c.mu.Unlock()
}

// Buffer returns a copy of the accumulated values.
func (c *Counter) Buffer() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return util.CloneFloats(c.buf)
}

// Clear empties the buffer, called when a scan starts.
func (c *Counter) Clear() {
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
}

// ArrayCounter is a waveform channel read once per trajectory row in slew
// mode. Rows are stored by index, so redoing a row supersedes the buffered
// data from the bad attempt.
type ArrayCounter struct {
	label   string
	channel device.ArrayChannel
	units   string

	mu   sync.Mutex
	rows map[int][]float64
	max  int
}

// NewArrayCounter creates an array counter for a waveform channel.
func NewArrayCounter(label string, channel device.ArrayChannel, units string) *ArrayCounter {
	return &ArrayCounter{label: label, channel: channel, units: units, max: -1}
}

func (c *ArrayCounter) Label() string  { return c.label }
func (c *ArrayCounter) PVName() string { return c.channel.Name() }
func (c *ArrayCounter) Units() string  { return c.units }

// ReadRow reads the waveform and stores it at the given row index,
// replacing any prior data for that row.
func (c *ArrayCounter) ReadRow(row int) ([]float64, error) {
	vals, err := c.channel.GetArray()
	if err != nil {
		return nil, err
	}
	c.SetRow(row, vals)
	return vals, nil
}

// SetRow stores row data directly, replacing any prior data for that index.
func (c *ArrayCounter) SetRow(row int, vals []float64) {
	c.mu.Lock()
	if c.rows == nil {
		c.rows = make(map[int][]float64)
	}
	c.rows[row] = util.CloneFloats(vals)
	if row > c.max {
		c.max = row
	}
	c.mu.Unlock()
}

// Row returns a copy of one row's values.
func (c *ArrayCounter) Row(row int) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals, exists := c.rows[row]
	return util.CloneFloats(vals), exists
}

// NumRows returns the number of row indices stored so far.
func (c *ArrayCounter) NumRows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max + 1
}

// Flatten concatenates all rows in index order. Missing rows are skipped.
func (c *ArrayCounter) Flatten() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []float64
	for i := 0; i <= c.max; i++ {
		out = append(out, c.rows[i]...)
	}
	return out
}

// Clear discards all rows, called when a scan starts.
func (c *ArrayCounter) Clear() {
	c.mu.Lock()
	c.rows = nil
	c.max = -1
	c.mu.Unlock()
}
