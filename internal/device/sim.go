// Package device provides a simulated control system used by the built-in
// simulator backend and the test suite. Simulated channels complete their
// puts after a configurable delay on a separate goroutine, reproducing the
// asynchronous completion behavior of real hardware.
package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// SimChannel is an in-memory device.Channel. Puts settle after MoveDelay;
// the completion callback fires from a goroutine, as a real control system
// client would.
type SimChannel struct {
	name string

	mu    sync.Mutex
	value float64

	// MoveDelay is how long a put takes to complete. Zero completes
	// immediately (still on a goroutine).
	MoveDelay time.Duration

	// DropCompletion, when true, makes puts take effect but never report
	// done. Used to exercise timeout paths.
	DropCompletion bool

	low, high float64
	hasLimits bool
}

// NewSimChannel creates a channel with no travel limits.
func NewSimChannel(name string, initial float64) *SimChannel {
	return &SimChannel{name: name, value: initial}
}

// NewSimChannelWithLimits creates a channel that reports travel limits.
func NewSimChannelWithLimits(name string, initial, low, high float64) *SimChannel {
	return &SimChannel{name: name, value: initial, low: low, high: high, hasLimits: true}
}

func (c *SimChannel) Name() string { return c.name }

func (c *SimChannel) Get() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

// Set updates the value directly, bypassing the move delay. Tests use it to
// model externally changing readings.
func (c *SimChannel) Set(value float64) {
	c.mu.Lock()
	c.value = value
	c.mu.Unlock()
}

func (c *SimChannel) Put(value float64, onComplete func()) error {
	delay := c.MoveDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		c.mu.Lock()
		c.value = value
		dropped := c.DropCompletion
		c.mu.Unlock()
		if onComplete != nil && !dropped {
			onComplete()
		}
	}()
	return nil
}

func (c *SimChannel) Limits() (low, high float64, ok bool) {
	return c.low, c.high, c.hasLimits
}

// SimArrayChannel is an in-memory device.ArrayChannel whose contents are set
// by a SimTrajectory or directly by tests.
type SimArrayChannel struct {
	name string

	mu   sync.Mutex
	data []float64
}

func NewSimArrayChannel(name string) *SimArrayChannel {
	return &SimArrayChannel{name: name}
}

func (c *SimArrayChannel) Name() string { return c.name }

func (c *SimArrayChannel) GetArray() ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.data))
	copy(out, c.data)
	return out, nil
}

// SetArray replaces the buffered waveform.
func (c *SimArrayChannel) SetArray(data []float64) {
	c.mu.Lock()
	c.data = make([]float64, len(data))
	copy(c.data, data)
	c.mu.Unlock()
}

// SimTrajectory is an in-memory device.Trajectory. Run sleeps for a scaled
// fraction of the nominal row time, then reports the configured pulse count
// as gathered. ShortRows marks specific run indices as undercounting, to
// exercise the row-redo path.
type SimTrajectory struct {
	mu        sync.Mutex
	start     float64
	stop      float64
	pulses    int
	pixelTime time.Duration
	armed     bool
	direction device.TrajectoryDirection
	runCount  int
	gathered  int

	// TimeScale compresses simulated row time; 0.01 runs a nominal 10 s row
	// in 100 ms. Zero means full speed (scale 1.0).
	TimeScale float64

	// ShortRows maps run index (0-based) to the pulse deficit for that run.
	ShortRows map[int]int
}

func NewSimTrajectory() *SimTrajectory {
	return &SimTrajectory{TimeScale: 0.001}
}

func (t *SimTrajectory) Define(start, stop float64, pulses int, pixelTime time.Duration) error {
	if pulses < 2 {
		return fmt.Errorf("trajectory requires at least 2 pulses, got %d", pulses)
	}
	if pixelTime <= 0 {
		return fmt.Errorf("trajectory pixel time must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.stop = start, stop
	t.pulses = pulses
	t.pixelTime = pixelTime
	return nil
}

func (t *SimTrajectory) Arm(direction device.TrajectoryDirection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pulses == 0 {
		return fmt.Errorf("trajectory not defined")
	}
	t.armed = true
	t.direction = direction
	return nil
}

func (t *SimTrajectory) Run(ctx context.Context) error {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return fmt.Errorf("trajectory not armed")
	}
	t.armed = false
	runIdx := t.runCount
	t.runCount++
	scale := t.TimeScale
	if scale <= 0 {
		scale = 1.0
	}
	rowTime := time.Duration(float64(t.pixelTime) * float64(t.pulses) * scale)
	deficit := t.ShortRows[runIdx]
	pulses := t.pulses
	t.mu.Unlock()

	select {
	case <-time.After(rowTime):
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.gathered = int(math.Max(0, float64(pulses-deficit)))
	t.mu.Unlock()
	return nil
}

func (t *SimTrajectory) Gathered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gathered
}

// RunCount reports how many times the trajectory has executed.
func (t *SimTrajectory) RunCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCount
}

// LastDirection reports the direction of the most recent arm.
func (t *SimTrajectory) LastDirection() device.TrajectoryDirection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

// SimConnector resolves names against a registry of simulated devices,
// creating channels on first use so simple scans need no setup.
type SimConnector struct {
	mu           sync.Mutex
	channels     map[string]*SimChannel
	arrays       map[string]*SimArrayChannel
	trajectories map[string]*SimTrajectory
}

func NewSimConnector() *SimConnector {
	return &SimConnector{
		channels:     make(map[string]*SimChannel),
		arrays:       make(map[string]*SimArrayChannel),
		trajectories: make(map[string]*SimTrajectory),
	}
}

// AddChannel registers a pre-configured channel.
func (c *SimConnector) AddChannel(ch *SimChannel) {
	c.mu.Lock()
	c.channels[ch.Name()] = ch
	c.mu.Unlock()
}

// AddArrayChannel registers a pre-configured array channel.
func (c *SimConnector) AddArrayChannel(ch *SimArrayChannel) {
	c.mu.Lock()
	c.arrays[ch.Name()] = ch
	c.mu.Unlock()
}

// AddTrajectory registers a pre-configured trajectory.
func (c *SimConnector) AddTrajectory(name string, tr *SimTrajectory) {
	c.mu.Lock()
	c.trajectories[name] = tr
	c.mu.Unlock()
}

func (c *SimConnector) Channel(name string) (device.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, exists := c.channels[name]
	if !exists {
		ch = NewSimChannel(name, 0)
		c.channels[name] = ch
	}
	return ch, nil
}

func (c *SimConnector) ArrayChannel(name string) (device.ArrayChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, exists := c.arrays[name]
	if !exists {
		ch = NewSimArrayChannel(name)
		c.arrays[name] = ch
	}
	return ch, nil
}

func (c *SimConnector) Trajectory(name string) (device.Trajectory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, exists := c.trajectories[name]
	if !exists {
		tr = NewSimTrajectory()
		c.trajectories[name] = tr
	}
	return tr, nil
}

var (
	_ device.Channel      = (*SimChannel)(nil)
	_ device.ArrayChannel = (*SimArrayChannel)(nil)
	_ device.Trajectory   = (*SimTrajectory)(nil)
	_ device.Connector    = (*SimConnector)(nil)
)
