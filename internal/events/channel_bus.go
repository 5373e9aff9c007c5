package events

import (
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
)

// ChannelEventBus implements the public events.Bus interface using a buffered
// Go channel. It provides a simple, in-process, decoupled event distribution
// mechanism for listeners running in the same process as the engine (the live
// viewer feed, the metrics listener). Its primary characteristic is
// non-blocking emission: the acquisition loop must never stall on a slow
// listener.
type ChannelEventBus struct {
	channel chan events.Event
	// log is used for internal operational messages, such as warning about
	// dropped events when the channel buffer is full.
	log scanlog.Logger
}

// NewChannelEventBus creates a new ChannelEventBus with the specified buffer
// size. If bufferSize is non-positive, a default buffer size is used.
// Panics if the provided logger is nil.
func NewChannelEventBus(bufferSize int, log scanlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}

	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit sends an event onto the internal buffered channel.
// To prevent blocking the caller (the engine core), this operation is
// non-blocking. If the channel buffer is full at the time of the call, the
// event is dropped and a warning is logged.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
		c.log.Debugf("Emitted event type '%s'", event.Type)
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the underlying event channel for consumers.
// This method is specific to the ChannelEventBus implementation and is NOT
// part of the public events.Bus interface. It allows components within the
// same process (like the metrics listener or a live plot feed) to consume
// events directly. The returned channel is read-only.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the underlying event channel, signaling consumers reading
// from GetChannel() that no more events will be sent.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

// Ensure ChannelEventBus implements the public events.Bus interface at compile time.
var _ events.Bus = (*ChannelEventBus)(nil)
