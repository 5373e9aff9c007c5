package events

import (
	"context"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener subscribes to a scan event bus and updates Prometheus
// metrics based on the events it receives. It covers the event-driven
// counters that are awkward to increment from inside the acquisition loop
// itself, such as retries and row redos observed by external listeners.
type MetricsEventListener struct {
	bus             *ChannelEventBus
	log             scanlog.Logger
	pointRetries    prometheus.Counter
	rowRedos        prometheus.Counter
	abortsHonored   prometheus.Counter
}

// NewMetricsEventListener creates a new listener. It requires a
// ChannelEventBus to subscribe to and the Prometheus counters it increments.
func NewMetricsEventListener(bus *ChannelEventBus, pointRetries, rowRedos, abortsHonored prometheus.Counter, log scanlog.Logger) *MetricsEventListener {
	if bus == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus and Logger")
	}
	return &MetricsEventListener{
		bus:           bus,
		log:           log.With("component", "MetricsEventListener"),
		pointRetries:  pointRetries,
		rowRedos:      rowRedos,
		abortsHonored: abortsHonored,
	}
}

// Start begins listening for events on the bus in the calling goroutine.
// The provided context is used to signal shutdown. Callers normally run it
// with `go listener.Start(ctx)`.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

// handleEvent processes a single event, incrementing metrics as needed.
func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.PointRetry:
		if l.pointRetries != nil {
			l.pointRetries.Inc()
		}
	case events.RowRedo:
		if l.rowRedos != nil {
			l.rowRedos.Inc()
		}
	case events.AbortHonored:
		if l.abortsHonored != nil {
			l.abortsHonored.Inc()
		}
	}
}
