package notify

import (
	"context"
	"fmt"
	"sync"
)

// Severity ranks an alert.
type Severity uint8

const (
	// SeverityInfo is a routine event worth recording.
	SeverityInfo Severity = iota

	// SeverityWarning needs an operator to look at it.
	SeverityWarning

	// SeverityCritical means funds are at risk.
	SeverityCritical
)

// String returns the name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// Alert is a notification for operators.
type Alert struct {
	Severity Severity

	// Subject is a short title.
	Subject string

	// Slot names the channel slot concerned, if any.
	Slot string

	// Details is free form text.
	Details string
}

// Sink delivers alerts. Delivery is fire and forget, a failing sink never
// fails the caller.
type Sink interface {
	Notify(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the package logger.
type LogSink struct{}

// A compile time check to ensure LogSink implements the Sink interface.
var _ Sink = (*LogSink)(nil)

// Notify logs alert at a level matching its severity.
//
// NOTE: This is part of the Sink interface.
func (LogSink) Notify(_ context.Context, alert Alert) {
	switch alert.Severity {
	case SeverityCritical:
		log.Criticalf("%v [%v]: %v", alert.Subject, alert.Slot,
			alert.Details)

	case SeverityWarning:
		log.Warnf("%v [%v]: %v", alert.Subject, alert.Slot,
			alert.Details)

	default:
		log.Infof("%v [%v]: %v", alert.Subject, alert.Slot,
			alert.Details)
	}
}

// MemorySink keeps every alert. It is used by tests.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

// A compile time check to ensure MemorySink implements the Sink interface.
var _ Sink = (*MemorySink)(nil)

// Notify records alert.
//
// NOTE: This is part of the Sink interface.
func (m *MemorySink) Notify(_ context.Context, alert Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, alert)
}

// Alerts returns the recorded alerts.
func (m *MemorySink) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Alert(nil), m.alerts...)
}

// Multi fans an alert out to several sinks.
type Multi []Sink

// Notify forwards alert to every sink.
//
// NOTE: This is part of the Sink interface.
func (m Multi) Notify(ctx context.Context, alert Alert) {
	for _, s := range m {
		s.Notify(ctx, alert)
	}
}
