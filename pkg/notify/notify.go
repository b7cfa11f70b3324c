// Package notify implements the notification sink of spec §4.10/§9: a thin
// `send(title, message, severity, channels, metadata) -> delivery_status`
// contract in front of whichever transports are wired in, so the
// orchestrator can keep stakeholders informed without depending on any one
// of them directly.
//
// Grounded on original_source/examples/concurrency_orchestrator.py's
// `self.notifier.send(...)` call sites (severities INFO/WARNING/ERROR,
// channels slack/email/pagerduty) and the teacher's
// pkg/notification/delivery package texture (a Service.Deliver contract,
// failures wrapped as a named retryable error type).
package notify

import (
	"context"
	"fmt"
	"time"
)

// Severity mirrors NotificationSeverity.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Channel mirrors NotificationChannel.
type Channel string

const (
	ChannelSlack     Channel = "slack"
	ChannelEmail     Channel = "email"
	ChannelPagerDuty Channel = "pagerduty"
)

// RetryableError wraps a delivery failure a caller may reasonably retry
// (a transient transport error, as opposed to a malformed request).
type RetryableError struct {
	Channel Channel
	Cause   error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("notify: retryable delivery failure on %s: %s", e.Channel, e.Cause)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// DeliveryStatus is one channel's outcome for a single send call.
type DeliveryStatus struct {
	Channel     Channel
	Delivered   bool
	Error       string
	AttemptedAt time.Time
}

// Sink delivers a notification on exactly one channel.
type Sink interface {
	Channel() Channel
	Deliver(ctx context.Context, title, message string, severity Severity, metadata map[string]any) error
}

// NotifierSink is the capability spec §9's "Polymorphism" section names
// explicitly: one send operation, fanned out across whichever channels the
// caller asks for.
type NotifierSink interface {
	Send(ctx context.Context, title, message string, severity Severity, channels []Channel, metadata map[string]any) ([]DeliveryStatus, error)
}

// Notifier dispatches Send across a set of per-channel Sinks. A channel
// requested but not registered is reported as an undelivered DeliveryStatus
// rather than failing the whole call; one channel's failure never blocks
// the others (spec §4.10 "keep stakeholders informed" must not become a
// single point of failure for the operation it's reporting on).
type Notifier struct {
	sinks map[Channel]Sink
	now   func() time.Time
}

// Option configures a Notifier at construction.
type Option func(*Notifier)

func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

// New builds a Notifier from the given sinks, keyed by their own Channel().
func New(sinks []Sink, opts ...Option) *Notifier {
	n := &Notifier{
		sinks: make(map[Channel]Sink, len(sinks)),
		now:   time.Now,
	}
	for _, s := range sinks {
		n.sinks[s.Channel()] = s
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Send(ctx context.Context, title, message string, severity Severity, channels []Channel, metadata map[string]any) ([]DeliveryStatus, error) {
	if len(channels) == 0 {
		channels = []Channel{ChannelSlack}
	}

	statuses := make([]DeliveryStatus, 0, len(channels))
	for _, ch := range channels {
		sink, ok := n.sinks[ch]
		if !ok {
			statuses = append(statuses, DeliveryStatus{
				Channel:     ch,
				Delivered:   false,
				Error:       fmt.Sprintf("no sink registered for channel %q", ch),
				AttemptedAt: n.now(),
			})
			continue
		}

		attempted := n.now()
		if err := sink.Deliver(ctx, title, message, severity, metadata); err != nil {
			statuses = append(statuses, DeliveryStatus{
				Channel:     ch,
				Delivered:   false,
				Error:       err.Error(),
				AttemptedAt: attempted,
			})
			continue
		}
		statuses = append(statuses, DeliveryStatus{Channel: ch, Delivered: true, AttemptedAt: attempted})
	}

	return statuses, nil
}
