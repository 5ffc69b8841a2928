package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/lijomadassery/appsentry/internal/events"
)

// Subscriber turns run outcome events into notifications
type Subscriber struct {
	notifier  Notifier
	onSuccess bool
	baseURL   string
	logger    *slog.Logger
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*Subscriber)

// WithNotifyOnSuccess also notifies for runs where every unit passed
func WithNotifyOnSuccess(enabled bool) SubscriberOption {
	return func(s *Subscriber) { s.onSuccess = enabled }
}

// WithBaseURL links notifications to the run in the web API
func WithBaseURL(u string) SubscriberOption {
	return func(s *Subscriber) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber creates a subscriber sending through n
func NewSubscriber(n Notifier, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{notifier: n, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes to run completion and cancellation on bus
func (s *Subscriber) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(s.Handle, events.TypeRunCompleted, events.TypeRunCancelled)
}

// Handle builds and sends the notification for one event
func (s *Subscriber) Handle(ctx context.Context, event cloudevents.Event) {
	payload, err := events.Decode[events.RunPayload](event)
	if err != nil {
		s.logger.Warn("decoding run event", "type", event.Type(), "error", err)
		return
	}

	n, ok := s.build(event.Type(), payload)
	if !ok {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Error("sending notification", "run_id", payload.RunID, "error", err)
	}
}

func (s *Subscriber) build(eventType string, p events.RunPayload) (Notification, bool) {
	n := Notification{RunID: p.RunID}
	if s.baseURL != "" {
		n.URL = s.baseURL + "/api/runs/" + p.RunID
	}

	label := "Run"
	if p.TriggerKind == "scheduled" && p.TriggerSource != "" {
		label = "Scheduled run " + p.TriggerSource
	}

	switch eventType {
	case events.TypeRunCancelled:
		n.Type = NotifyWarning
		n.Title = label + " cancelled"
		n.Message = fmt.Sprintf("%d of %d checks finished before cancellation (%d passed, %d failed)",
			p.ProgressCompleted, p.ProgressTotal, p.Passed, p.Failed)
	case events.TypeRunCompleted:
		if p.Failed > 0 {
			n.Type = NotifyError
			n.Title = fmt.Sprintf("%s finished with %d failed checks", label, p.Failed)
		} else {
			if !s.onSuccess {
				return n, false
			}
			n.Type = NotifySuccess
			n.Title = label + " passed"
		}
		n.Message = fmt.Sprintf("%d passed, %d failed of %d checks", p.Passed, p.Failed, p.ProgressTotal)
	default:
		return n, false
	}
	return n, true
}
