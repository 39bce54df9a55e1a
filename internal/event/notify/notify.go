// Package notify implements additive notification channels on top of
// internal/event, supplementing spec.md's connector-lifecycle model with
// the original pipeshub-ai notification_service's multi-channel fan-out
// (mail, Discord, Telegram). These were teacher go.mod dependencies with no
// Go callers; notify is their first real use.
package notify

import "context"

// Channel delivers a rendered notification to one external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// Dispatcher fans a notification out to every configured channel,
// collecting (not stopping on) per-channel errors.
type Dispatcher struct {
	channels []Channel
}

func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels}
}

// Notify sends subject/body to every configured channel and returns a
// combined error naming the channels that failed, or nil if all succeeded.
func (d *Dispatcher) Notify(ctx context.Context, subject, body string) error {
	var failed []string
	for _, ch := range d.channels {
		if err := ch.Send(ctx, subject, body); err != nil {
			failed = append(failed, ch.Name())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &dispatchError{channels: failed}
}

type dispatchError struct {
	channels []string
}

func (e *dispatchError) Error() string {
	msg := "notify: delivery failed for channel"
	if len(e.channels) > 1 {
		msg += "s"
	}
	msg += ":"
	for _, c := range e.channels {
		msg += " " + c
	}
	return msg
}

// Handler adapts a Dispatcher to an event.Handler, notifying on every event
// whose type is in the subscribed set (e.g. "connector.failed",
// "credential.invalid").
func Handler(d *Dispatcher, subjectFor func(eventType string, payload map[string]any) (subject, body string, ok bool)) func(ctx context.Context, eventType string, payload map[string]any) bool {
	return func(ctx context.Context, eventType string, payload map[string]any) bool {
		subject, body, ok := subjectFor(eventType, payload)
		if !ok {
			return true
		}
		if err := d.Notify(ctx, subject, body); err != nil {
			return false
		}
		return true
	}
}
