package notify

import (
	"context"
	"errors"
	"testing"
)

type fakeChannel struct {
	name string
	err  error
	sent int
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Send(_ context.Context, _, _ string) error {
	f.sent++
	return f.err
}

func TestDispatcherNotifiesAllChannels(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	d := NewDispatcher(a, b)

	if err := d.Notify(context.Background(), "subj", "body"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if a.sent != 1 || b.sent != 1 {
		t.Fatalf("sent counts = %d, %d, want 1, 1", a.sent, b.sent)
	}
}

func TestDispatcherCollectsFailures(t *testing.T) {
	a := &fakeChannel{name: "a", err: errors.New("boom")}
	b := &fakeChannel{name: "b"}
	d := NewDispatcher(a, b)

	err := d.Notify(context.Background(), "subj", "body")
	if err == nil {
		t.Fatal("Notify: want error, got nil")
	}
	if b.sent != 1 {
		t.Fatalf("b.sent = %d, want 1 (failure of a must not block b)", b.sent)
	}
}

func TestHandlerSkipsUnsubscribedEvents(t *testing.T) {
	a := &fakeChannel{name: "a"}
	d := NewDispatcher(a)
	h := Handler(d, func(eventType string, _ map[string]any) (string, string, bool) {
		if eventType != "connector.failed" {
			return "", "", false
		}
		return "subj", "body", true
	})

	if ok := h(context.Background(), "connector.synced", nil); !ok {
		t.Fatal("handler should ack unsubscribed event types without sending")
	}
	if a.sent != 0 {
		t.Fatalf("sent = %d, want 0 for unsubscribed event", a.sent)
	}

	if ok := h(context.Background(), "connector.failed", nil); !ok {
		t.Fatal("handler should ack successful sends")
	}
	if a.sent != 1 {
		t.Fatalf("sent = %d, want 1", a.sent)
	}
}
