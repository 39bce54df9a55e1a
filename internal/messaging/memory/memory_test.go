package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/cortex/internal/messaging"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "connector.failed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, messaging.Message{Topic: "connector.failed", Key: "c1", Value: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, messaging.Message{Topic: "other", Key: "c2", Value: []byte("y")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Key != "c1" {
			t.Fatalf("got key %q, want c1", msg.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive expected message")
	}

	select {
	case msg := <-ch:
		t.Fatalf("received unexpected message for unrelated topic: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeClosesOnContextDone(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed in time")
	}
}
