package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.Set(ctx, "/connectors/a/sync_point", []byte("cursor-1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := m.Get(ctx, "/connectors/a/sync_point")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "cursor-1" {
		t.Fatalf("Get = %q, want %q", got, "cursor-1")
	}

	if err := m.Delete(ctx, "/connectors/a/sync_point"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := m.Get(ctx, "/connectors/a/sync_point"); err == nil {
		t.Fatalf("Get after Delete: want error, got nil")
	}
}

func TestTTLExpiry(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := m.Get(ctx, "k"); err == nil {
		t.Fatalf("Get after TTL expiry: want error, got nil")
	}
}

func TestWatchReceivesPrefixedChanges(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Watch(ctx, "/connectors/")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := m.Set(ctx, "/connectors/a/sync_point", []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "/other/key", []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case key := <-ch:
		if key != "/connectors/a/sync_point" {
			t.Fatalf("Watch delivered %q, want /connectors/a/sync_point", key)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not deliver the expected change in time")
	}

	select {
	case key := <-ch:
		t.Fatalf("Watch unexpectedly delivered unrelated key %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}
