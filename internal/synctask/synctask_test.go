package synctask

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartCompletesSuccessfully(t *testing.T) {
	m := New()
	err := m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return !m.IsRunning("conn-a") })

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusComplete {
		t.Fatalf("Snapshot = %+v, want one complete task", snap)
	}
}

func TestStartReplacesRunningTask(t *testing.T) {
	m := New()
	firstStarted := make(chan struct{})
	firstCanceled := make(chan struct{})

	err := m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		close(firstStarted)
		<-ctx.Done()
		close(firstCanceled)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-firstStarted

	secondStarted := make(chan struct{})
	if err := m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		close(secondStarted)
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-firstCanceled:
	default:
		t.Fatal("Start: replaced task's predecessor was not canceled before returning")
	}
	<-secondStarted

	waitUntil(t, time.Second, func() bool {
		snap := m.Snapshot()
		return len(snap) == 1 && snap[0].Status == StatusComplete
	})
}

func TestCancelStopsRun(t *testing.T) {
	m := New()
	started := make(chan struct{})

	err := m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	m.Cancel("conn-a")
	waitUntil(t, time.Second, func() bool {
		snap := m.Snapshot()
		return len(snap) == 1 && snap[0].Status == StatusFailed
	})
}

func TestFailedRunRecordsError(t *testing.T) {
	m := New()
	wantErr := errors.New("boom")
	err := m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		return wantErr
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return !m.IsRunning("conn-a") })
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Err == nil {
		t.Fatalf("Snapshot = %+v, want a recorded error", snap)
	}
}

func TestCancelAll(t *testing.T) {
	m := New()
	startedA := make(chan struct{})
	startedB := make(chan struct{})

	_ = m.Start(context.Background(), "conn-a", func(ctx context.Context) error {
		close(startedA)
		<-ctx.Done()
		return ctx.Err()
	})
	_ = m.Start(context.Background(), "conn-b", func(ctx context.Context) error {
		close(startedB)
		<-ctx.Done()
		return ctx.Err()
	})
	<-startedA
	<-startedB

	m.CancelAll()
	waitUntil(t, time.Second, func() bool {
		return !m.IsRunning("conn-a") && !m.IsRunning("conn-b")
	})
}
