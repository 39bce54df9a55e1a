package event

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/messaging/memory"
	"github.com/rakunlabs/cortex/internal/synctask"
)

type fakeConnector struct {
	mu         sync.Mutex
	initCalled int
	groups     []connector.BlockGroup
	failNext   bool
	cleaned    bool
}

func (f *fakeConnector) Create(map[string]string) error { return nil }
func (f *fakeConnector) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalled++
	return nil
}
func (f *fakeConnector) TestConnectionAndAccess(context.Context) error { return nil }
func (f *fakeConnector) RunSync(ctx context.Context, from connector.SyncPoint, yield func(connector.BlockGroup) (bool, error)) (connector.SyncPoint, error) {
	if f.failNext {
		return connector.SyncPoint{}, fmt.Errorf("upstream unavailable")
	}
	for _, g := range f.groups {
		keepGoing, err := yield(g)
		if err != nil {
			return connector.SyncPoint{}, err
		}
		if !keepGoing {
			break
		}
	}
	return connector.SyncPoint{Cursor: "done"}, nil
}
func (f *fakeConnector) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func init() {
	connector.RegisterType("event_test_fake", func(map[string]string) (connector.Connector, error) {
		return &fakeConnector{groups: []connector.BlockGroup{{}}}, nil
	})
}

func TestReInitReplacesInstanceAfterCleanup(t *testing.T) {
	svc := New(memory.New(), synctask.New())
	ctx := context.Background()

	if err := svc.Init(ctx, "c1", "event_test_fake", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	first := svc.instances["c1"].conn.(*fakeConnector)

	if err := svc.Init(ctx, "c1", "event_test_fake", nil); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	second := svc.instances["c1"].conn.(*fakeConnector)

	if !first.cleaned {
		t.Fatal("re-init did not clean up the replaced instance")
	}
	if second == first {
		t.Fatal("re-init did not install a new connector instance")
	}
	if second.initCalled != 1 {
		t.Fatalf("new instance initCalled = %d, want 1", second.initCalled)
	}
}

func TestStartStreamsBlockGroupsAndAdvancesCursor(t *testing.T) {
	svc := New(memory.New(), synctask.New())
	ctx := context.Background()
	if err := svc.Init(ctx, "c1", "event_test_fake", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var received int
	err := svc.Start(ctx, "c1", func(connector.BlockGroup) (bool, error) {
		received++
		return true, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && svc.sync.IsRunning("c1") {
		time.Sleep(5 * time.Millisecond)
	}

	if received != 1 {
		t.Fatalf("received = %d, want 1", received)
	}
	if svc.instances["c1"].cursor.Cursor != "done" {
		t.Fatalf("cursor = %q, want done", svc.instances["c1"].cursor.Cursor)
	}
}

func TestStopCleansUpConnector(t *testing.T) {
	svc := New(memory.New(), synctask.New())
	ctx := context.Background()
	if err := svc.Init(ctx, "c1", "event_test_fake", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	f := svc.instances["c1"].conn.(*fakeConnector)

	if err := svc.Stop(ctx, "c1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.cleaned {
		t.Fatal("expected connector Cleanup to be called")
	}
	if _, ok := svc.instances["c1"]; ok {
		t.Fatal("expected instance to be removed from registry")
	}
}
