package connector

import (
	"context"
	"fmt"
	"sync"
)

// Connector is the interface every connector type implements. A Connector
// value is stateless configuration; RunSync is called once per sync task
// run and owns all per-run state itself.
//
// The five-method shape (create/init/test_connection_and_access/run_sync/
// cleanup) maps directly onto Create/Init/TestConnectionAndAccess/RunSync/
// Cleanup below.
type Connector interface {
	// Create validates the connector's static settings (credentials id,
	// required fields) without making any network call.
	Create(settings map[string]string) error

	// Init performs one-time setup before the first sync (e.g. resolving a
	// root folder id). Called once per connector instance lifetime, not
	// once per run.
	Init(ctx context.Context) error

	// TestConnectionAndAccess performs a cheap round-trip against the
	// upstream source to confirm credentials and reachability.
	TestConnectionAndAccess(ctx context.Context) error

	// RunSync executes the six-step sync contract: load config, resolve the
	// sync point, iterate a lazy finite item sequence, transform+retry each
	// item, check for cancellation between items, and persist a new sync
	// point plus emit a completion event once the sequence is exhausted.
	// yield is called once per BlockGroup found since the last sync point;
	// it returns false to stop the sync early (e.g. on shutdown).
	RunSync(ctx context.Context, from SyncPoint, yield func(BlockGroup) (keepGoing bool, err error)) (to SyncPoint, err error)

	// Cleanup releases any held resources (handles, connections) owned by
	// this connector instance. Called on shutdown or when the instance is
	// removed.
	Cleanup(ctx context.Context) error
}

// Factory constructs a Connector of one type from its instance settings.
type Factory func(settings map[string]string) (Connector, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterType registers a connector type's factory under name. Concrete
// connector packages call this from an init() function, mirroring the
// workflow engine's node-type registry.
func RegisterType(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New constructs a Connector of the given registered type.
func New(typ string, settings map[string]string) (Connector, error) {
	mu.RLock()
	f, ok := factories[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector: no factory registered for type %q", typ)
	}
	return f(settings)
}

// RegisteredTypes returns the names of every registered connector type,
// primarily for diagnostics and the admin API.
func RegisteredTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
