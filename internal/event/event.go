// Package event implements the Event Service (component F): a registry of
// running connector instances, dispatched by connector type, with
// init/start/resync/stop lifecycle operations. Modeled on the teacher's
// Server.reloadProvider/removeProvider in-memory registry pattern,
// generalized from LLM providers to connector instances, plus a thin
// publish path over internal/messaging for connector-lifecycle events.
// In-process Handlers registered with OnEvent receive the same events
// directly.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/kvstore"
	"github.com/rakunlabs/cortex/internal/messaging"
	"github.com/rakunlabs/cortex/internal/synctask"
)

// Handler processes one dispatched event and reports whether it was
// accepted (ack) or rejected (nack), mirroring the teacher's MCP tool-call
// ack/nack-by-bool-return convention. A nack is logged; the Service does
// not redeliver the event.
type Handler func(ctx context.Context, eventType string, payload map[string]any) (ack bool)

// Service owns the live connector instance registry and fans out
// connector-lifecycle events both to in-process Handlers (cmd/cortex
// registers the internal/event/notify dispatcher this way) and to the
// message bus for external consumers.
type Service struct {
	bus   messaging.Bus
	sync  *synctask.Manager
	store kvstore.Store

	mu        sync.RWMutex
	instances map[string]*instanceState

	handlerMu sync.Mutex
	handlers  []Handler
}

type instanceState struct {
	conn   connector.Connector
	cursor connector.SyncPoint
}

func New(bus messaging.Bus, sync *synctask.Manager) *Service {
	return &Service{
		bus:       bus,
		sync:      sync,
		instances: make(map[string]*instanceState),
	}
}

// SetStore enables sync-point persistence through store, reusing the
// key-value component (component A) at "/connectors/{id}/sync_point"
// instead of keeping the cursor in memory only. Must be called before Init.
func (s *Service) SetStore(store kvstore.Store) {
	s.store = store
}

func syncPointKey(id string) string {
	return fmt.Sprintf("/connectors/%s/sync_point", id)
}

// OnEvent registers a handler invoked for every emitted event, in addition
// to the message-bus publish.
func (s *Service) OnEvent(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Init constructs the connector instance for id/typ/settings and runs its
// one-time Init. Re-issuing Init for an id that already has an instance
// cancels and awaits that instance's in-flight sync task, cleans it up, and
// only then installs the replacement.
func (s *Service) Init(ctx context.Context, id, typ string, settings map[string]string) error {
	s.mu.Lock()
	existing, exists := s.instances[id]
	s.mu.Unlock()

	if exists {
		s.sync.Cancel(id)
		s.sync.Wait(id)
		if err := existing.conn.Cleanup(ctx); err != nil {
			slog.Warn("connector cleanup failed during re-init", "connector_id", id, "error", err)
		}
	}

	conn, err := connector.New(typ, settings)
	if err != nil {
		return fmt.Errorf("event: init %q: %w", id, err)
	}
	if err := conn.Init(ctx); err != nil {
		return fmt.Errorf("event: init %q: %w", id, err)
	}

	state := &instanceState{conn: conn}
	if s.store != nil {
		if raw, err := s.store.Get(ctx, syncPointKey(id)); err == nil {
			var sp connector.SyncPoint
			if jsonErr := json.Unmarshal(raw, &sp); jsonErr == nil {
				state.cursor = sp
			}
		} else if err != kvstore.ErrNotFound {
			return fmt.Errorf("event: load sync point %q: %w", id, err)
		}
	}

	s.mu.Lock()
	s.instances[id] = state
	s.mu.Unlock()

	slog.Info("connector instance initialized", "connector_id", id, "type", typ)
	return nil
}

// Start launches a sync run for id via the sync task manager, streaming
// each yielded BlockGroup to sink.
func (s *Service) Start(ctx context.Context, id string, sink func(connector.BlockGroup) (bool, error)) error {
	s.mu.RLock()
	state, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("event: no connector instance registered for %q", id)
	}

	return s.sync.Start(ctx, id, func(runCtx context.Context) error {
		from := state.cursor
		to, err := state.conn.RunSync(runCtx, from, sink)
		if err != nil {
			s.emit(runCtx, "connector.failed", map[string]any{"connector_id": id, "error": err.Error()})
			return err
		}

		s.mu.Lock()
		state.cursor = to
		s.mu.Unlock()

		if s.store != nil {
			body, err := json.Marshal(to)
			if err != nil {
				return fmt.Errorf("event: marshal sync point %q: %w", id, err)
			}
			if err := s.store.Set(runCtx, syncPointKey(id), body, 0); err != nil {
				return fmt.Errorf("event: persist sync point %q: %w", id, err)
			}
		}

		s.emit(runCtx, "connector.synced", map[string]any{"connector_id": id, "synced_at": time.Now().UTC().Format(time.RFC3339)})
		return nil
	})
}

// Resync clears id's sync cursor so the next Start performs a full resync
// from the connector's zero value SyncPoint.
func (s *Service) Resync(ctx context.Context, id string) error {
	s.mu.Lock()
	state, ok := s.instances[id]
	if ok {
		state.cursor = connector.SyncPoint{}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("event: no connector instance registered for %q", id)
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, syncPointKey(id)); err != nil && err != kvstore.ErrNotFound {
			return fmt.Errorf("event: clear sync point %q: %w", id, err)
		}
	}
	return nil
}

// Stop cancels any in-flight sync run for id and cleans up its connector
// instance, removing it from the registry.
func (s *Service) Stop(ctx context.Context, id string) error {
	s.sync.Cancel(id)

	s.mu.Lock()
	state, ok := s.instances[id]
	delete(s.instances, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := state.conn.Cleanup(ctx); err != nil {
		slog.Warn("connector cleanup failed", "connector_id", id, "error", err)
	}
	slog.Info("connector instance stopped", "connector_id", id)
	return nil
}

// Connector returns the live connector instance registered under id, for
// callers (e.g. the admin API's connectivity check) that need to reach the
// connector itself rather than go through Start/Stop/Resync.
func (s *Service) Connector(id string) (connector.Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	return state.conn, true
}

// Emit publishes an event both to registered in-process handlers and to the
// message bus, satisfying internal/token.EventEmitter.
func (s *Service) Emit(ctx context.Context, eventType string, payload map[string]any) {
	s.emit(ctx, eventType, payload)
}

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]any) {
	s.handlerMu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.handlerMu.Unlock()

	for _, h := range handlers {
		if !h(ctx, eventType, payload) {
			slog.Warn("event handler nacked, event dropped", "event_type", eventType)
		}
	}

	if s.bus == nil {
		return
	}
	body, err := marshalPayload(payload)
	if err != nil {
		slog.Warn("event payload marshal failed", "event_type", eventType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, messaging.Message{Topic: eventType, Value: body}); err != nil {
		slog.Warn("event publish failed", "event_type", eventType, "error", err)
	}
}
