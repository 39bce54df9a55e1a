// Package memory is an in-process kvstore.Store used by tests and as the
// single-instance default when no database is configured. Data does not
// survive process restarts.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/cortex/internal/kvstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Memory struct {
	mu      sync.RWMutex
	data    map[string]entry
	watchMu sync.Mutex
	watches []watcher
}

type watcher struct {
	prefix string
	ch     chan string
}

func New() *Memory {
	slog.Info("using in-memory kvstore (data will not persist across restarts)")
	return &Memory{data: make(map[string]entry)}
}

func (m *Memory) Connect(_ context.Context) error    { return nil }
func (m *Memory) Disconnect(_ context.Context) error { return nil }

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	m.mu.Unlock()

	m.notify(key)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	if !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now()) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, errNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	m.notify(key)
	return nil
}

func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	ch := make(chan string, 16)
	w := watcher{prefix: prefix, ch: ch}

	m.watchMu.Lock()
	m.watches = append(m.watches, w)
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		for i, existing := range m.watches {
			if existing.ch == ch {
				m.watches = append(m.watches[:i], m.watches[i+1:]...)
				break
			}
		}
		m.watchMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (m *Memory) notify(key string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, w := range m.watches {
		if strings.HasPrefix(key, w.prefix) {
			select {
			case w.ch <- key:
			default:
			}
		}
	}
}

func (m *Memory) RotateEncryptionKey(_ context.Context, _ []byte) error { return nil }
func (m *Memory) SetEncryptionKey(_ []byte)                            {}

var errNotFound = kvstore.ErrNotFound
