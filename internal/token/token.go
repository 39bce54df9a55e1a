// Package token implements the Token Refresh Service (component D): a
// min-heap of (refresh_at, credential_id) pairs serviced by a single
// background loop, shared by both connector credentials and toolset
// credentials. Refreshing is generalized from the teacher's single cached
// Copilot token (internal/service/llm/openai/auth.go's CopilotTokenSource)
// to a heap of many, each behind its own mutex.
package token

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/rakunlabs/cortex/internal/errkind"
)

const (
	skew        = 60 * time.Second
	maxJitter   = 30 * time.Second
	maxAttempts = 5
	maxBackoff  = 60 * time.Second
	degradedFor = 5 * time.Minute
)

// Status is a credential's last-known refresh outcome.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusInvalid  Status = "invalid"
)

// Refresher exchanges a credential's current token for a fresh one. It is
// implemented per credential kind (connector OAuth apps, toolset API
// gateways, ...); errors are classified via errkind to decide whether the
// service retries or gives up.
type Refresher interface {
	Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)
}

// EventEmitter is the narrow slice of internal/event.Service the token
// service needs, kept as an interface to avoid an import cycle between the
// two components.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

type credential struct {
	id        string
	refresher Refresher
	token     *oauth2.Token
	status    Status
	attempts  int
	mu        sync.Mutex

	refreshAt time.Time
	heapIndex int
}

// Service runs the refresh heap. Zero value is not usable; construct with New.
type Service struct {
	mu         sync.Mutex
	byID       map[string]*credential
	pq         credentialHeap
	wake       chan struct{}
	emitter    EventEmitter
	nowFn      func() time.Time
	randJitter func() time.Duration
}

func New(emitter EventEmitter) *Service {
	return &Service{
		byID:    make(map[string]*credential),
		wake:    make(chan struct{}, 1),
		emitter: emitter,
		nowFn:   time.Now,
		randJitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

// Register adds or replaces a credential under id, to be refreshed
// `refresher` no later than token.Expiry minus the 60s skew.
func (s *Service) Register(id string, token *oauth2.Token, refresher Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.byID[id]
	if !exists {
		c = &credential{id: id}
		s.byID[id] = c
	}
	c.token = token
	c.refresher = refresher
	c.status = StatusHealthy
	c.attempts = 0
	c.refreshAt = s.refreshTimeFor(token)

	if exists {
		heap.Fix(&s.pq, c.heapIndex)
	} else {
		heap.Push(&s.pq, c)
	}
	s.wakeLocked()
}

// Unregister removes a credential from the heap (e.g. the connector or
// toolset instance was deleted).
func (s *Service) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.pq, c.heapIndex)
	delete(s.byID, id)
}

// Token returns the current cached token for id, for hot-swap consumers
// that re-read it before every outbound call rather than holding their own
// copy.
func (s *Service) Token(id string) (*oauth2.Token, Status, error) {
	s.mu.Lock()
	c, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("token: no credential registered for %q", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.status, nil
}

func (s *Service) refreshTimeFor(tok *oauth2.Token) time.Time {
	if tok == nil || tok.Expiry.IsZero() {
		return s.now().Add(time.Hour)
	}
	return tok.Expiry.Add(-skew).Add(-s.randJitter())
}

func (s *Service) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

func (s *Service) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run services the refresh heap until ctx is done. Callers with cluster
// mode enabled should only run this on the elected leader.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		var next *credential
		var wait time.Duration
		if s.pq.Len() > 0 {
			next = s.pq[0]
			wait = next.refreshAt.Sub(s.now())
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.mu.Lock()
		if s.pq.Len() == 0 || s.pq[0] != next {
			s.mu.Unlock()
			continue
		}
		heap.Pop(&s.pq)
		s.mu.Unlock()

		s.refreshOne(ctx, next)
	}
}

func (s *Service) refreshOne(ctx context.Context, c *credential) {
	c.mu.Lock()
	current := c.token
	refresher := c.refresher
	c.mu.Unlock()

	fresh, err := refresher.Refresh(ctx, current)
	if err != nil {
		s.handleFailure(ctx, c, err)
		return
	}

	c.mu.Lock()
	c.token = fresh
	c.status = StatusHealthy
	c.attempts = 0
	c.mu.Unlock()

	s.mu.Lock()
	c.refreshAt = s.refreshTimeFor(fresh)
	heap.Push(&s.pq, c)
	s.mu.Unlock()
}

func (s *Service) handleFailure(ctx context.Context, c *credential, err error) {
	kind := errkind.Of(err)

	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()

	if !errkind.IsRetryable(kind) {
		// Permission, Validation, Contract, and Fatal kinds are never
		// retryable: the credential is marked invalid and dropped from the
		// heap, not rescheduled.
		c.mu.Lock()
		c.status = StatusInvalid
		c.mu.Unlock()

		slog.Error("token refresh failed terminally, marking credential invalid", "credential", c.id, "kind", kind, "error", err)
		if s.emitter != nil {
			s.emitter.Emit(ctx, "credential.invalid", map[string]any{"credential_id": c.id, "error": err.Error()})
		}
		return
	}

	if attempts < maxAttempts {
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		c.mu.Lock()
		c.status = StatusDegraded
		c.mu.Unlock()

		slog.Warn("token refresh failed, retrying", "credential", c.id, "attempt", attempts, "backoff", backoff, "error", err)

		s.mu.Lock()
		c.refreshAt = s.now().Add(backoff)
		heap.Push(&s.pq, c)
		s.mu.Unlock()
		return
	}

	// Retry budget exhausted on an otherwise-retryable (Transient) failure:
	// stay degraded and keep rescheduling at a long interval rather than
	// giving up, since the underlying issue may still resolve itself.
	c.mu.Lock()
	c.status = StatusDegraded
	c.mu.Unlock()

	slog.Warn("token refresh retry budget exhausted, degraded", "credential", c.id, "error", err)

	s.mu.Lock()
	c.refreshAt = s.now().Add(degradedFor)
	heap.Push(&s.pq, c)
	s.mu.Unlock()
}

// credentialHeap implements container/heap.Interface ordered by refreshAt.
type credentialHeap []*credential

func (h credentialHeap) Len() int            { return len(h) }
func (h credentialHeap) Less(i, j int) bool  { return h[i].refreshAt.Before(h[j].refreshAt) }
func (h credentialHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *credentialHeap) Push(x any) {
	c := x.(*credential)
	c.heapIndex = len(*h)
	*h = append(*h, c)
}

func (h *credentialHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIndex = -1
	*h = old[:n-1]
	return c
}
