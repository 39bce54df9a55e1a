package cache

import (
	"testing"
	"time"
)

func newTestManager() *Manager {
	return New(Sizes{LLM: 2, Tool: 2, Retrieval: 2, DefaultTTL: time.Hour})
}

func TestGetSetRemove(t *testing.T) {
	m := newTestManager()

	if _, ok := m.Get(LLM, "k"); ok {
		t.Fatal("Get on empty cache returned ok=true")
	}

	m.Set(LLM, "k", "v", 0)
	got, ok := m.Get(LLM, "k")
	if !ok || got != "v" {
		t.Fatalf("Get = (%v, %v), want (v, true)", got, ok)
	}

	m.Remove(LLM, "k")
	if _, ok := m.Get(LLM, "k"); ok {
		t.Fatal("Get after Remove returned ok=true")
	}
}

func TestTTLExpiry(t *testing.T) {
	m := newTestManager()
	m.Set(Tool, "k", "v", 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(Tool, "k"); ok {
		t.Fatal("Get after TTL expiry returned ok=true")
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	m := newTestManager()
	m.Set(Retrieval, "a", 1, 0)
	m.Set(Retrieval, "b", 2, 0)
	m.Set(Retrieval, "c", 3, 0) // evicts "a" (capacity 2, LRU)

	if _, ok := m.Get(Retrieval, "a"); ok {
		t.Fatal("expected \"a\" to be evicted")
	}

	stats := m.Stats()
	var retrieval Stats
	for _, s := range stats {
		if s.Name == Retrieval {
			retrieval = s
		}
	}
	if retrieval.Evictions < 1 {
		t.Fatalf("Evictions = %d, want >= 1", retrieval.Evictions)
	}
}

func TestHitRateAndDegraded(t *testing.T) {
	s := Stats{Hits: 1, Misses: 9}
	if rate := s.HitRate(); rate != 0.1 {
		t.Fatalf("HitRate() = %v, want 0.1", rate)
	}
	if !s.Degraded() {
		t.Fatal("expected Degraded() to be true for a 10% hit rate")
	}
}

func TestKeyIsStableAcrossMapOrdering(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	ka, err := Key(a)
	if err != nil {
		t.Fatalf("Key(a): %v", err)
	}
	kb, err := Key(b)
	if err != nil {
		t.Fatalf("Key(b): %v", err)
	}
	if ka != kb {
		t.Fatalf("Key differs for equivalent maps: %q vs %q", ka, kb)
	}
}
