package token

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/rakunlabs/cortex/internal/errkind"
)

type fakeRefresher struct {
	calls  int32
	err    error
	expiry time.Duration
}

func (f *fakeRefresher) Refresh(_ context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(f.expiry)}, nil
}

type noopEmitter struct {
	events int32
}

func (e *noopEmitter) Emit(_ context.Context, _ string, _ map[string]any) {
	atomic.AddInt32(&e.events, 1)
}

func TestRegisterAndToken(t *testing.T) {
	svc := New(nil)
	tok := &oauth2.Token{AccessToken: "initial", Expiry: time.Now().Add(time.Hour)}
	svc.Register("cred-a", tok, &fakeRefresher{})

	got, status, err := svc.Token("cred-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.AccessToken != "initial" || status != StatusHealthy {
		t.Fatalf("Token = (%v, %v), want (initial, healthy)", got.AccessToken, status)
	}
}

func TestRunRefreshesBeforeExpiry(t *testing.T) {
	svc := New(nil)
	refresher := &fakeRefresher{expiry: time.Hour}
	tok := &oauth2.Token{AccessToken: "initial", Expiry: time.Now().Add(50 * time.Millisecond)}
	svc.Register("cred-a", tok, refresher)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go svc.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, _, _ := svc.Token("cred-a")
		if got != nil && got.AccessToken == "fresh" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("credential was never refreshed")
}

func TestHandleFailureMarksInvalidOnPermissionError(t *testing.T) {
	emitter := &noopEmitter{}
	svc := New(emitter)
	permErr := errkind.New(errkind.Permission, errors.New("revoked"))
	refresher := &fakeRefresher{err: permErr}
	tok := &oauth2.Token{AccessToken: "initial", Expiry: time.Now()}
	svc.Register("cred-a", tok, refresher)
	c := svc.byID["cred-a"]

	svc.refreshOne(context.Background(), c)

	_, status, err := svc.Token("cred-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if status != StatusInvalid {
		t.Fatalf("status = %v, want invalid", status)
	}
	if atomic.LoadInt32(&emitter.events) != 1 {
		t.Fatalf("events = %d, want 1", emitter.events)
	}
}

func TestHandleFailureRetriesTransientError(t *testing.T) {
	svc := New(nil)
	refresher := &fakeRefresher{err: errors.New("network blip")}
	tok := &oauth2.Token{AccessToken: "initial", Expiry: time.Now()}
	svc.Register("cred-a", tok, refresher)
	c := svc.byID["cred-a"]

	svc.refreshOne(context.Background(), c)

	_, status, err := svc.Token("cred-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if status != StatusDegraded {
		t.Fatalf("status = %v, want degraded", status)
	}
}

func TestHandleFailureDegradesAndReschedulesAfterRetryBudgetExhausted(t *testing.T) {
	svc := New(nil)
	refresher := &fakeRefresher{err: errors.New("network blip")}
	tok := &oauth2.Token{AccessToken: "initial", Expiry: time.Now()}
	svc.Register("cred-a", tok, refresher)
	c := svc.byID["cred-a"]

	for i := 0; i < maxAttempts; i++ {
		svc.refreshOne(context.Background(), c)
	}

	_, status, err := svc.Token("cred-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if status != StatusDegraded {
		t.Fatalf("status = %v, want degraded (never invalid for a retryable kind)", status)
	}

	svc.mu.Lock()
	_, onHeap := pqIndex(&svc.pq, c)
	svc.mu.Unlock()
	if !onHeap {
		t.Fatal("credential was not rescheduled after retry budget exhaustion")
	}
}

func pqIndex(pq *credentialHeap, c *credential) (int, bool) {
	for i, cand := range *pq {
		if cand == c {
			return i, true
		}
	}
	return 0, false
}

func TestReconcilingCredentialRefusesInvalid(t *testing.T) {
	svc := New(nil)
	permErr := errkind.New(errkind.Permission, errors.New("revoked"))
	svc.Register("cred-a", &oauth2.Token{Expiry: time.Now()}, &fakeRefresher{err: permErr})
	svc.refreshOne(context.Background(), svc.byID["cred-a"])

	rc := NewReconcilingCredential(svc, "cred-a")
	if _, err := rc.Token(); err == nil {
		t.Fatal("Token: want error for invalid credential, got nil")
	}
}
