package token

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// ReconcilingCredential adapts a Service-managed credential to oauth2's
// TokenSource interface for use with any http.Client built on top of
// oauth2.Transport. Unlike oauth2's own ReuseTokenSource, it never caches a
// token itself: every call re-reads the service's current value, so a
// background refresh (or an operator-triggered key rotation) is picked up
// by the very next outbound request without restarting the caller.
type ReconcilingCredential struct {
	id  string
	svc *Service
}

// NewReconcilingCredential returns a TokenSource that hot-swaps to whatever
// token the service currently holds for id.
func NewReconcilingCredential(svc *Service, id string) *ReconcilingCredential {
	return &ReconcilingCredential{id: id, svc: svc}
}

func (r *ReconcilingCredential) Token() (*oauth2.Token, error) {
	tok, status, err := r.svc.Token(r.id)
	if err != nil {
		return nil, err
	}
	if status == StatusInvalid {
		return nil, fmt.Errorf("token: credential %q is invalid, refuses to serve a token", r.id)
	}
	return tok, nil
}

var _ oauth2.TokenSource = (*ReconcilingCredential)(nil)

// StaticRefresher is a Refresher for credentials that never expire (e.g. a
// long-lived PAT registered with a far-future Expiry) — Refresh is never
// actually expected to be called but satisfies the interface so such
// credentials can still be Register-ed uniformly.
type StaticRefresher struct {
	Token *oauth2.Token
}

func (s StaticRefresher) Refresh(_ context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	return s.Token, nil
}
