package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOAuth2ClientCredentialsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewOAuth2ClientCredentials("client-id", "client-secret", srv.URL, []string{"read"})

	tok, err := r.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "fresh-token" {
		t.Fatalf("access token = %q, want fresh-token", tok.AccessToken)
	}
}
