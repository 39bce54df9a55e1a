package token

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2ClientCredentials refreshes a credential via the OAuth2 client
// credentials grant, the same flow vertex.go's google.DefaultTokenSource
// wraps for Vertex AI, generalized here to any connector or toolset backend
// that exposes a token endpoint.
type OAuth2ClientCredentials struct {
	cfg clientcredentials.Config
}

// NewOAuth2ClientCredentials builds a Refresher for the client credentials
// grant against tokenURL, scoped to scopes.
func NewOAuth2ClientCredentials(clientID, clientSecret, tokenURL string, scopes []string) *OAuth2ClientCredentials {
	return &OAuth2ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

// Refresh ignores current and always requests a fresh token: the client
// credentials grant has no refresh token to exchange, only re-authentication.
func (r *OAuth2ClientCredentials) Refresh(ctx context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	return r.cfg.Token(ctx)
}
