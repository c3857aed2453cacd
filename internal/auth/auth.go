// Package auth defines the narrow bearer-token contract used by the transport
// layer and adapters for static and OAuth2 token sources.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/chatwire/internal/chaterr"
	"golang.org/x/oauth2"
)

// TokenProvider supplies the current bearer token. A failure is treated as
// an auth failure by callers, never as a network failure.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RejectionNotifier is optionally implemented by providers that want to know
// when the backend rejected the token they supplied.
type RejectionNotifier interface {
	TokenRejected()
}

// ProviderFunc adapts a function to TokenProvider.
type ProviderFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f ProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token.
type Static string

// Token returns the static token, failing when it is empty.
func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", chaterr.ErrTokenUnavailable
	}
	return token, nil
}

// NotifyRejected calls TokenRejected on p when it supports it.
func NotifyRejected(p TokenProvider) {
	if n, ok := p.(RejectionNotifier); ok {
		n.TokenRejected()
	}
}

// OAuth2Provider adapts an oauth2.TokenSource. A rejected token is dropped
// from the cache so the next call asks the underlying source again.
type OAuth2Provider struct {
	base oauth2.TokenSource

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewOAuth2Provider wraps src with token reuse until expiry.
func NewOAuth2Provider(src oauth2.TokenSource) *OAuth2Provider {
	return &OAuth2Provider{
		base:   src,
		source: oauth2.ReuseTokenSource(nil, src),
	}
}

// Token returns a valid access token.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", chaterr.ErrTokenUnavailable, err)
	}
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", chaterr.ErrTokenUnavailable, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", chaterr.ErrTokenUnavailable
	}
	return tok.AccessToken, nil
}

// TokenRejected discards the cached token.
func (p *OAuth2Provider) TokenRejected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = oauth2.ReuseTokenSource(nil, p.base)
}
