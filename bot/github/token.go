package github

import (
	"net/http"
	"sync/atomic"
)

// TokenHolder holds the OAUTH token shared between a
// session and the credential cache that refreshes it.
// Requests read the current value at call time, never
// at construction.
type TokenHolder struct {
	v atomic.Value
}

// NewTokenHolder returns a holder carrying token.
func NewTokenHolder(token string) *TokenHolder {
	th := &TokenHolder{}
	th.v.Store(token)

	return th
}

// Set replaces the held token.
func (th *TokenHolder) Set(token string) {
	th.v.Store(token)
}

// Token returns the current token.
func (th *TokenHolder) Token() string {
	s, _ := th.v.Load().(string)

	return s
}

// tokenTransport injects the holder's current token
// into every outgoing request.
type tokenTransport struct {
	base   http.RoundTripper
	holder *TokenHolder
}

// RoundTrip implements http.RoundTripper.
func (t *tokenTransport) RoundTrip(
	req *http.Request,
) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(
		"Authorization", "Bearer "+t.holder.Token(),
	)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(clone)
}
