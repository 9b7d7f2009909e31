// Package appauth manages the credentials needed to
// act as a GitHub App across many installations.
//
// An App owns one short-lived signed app credential
// (an RS256 JWT) and one expiring OAUTH token per
// installation. Both are renewed lazily: a cached
// value is handed out unchanged while it has at least
// 60 seconds of validity left, otherwise a fresh one
// is minted (JWT) or requested from the token-issuance
// endpoint (installation tokens, authenticated with
// the current JWT).
//
// Sessions — one github.Client per (installation,
// repository) pair — are kept in a bounded LRU cache.
// A cache hit refreshes the session's token in place
// rather than rebuilding the client, so in-flight
// callers keep working as long as they read the token
// at call time.
package appauth
