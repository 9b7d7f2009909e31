package appauth

import "time"

// Exported hooks for testing internals from the
// appauth_test package.

// ParseISOTimeForTest exposes parseISOTime.
var ParseISOTimeForTest = parseISOTime

// SetNowForTest swaps the app's clock.
func (a *App) SetNowForTest(now func() time.Time) {
	a.now = now
}

// JWTExpiryForTest returns the cached app credential
// expiry.
func (a *App) JWTExpiryForTest() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.jwt.expiry
}

// SessionCacheLenForTest returns the number of cached
// sessions.
func (a *App) SessionCacheLenForTest() int {
	return a.sessions.Len()
}
