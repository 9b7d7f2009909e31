package appauth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/byte4ever/gitbot/bot/github"
)

const (
	// defaultJWTWindow is the validity window of a
	// freshly minted app credential.
	defaultJWTWindow = 600 * time.Second

	// renewMargin is the minimum remaining validity a
	// cached credential must have to be reused.
	renewMargin = 60 * time.Second

	// defaultSessionCacheSize bounds the number of
	// cached (installation, repository) sessions.
	defaultSessionCacheSize = 500

	defaultBaseURL = "https://api.github.com"

	// tokenMediaType is required by the installation
	// token endpoint.
	tokenMediaType = "application/vnd.github." +
		"machine-man-preview+json"
)

// credential is one (expiry, token) pair. Renewals
// overwrite the whole pair, never half of it.
type credential struct {
	expiry time.Time
	token  string
}

// usable reports whether the credential still has at
// least the renewal margin of validity left at now.
func (c credential) usable(now time.Time) bool {
	return !c.expiry.IsZero() &&
		!c.expiry.Before(now.Add(renewMargin))
}

// Config holds the settings needed to create an App.
type Config struct {
	// AppName identifies the app in User-Agent
	// headers.
	AppName string

	// AppID is the GitHub App identifier, used as the
	// JWT issuer claim.
	AppID string

	// PrivateKey is the app's RSA private key in PEM
	// form.
	PrivateKey []byte

	// BaseURL overrides the API endpoint. Empty means
	// api.github.com.
	BaseURL string

	// HTTPClient overrides the client used for token
	// issuance and sessions.
	HTTPClient *http.Client

	// JWTWindow is the validity window for minted app
	// credentials. Defaults to 600 seconds.
	JWTWindow time.Duration

	// SessionCacheSize bounds the session cache.
	// Defaults to 500 entries.
	SessionCacheSize int

	// DryRun is propagated to every session: mutating
	// API calls are logged, not performed.
	DryRun bool
}

// App holds the credential caches for one GitHub App.
// It is safe for concurrent use; two goroutines may
// both renew the same credential, in which case the
// last write wins and both returned tokens are valid.
type App struct {
	name      string
	appID     string
	key       *rsa.PrivateKey
	http      *http.Client
	baseURL   string
	jwtWindow time.Duration
	dryRun    bool

	// now is swapped in tests.
	now func() time.Time

	// mu guards jwt and tokens. Issuance network
	// calls happen outside the lock.
	mu     sync.Mutex
	jwt    credential
	tokens map[string]credential

	sessions *lru.Cache[sessionKey, *github.Client]
}

// New validates cfg and returns an App. The private
// key is exercised once so a broken key fails here,
// not on the first event.
func New(cfg Config) (*App, error) {
	const errCtx = "creating app handler"

	if cfg.AppName == "" {
		return nil, fmt.Errorf(
			"%s: app name must be set", errCtx,
		)
	}

	if cfg.AppID == "" {
		return nil, fmt.Errorf(
			"%s: app id must be set", errCtx,
		)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(
		cfg.PrivateKey,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: private key: %w", errCtx, err,
		)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	window := cfg.JWTWindow
	if window == 0 {
		window = defaultJWTWindow
	}

	size := cfg.SessionCacheSize
	if size == 0 {
		size = defaultSessionCacheSize
	}

	sessions, err := lru.New[sessionKey, *github.Client](size)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: session cache: %w", errCtx, err,
		)
	}

	a := &App{
		name:      cfg.AppName,
		appID:     cfg.AppID,
		key:       key,
		http:      httpClient,
		baseURL:   baseURL,
		jwtWindow: window,
		dryRun:    cfg.DryRun,
		now:       time.Now,
		tokens:    map[string]credential{},
		sessions:  sessions,
	}

	if _, err := a.AppJWT(); err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return a, nil
}

// AppJWT returns a signed credential authenticating as
// the app. The cached value is reused while it has at
// least 60 seconds of validity left.
func (a *App) AppJWT() (string, error) {
	const errCtx = "minting app credential"

	now := a.now()

	a.mu.Lock()
	cur := a.jwt
	a.mu.Unlock()

	if cur.usable(now) {
		slog.Info(
			"reusing app credential",
			"valid_min",
			int(cur.expiry.Sub(now).Minutes()),
		)

		return cur.token, nil
	}

	expiry := now.Add(a.jwtWindow)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
		Issuer:    a.appID,
	}

	token, err := jwt.NewWithClaims(
		jwt.SigningMethodRS256, claims,
	).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	a.mu.Lock()
	a.jwt = credential{expiry: expiry, token: token}
	a.mu.Unlock()

	slog.Info(
		"created new app credential",
		"valid_min",
		int(expiry.Sub(now).Minutes()),
	)

	return token, nil
}

// InstallationToken returns an OAUTH token for the
// given installation, requesting a fresh one from the
// token-issuance endpoint when the cached one is
// within the renewal margin of expiry. A 4xx from the
// issuer is logged with installation context and
// returned unretried.
func (a *App) InstallationToken(
	ctx context.Context,
	installation string,
) (string, error) {
	const errCtx = "getting installation token"

	now := a.now()

	a.mu.Lock()
	cur := a.tokens[installation]
	a.mu.Unlock()

	if cur.usable(now) {
		slog.Info(
			"reusing installation token",
			"installation", installation,
			"valid_min",
			int(cur.expiry.Sub(now).Minutes()),
		)

		return cur.token, nil
	}

	appJWT, err := a.AppJWT()
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	issued, err := a.requestToken(
		ctx, installation, appJWT,
	)
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	a.mu.Lock()
	a.tokens[installation] = issued
	a.mu.Unlock()

	slog.Info(
		"created new installation token",
		"installation", installation,
		"valid_min",
		int(issued.expiry.Sub(now).Minutes()),
	)

	return issued.token, nil
}

// requestToken calls the token-issuance endpoint for
// one installation, authenticating with the app
// credential.
func (a *App) requestToken(
	ctx context.Context,
	installation string,
	appJWT string,
) (credential, error) {
	const errCtx = "requesting installation token"

	url := a.baseURL + "/app/installations/" +
		installation + "/access_tokens"

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, nil,
	)
	if err != nil {
		return credential{}, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	req.Header.Set(
		"Authorization", "Bearer "+appJWT,
	)
	req.Header.Set("Accept", tokenMediaType)
	req.Header.Set("User-Agent", a.name)

	resp, err := a.http.Do(req)
	if err != nil {
		return credential{}, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential{}, fmt.Errorf(
			"%s: read response: %w", errCtx, err,
		)
	}

	if resp.StatusCode < 200 ||
		resp.StatusCode > 299 {
		slog.Error(
			"failed to get installation token",
			"installation", installation,
			"status", resp.StatusCode,
			"body", string(body),
		)

		return credential{}, fmt.Errorf(
			"%s: installation %s: status %d: %s",
			errCtx, installation,
			resp.StatusCode, string(body),
		)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return credential{}, fmt.Errorf(
			"%s: decode response: %w", errCtx, err,
		)
	}

	expiry, err := parseISOTime(out.ExpiresAt)
	if err != nil {
		return credential{}, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return credential{
		expiry: expiry,
		token:  out.Token,
	}, nil
}

// parseISOTime parses a UTC ISO 8601 timestamp. The
// literal trailing "Z" is required; anything else is
// an input-format error, never repaired.
func parseISOTime(s string) (time.Time, error) {
	const errCtx = "parsing token expiry"

	if len(s) == 0 || s[len(s)-1] != 'Z' {
		return time.Time{}, fmt.Errorf(
			"%s: %q not in UTC", errCtx, s,
		)
	}

	t, err := time.Parse(
		"2006-01-02T15:04:05Z", s,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"%s: %q: %w", errCtx, s, err,
		)
	}

	return t, nil
}
