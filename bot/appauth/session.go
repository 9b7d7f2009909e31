package appauth

import (
	"context"
	"fmt"

	"github.com/byte4ever/gitbot/bot/event"
	"github.com/byte4ever/gitbot/bot/github"
)

// sessionKey identifies one cached session.
type sessionKey struct {
	installation string
	repo         string
}

// Session returns the API client for one installation
// and repository. A cached session is reused with its
// token refreshed in place; otherwise a new session is
// constructed, stored and returned.
func (a *App) Session(
	ctx context.Context,
	installation string,
	owner string,
	repo string,
) (*github.Client, error) {
	const errCtx = "getting api session"

	key := sessionKey{
		installation: installation,
		repo:         repo,
	}

	token, err := a.InstallationToken(
		ctx, installation,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	if sess, ok := a.sessions.Get(key); ok {
		// Installation tokens expire; refresh the
		// one embedded in the cached session.
		sess.Token().Set(token)

		return sess, nil
	}

	sess, err := github.NewClient(github.Config{
		Owner:     owner,
		Repo:      repo,
		Token:     github.NewTokenHolder(token),
		DryRun:    a.dryRun,
		BaseURL:   a.baseURL,
		Transport: a.http.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	a.sessions.Add(key, sess)

	return sess, nil
}

// SessionFromEvent returns the session for the
// installation and repository a webhook event names.
func (a *App) SessionFromEvent(
	ctx context.Context,
	ev *event.Event,
) (*github.Client, error) {
	const errCtx = "getting session for event"

	installation, err := ev.Get("installation/id")
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	owner, err := ev.Get("repository/owner/login")
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	repo, err := ev.Get("repository/name")
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return a.Session(ctx, installation, owner, repo)
}
