package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"github.com/valyala/fasttemplate"
)

// IssueState filters issues and pull requests by
// state.
type IssueState string

// Issue states accepted by the list endpoints.
const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
	IssueStateAll    IssueState = "all"
)

// Config holds the settings needed to create a Client.
type Config struct {
	// Owner is the target user or organisation.
	Owner string

	// Repo is the target repository within Owner.
	Repo string

	// Token holds the OAUTH token; it is read on
	// every request so it can be refreshed in place.
	Token *TokenHolder

	// DryRun disables every mutating API call.
	// Intended actions are logged instead.
	DryRun bool

	// BaseURL overrides the API endpoint (GitHub
	// Enterprise, tests). Empty means api.github.com.
	BaseURL string

	// Transport is the HTTP transport the client
	// sends requests through. Nil means the default
	// transport.
	Transport http.RoundTripper
}

// Client issues GitHub REST calls scoped to one
// owner/repo pair.
type Client struct {
	api      *gh.Client
	token    *TokenHolder
	owner    string
	repo     string
	dryRun   bool
	username string
}

// NewClient validates cfg and returns a Client. The
// token is injected per request through cfg.Token, so
// the returned client observes later Set calls.
func NewClient(cfg Config) (*Client, error) {
	const errCtx = "creating github client"

	if cfg.Owner == "" {
		return nil, fmt.Errorf(
			"%s: owner must be set", errCtx,
		)
	}

	if cfg.Repo == "" {
		return nil, fmt.Errorf(
			"%s: repo must be set", errCtx,
		)
	}

	if cfg.Token == nil {
		return nil, fmt.Errorf(
			"%s: token holder must be set", errCtx,
		)
	}

	api := gh.NewClient(&http.Client{
		Transport: &tokenTransport{
			base:   cfg.Transport,
			holder: cfg.Token,
		},
	})

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}

		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: base url: %w", errCtx, err,
			)
		}

		api.BaseURL = parsed
	}

	return &Client{
		api:    api,
		token:  cfg.Token,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		dryRun: cfg.DryRun,
	}, nil
}

// Token returns the holder whose value is read on
// every request.
func (c *Client) Token() *TokenHolder {
	return c.token
}

// Username returns the authenticated identity filled
// in by Login.
func (c *Client) Username() string {
	return c.username
}

// Login resolves the authenticated identity. It must
// be called before operations that default the source
// user to the authenticated one.
func (c *Client) Login(ctx context.Context) error {
	const errCtx = "resolving authenticated user"

	user, _, err := c.api.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	c.username = user.GetLogin()

	return nil
}

// FileURL returns the domain-relative tree URL for
// path on branch.
func (c *Client) FileURL(
	path string,
	branch string,
) string {
	return fasttemplate.ExecuteStringStd(
		"/{{user}}/{{repo}}/tree/{{branch}}/{{path}}",
		"{{", "}}",
		map[string]any{
			"user":   c.owner,
			"repo":   c.repo,
			"branch": branch,
			"path":   path,
		},
	)
}

// PRFilter selects pull requests for ListPullRequests.
// Zero-valued fields are not applied. FromUser
// defaults to the authenticated identity when
// FromBranch is set.
type PRFilter struct {
	FromBranch string
	FromUser   string
	ToBranch   string
	Number     int
	State      IssueState
}

// ListPullRequests returns the pull requests matching
// the filter. A Number filter fetches that single PR
// and returns a one-element list.
func (c *Client) ListPullRequests(
	ctx context.Context,
	filter PRFilter,
) ([]*gh.PullRequest, error) {
	const errCtx = "listing pull requests"

	if filter.Number != 0 {
		pr, _, err := c.api.PullRequests.Get(
			ctx, c.owner, c.repo, filter.Number,
		)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: number %d: %w",
				errCtx, filter.Number, err,
			)
		}

		return []*gh.PullRequest{pr}, nil
	}

	opts := &gh.PullRequestListOptions{
		Head:  c.headRef(filter.FromBranch, filter.FromUser),
		Base:  filter.ToBranch,
		State: string(filter.State),
	}

	prs, _, err := c.api.PullRequests.List(
		ctx, c.owner, c.repo, opts,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return prs, nil
}

// headRef formats the head filter as user:branch,
// defaulting the user to the authenticated identity.
func (c *Client) headRef(
	branch string,
	user string,
) string {
	if branch == "" {
		return ""
	}

	if user == "" {
		user = c.username
	}

	if user == "" {
		return branch
	}

	return user + ":" + branch
}

// CreatePROptions holds the optional parameters of
// CreatePullRequest. ToBranch defaults to "master";
// maintainer edits are allowed unless
// DisallowMaintainerEdits is set.
type CreatePROptions struct {
	FromBranch              string
	FromUser                string
	ToBranch                string
	Body                    string
	DisallowMaintainerEdits bool
}

// CreatePullRequest opens a new pull request. Under
// dry-run it logs the intended creation and returns a
// sentinel record with number -1 without any network
// call.
func (c *Client) CreatePullRequest(
	ctx context.Context,
	title string,
	opts CreatePROptions,
) (*gh.PullRequest, error) {
	const errCtx = "creating pull request"

	toBranch := opts.ToBranch
	if toBranch == "" {
		toBranch = "master"
	}

	head := opts.FromBranch
	if opts.FromUser != "" &&
		opts.FromUser != c.username {
		head = opts.FromUser + ":" + opts.FromBranch
	}

	if c.dryRun {
		slog.Info(
			"would create pull request",
			"title", title,
			"head", head,
			"base", toBranch,
		)

		return &gh.PullRequest{
			Number: gh.Ptr(-1),
		}, nil
	}

	slog.Info(
		"creating pull request", "title", title,
	)

	req := &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Base:  gh.Ptr(toBranch),
		MaintainerCanModify: gh.Ptr(
			!opts.DisallowMaintainerEdits,
		),
	}

	// Absent fields stay out of the payload.
	if head != "" {
		req.Head = gh.Ptr(head)
	}

	if opts.Body != "" {
		req.Body = gh.Ptr(opts.Body)
	}

	pr, _, err := c.api.PullRequests.Create(
		ctx, c.owner, c.repo, req,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return pr, nil
}

// IssueUpdate carries the partial update applied by
// UpdateIssue. Only supplied fields are sent.
type IssueUpdate struct {
	Labels []string
	Title  string
	Body   string
}

// UpdateIssue patches an existing issue (pull requests
// are issues). Under dry-run every intended change is
// logged and a sentinel record carrying just the
// number is returned.
func (c *Client) UpdateIssue(
	ctx context.Context,
	number int,
	upd IssueUpdate,
) (*gh.Issue, error) {
	const errCtx = "updating issue"

	if c.dryRun {
		slog.Info("would modify issue", "number", number)

		if upd.Title != "" {
			slog.Info("new title", "title", upd.Title)
		}

		if len(upd.Labels) > 0 {
			slog.Info(
				"new labels", "labels", upd.Labels,
			)
		}

		if upd.Body != "" {
			slog.Info("new body", "body", upd.Body)
		}

		return &gh.Issue{Number: gh.Ptr(number)}, nil
	}

	req := &gh.IssueRequest{}

	if upd.Title != "" {
		req.Title = gh.Ptr(upd.Title)
	}

	if len(upd.Labels) > 0 {
		req.Labels = &upd.Labels
	}

	if upd.Body != "" {
		req.Body = gh.Ptr(upd.Body)
	}

	slog.Info("modifying issue", "number", number)

	issue, _, err := c.api.Issues.Edit(
		ctx, c.owner, c.repo, number, req,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %d: %w", errCtx, number, err,
		)
	}

	return issue, nil
}

// CreateComment posts a comment on an issue and
// returns the created comment's id. Under dry-run it
// logs and returns -1.
func (c *Client) CreateComment(
	ctx context.Context,
	number int,
	body string,
) (int64, error) {
	const errCtx = "creating comment"

	if c.dryRun {
		slog.Info(
			"would create comment",
			"number", number,
		)

		return -1, nil
	}

	slog.Info("creating comment", "number", number)

	comment, _, err := c.api.Issues.CreateComment(
		ctx, c.owner, c.repo, number,
		&gh.IssueComment{Body: gh.Ptr(body)},
	)
	if err != nil {
		return 0, fmt.Errorf(
			"%s: %d: %w", errCtx, number, err,
		)
	}

	return comment.GetID(), nil
}

// ListPRFiles returns the files changed by a pull
// request.
func (c *Client) ListPRFiles(
	ctx context.Context,
	number int,
) ([]*gh.CommitFile, error) {
	const errCtx = "listing pull request files"

	files, _, err := c.api.PullRequests.ListFiles(
		ctx, c.owner, c.repo, number, nil,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %d: %w", errCtx, number, err,
		)
	}

	return files, nil
}

// IsOrgMember reports whether username is a member of
// the client's owner organisation. A not-found
// response means "not a member", not an error.
func (c *Client) IsOrgMember(
	ctx context.Context,
	username string,
) (bool, error) {
	const errCtx = "checking org membership"

	if username == "" {
		return false, nil
	}

	member, _, err := c.api.Organizations.IsMember(
		ctx, c.owner, username,
	)
	if err != nil {
		return false, fmt.Errorf(
			"%s: %s: %w", errCtx, username, err,
		)
	}

	slog.Debug(
		"org membership checked",
		"user", username,
		"org", c.owner,
		"member", member,
	)

	return member, nil
}
