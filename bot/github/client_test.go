package github_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4ever/gitbot/bot/github"
)

// newTestClient returns a client pointed at a test
// server running handler.
func newTestClient(
	tb testing.TB,
	handler http.Handler,
	dryRun bool,
) (*github.Client, *github.TokenHolder) {
	tb.Helper()

	ts := httptest.NewServer(handler)
	tb.Cleanup(ts.Close)

	th := github.NewTokenHolder("tok-1")

	c, err := github.NewClient(github.Config{
		Owner:   "acme",
		Repo:    "widgets",
		Token:   th,
		DryRun:  dryRun,
		BaseURL: ts.URL,
	})
	require.NoError(tb, err)

	return c, th
}

// noNetwork fails the test on any request.
func noNetwork(tb testing.TB) http.Handler {
	return http.HandlerFunc(func(
		http.ResponseWriter, *http.Request,
	) {
		tb.Error("unexpected network call")
	})
}

func jsonResponse(
	w http.ResponseWriter,
	status int,
	body string,
) {
	w.Header().Set(
		"Content-Type", "application/json",
	)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewClient_validation(t *testing.T) {
	t.Parallel()

	th := github.NewTokenHolder("tok")

	tests := []struct {
		name    string
		cfg     github.Config
		wantErr string
	}{
		{
			name: "missing owner",
			cfg: github.Config{
				Repo: "r", Token: th,
			},
			wantErr: "owner must be set",
		},
		{
			name: "missing repo",
			cfg: github.Config{
				Owner: "o", Token: th,
			},
			wantErr: "repo must be set",
		},
		{
			name: "missing token",
			cfg: github.Config{
				Owner: "o", Repo: "r",
			},
			wantErr: "token holder must be set",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := github.NewClient(tt.cfg)

			assert.Nil(t, c)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLogin_and_token_refresh(t *testing.T) {
	t.Parallel()

	var seen []string

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		seen = append(
			seen, r.Header.Get("Authorization"),
		)
		jsonResponse(
			w, http.StatusOK, `{"login":"botty"}`,
		)
	})

	c, th := newTestClient(t, handler, false)

	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	assert.Equal(t, "botty", c.Username())

	// Refresh the token in place; the next request
	// must carry the new value.
	th.Set("tok-2")
	require.NoError(t, c.Login(ctx))

	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer tok-1", seen[0])
	assert.Equal(t, "Bearer tok-2", seen[1])
}

func TestListPullRequests_filters(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		switch r.URL.Path {
		case "/user":
			jsonResponse(
				w, http.StatusOK,
				`{"login":"botty"}`,
			)
		case "/repos/acme/widgets/pulls":
			q := r.URL.Query()
			assert.Equal(
				t, "botty:feat", q.Get("head"),
			)
			assert.Equal(t, "master", q.Get("base"))
			assert.Equal(t, "open", q.Get("state"))
			jsonResponse(
				w, http.StatusOK, `[{"number":3}]`,
			)
		default:
			t.Errorf(
				"unexpected path %s", r.URL.Path,
			)
		}
	})

	c, _ := newTestClient(t, handler, false)

	ctx := context.Background()

	require.NoError(t, c.Login(ctx))

	prs, err := c.ListPullRequests(
		ctx, github.PRFilter{
			FromBranch: "feat",
			ToBranch:   "master",
			State:      github.IssueStateOpen,
		},
	)

	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 3, prs[0].GetNumber())
}

func TestListPullRequests_by_number(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		assert.Equal(
			t,
			"/repos/acme/widgets/pulls/7",
			r.URL.Path,
		)
		jsonResponse(
			w, http.StatusOK, `{"number":7}`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	prs, err := c.ListPullRequests(
		context.Background(),
		github.PRFilter{Number: 7},
	)

	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 7, prs[0].GetNumber())
}

func TestCreatePullRequest(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(
			t,
			"/repos/acme/widgets/pulls",
			r.URL.Path,
		)

		var body map[string]any

		require.NoError(
			t,
			json.NewDecoder(r.Body).Decode(&body),
		)
		assert.Equal(t, "feat", body["head"])
		assert.Equal(t, "master", body["base"])
		assert.Equal(
			t, true, body["maintainer_can_modify"],
		)

		jsonResponse(
			w, http.StatusCreated, `{"number":12}`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	pr, err := c.CreatePullRequest(
		context.Background(),
		"add widget",
		github.CreatePROptions{
			FromBranch: "feat",
		},
	)

	require.NoError(t, err)
	assert.Equal(t, 12, pr.GetNumber())
}

func TestCreatePullRequest_omits_absent_fields(
	t *testing.T,
) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		var body map[string]any

		require.NoError(
			t,
			json.NewDecoder(r.Body).Decode(&body),
		)
		assert.Equal(t, "add widget", body["title"])
		assert.Equal(t, "master", body["base"])
		assert.NotContains(t, body, "head")
		assert.NotContains(t, body, "body")

		jsonResponse(
			w, http.StatusCreated, `{"number":13}`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	pr, err := c.CreatePullRequest(
		context.Background(),
		"add widget",
		github.CreatePROptions{},
	)

	require.NoError(t, err)
	assert.Equal(t, 13, pr.GetNumber())
}

func TestCreatePullRequest_dry_run(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, noNetwork(t), true)

	pr, err := c.CreatePullRequest(
		context.Background(),
		"add widget",
		github.CreatePROptions{FromBranch: "feat"},
	)

	require.NoError(t, err)
	assert.Equal(t, -1, pr.GetNumber())
}

func TestUpdateIssue_partial(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(
			t,
			"/repos/acme/widgets/issues/5",
			r.URL.Path,
		)

		var body map[string]any

		require.NoError(
			t,
			json.NewDecoder(r.Body).Decode(&body),
		)

		// Only the supplied field is sent.
		assert.Equal(t, "new title", body["title"])
		assert.NotContains(t, body, "body")
		assert.NotContains(t, body, "labels")

		jsonResponse(
			w, http.StatusOK, `{"number":5}`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	issue, err := c.UpdateIssue(
		context.Background(), 5,
		github.IssueUpdate{Title: "new title"},
	)

	require.NoError(t, err)
	assert.Equal(t, 5, issue.GetNumber())
}

func TestUpdateIssue_dry_run(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, noNetwork(t), true)

	issue, err := c.UpdateIssue(
		context.Background(), 5,
		github.IssueUpdate{
			Title:  "t",
			Labels: []string{"bot"},
		},
	)

	require.NoError(t, err)
	assert.Equal(t, 5, issue.GetNumber())
}

func TestCreateComment(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(
			t,
			"/repos/acme/widgets/issues/5/comments",
			r.URL.Path,
		)
		jsonResponse(
			w, http.StatusCreated, `{"id":42}`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	id, err := c.CreateComment(
		context.Background(), 5, "hello",
	)

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestCreateComment_dry_run(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, noNetwork(t), true)

	id, err := c.CreateComment(
		context.Background(), 5, "hello",
	)

	require.NoError(t, err)
	assert.Equal(t, int64(-1), id)
}

func TestListPRFiles(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request,
	) {
		assert.Equal(
			t,
			"/repos/acme/widgets/pulls/5/files",
			r.URL.Path,
		)
		jsonResponse(
			w, http.StatusOK,
			`[{"filename":"recipes/one.txt"}]`,
		)
	})

	c, _ := newTestClient(t, handler, false)

	files, err := c.ListPRFiles(
		context.Background(), 5,
	)

	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(
		t,
		"recipes/one.txt",
		files[0].GetFilename(),
	)
}

func TestIsOrgMember(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		want    bool
		wantErr bool
	}{
		{
			name:   "member",
			status: http.StatusNoContent,
			want:   true,
		},
		{
			name:   "not found means not a member",
			status: http.StatusNotFound,
			want:   false,
		},
		{
			name:    "server error propagates",
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := http.HandlerFunc(func(
				w http.ResponseWriter,
				r *http.Request,
			) {
				assert.Equal(
					t,
					"/orgs/acme/members/someone",
					r.URL.Path,
				)
				w.WriteHeader(tt.status)
			})

			c, _ := newTestClient(
				t, handler, false,
			)

			member, err := c.IsOrgMember(
				context.Background(), "someone",
			)

			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, member)
		})
	}
}

func TestIsOrgMember_empty_user(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, noNetwork(t), false)

	member, err := c.IsOrgMember(
		context.Background(), "",
	)

	require.NoError(t, err)
	assert.False(t, member)
}

func TestFileURL(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, noNetwork(t), false)

	got := c.FileURL(
		"recipes/one.txt", "master",
	)

	assert.Equal(
		t,
		"/acme/widgets/tree/master/recipes/one.txt",
		got,
	)
}
