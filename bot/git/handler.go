package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/valyala/fasttemplate"
)

var (
	// ErrRemoteNotFound is returned when no remote
	// matches a name or URL substring.
	ErrRemoteNotFound = errors.New("remote not found")

	// ErrDirtyRepository is returned when a handler is
	// opened over a checkout with uncommitted changes.
	ErrDirtyRepository = errors.New(
		"repository has uncommitted changes",
	)

	// ErrPathOutsideRepo is returned when a file path
	// does not resolve inside the repository root.
	ErrPathOutsideRepo = errors.New(
		"path outside repository",
	)

	// ErrBranchNotCheckedOut is returned when a commit
	// targets a branch other than the checked-out one.
	ErrBranchNotCheckedOut = errors.New(
		"branch not checked out",
	)
)

// Branch identifies a branch and the commit it points
// at.
type Branch struct {
	// Name is the short branch name.
	Name string
	// Hash is the commit the branch points at.
	Hash plumbing.Hash
}

// Config holds the settings needed to open a Handler
// over an existing local checkout.
type Config struct {
	// Dir is the path of the local checkout. Parent
	// directories are searched for the .git directory.
	Dir string

	// Home matches the canonical upstream remote by
	// exact name or URL substring.
	Home string

	// Fork matches the remote pushes are made to.
	// Empty means the home remote doubles as the fork.
	Fork string

	// PrimaryBranch is the upstream default branch new
	// work branches are created from. Defaults to
	// "master".
	PrimaryBranch string

	// DryRun disables every mutation of remote state.
	// Intended actions are logged instead.
	DryRun bool
}

// Handler wraps one physical checkout. It may be
// shared by concurrent tasks; operations that mutate
// the checked-out tree serialize on an internal lock.
type Handler struct {
	repo    *gogit.Repository
	dir     string
	dryRun  bool
	primary string

	homeRemote *gogit.Remote
	forkRemote *gogit.Remote

	// workdir guards checkout, branch creation and
	// staging on the shared working tree.
	workdir sync.Mutex

	// prevBranch is restored by Close.
	prevBranch plumbing.ReferenceName

	// tmpDir is set when the checkout was created by
	// Clone and is removed by Close.
	tmpDir string
}

// Open wraps the existing checkout named by cfg. It
// refuses to operate on a dirty working tree.
func Open(cfg Config) (*Handler, error) {
	const errCtx = "opening repository"

	if cfg.Dir == "" {
		return nil, fmt.Errorf(
			"%s: dir must be set", errCtx,
		)
	}

	repo, err := gogit.PlainOpenWithOptions(
		cfg.Dir,
		&gogit.PlainOpenOptions{DetectDotGit: true},
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, cfg.Dir, err,
		)
	}

	return newHandler(repo, cfg, "")
}

// newHandler performs the checks shared by Open and
// Clone: clean tree, remote resolution, recording the
// branch to restore on Close.
func newHandler(
	repo *gogit.Repository,
	cfg Config,
	tmpDir string,
) (*Handler, error) {
	const errCtx = "initialising repository handler"

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf(
			"%s: worktree: %w", errCtx, err,
		)
	}

	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf(
			"%s: status: %w", errCtx, err,
		)
	}

	if !st.IsClean() {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, ErrDirtyRepository,
		)
	}

	primary := cfg.PrimaryBranch
	if primary == "" {
		primary = "master"
	}

	h := &Handler{
		repo:    repo,
		dir:     wt.Filesystem.Root(),
		dryRun:  cfg.DryRun,
		primary: primary,
		tmpDir:  tmpDir,
	}

	h.homeRemote, err = h.Remote(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: home remote: %w", errCtx, err,
		)
	}

	if cfg.Fork != "" {
		h.forkRemote, err = h.Remote(cfg.Fork)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: fork remote: %w", errCtx, err,
			)
		}
	} else {
		h.forkRemote = h.homeRemote
	}

	if head, headErr := repo.Head(); headErr == nil {
		h.prevBranch = head.Name()
	}

	return h, nil
}

// CloneConfig holds the settings needed to create a
// Handler over a fresh temporary clone.
type CloneConfig struct {
	// Home is the canonical repository path, e.g.
	// "org/repo".
	Home string

	// Fork is the optional fork repository path. When
	// set it is added as a remote named "fork" and
	// fetched.
	Fork string

	// Username for URL authentication. Defaults to
	// "x-access-token" when only a password is given.
	Username string

	// Password is a password or installation token.
	// It is masked in log output.
	Password string

	// URLFormat builds clone URLs from {{userpass}}
	// and {{path}}. Defaults to
	// "https://{{userpass}}github.com/{{path}}.git".
	URLFormat string

	// PrimaryBranch is the upstream default branch.
	// Defaults to "master".
	PrimaryBranch string

	// DryRun disables every mutation of remote state.
	DryRun bool
}

const defaultURLFormat = "https://{{userpass}}" +
	"github.com/{{path}}.git"

// Clone clones cfg.Home into a temporary directory
// and returns a Handler over it. Close removes the
// directory again.
func Clone(
	ctx context.Context,
	cfg CloneConfig,
) (*Handler, error) {
	const errCtx = "cloning repository"

	if cfg.Home == "" {
		return nil, fmt.Errorf(
			"%s: home must be set", errCtx,
		)
	}

	username := cfg.Username
	if username == "" && cfg.Password != "" {
		username = "x-access-token"
	}

	userpass, safeUserpass := "", ""
	if username != "" {
		userpass, safeUserpass = username, username
		if cfg.Password != "" {
			userpass += ":" + cfg.Password
			safeUserpass += ":XXXXXX"
		}

		userpass += "@"
		safeUserpass += "@"
	}

	format := cfg.URLFormat
	if format == "" {
		format = defaultURLFormat
	}

	cloneURL := func(userpass, path string) string {
		return fasttemplate.ExecuteStringStd(
			format, "{{", "}}",
			map[string]any{
				"userpass": userpass,
				"path":     path,
			},
		)
	}

	dir, err := os.MkdirTemp("", "gitbot-*")
	if err != nil {
		return nil, fmt.Errorf(
			"%s: temp dir: %w", errCtx, err,
		)
	}

	slog.Info(
		"cloning repository",
		"url", cloneURL(safeUserpass, cfg.Home),
		"dir", dir,
	)

	repo, err := gogit.PlainCloneContext(
		ctx, dir, false,
		&gogit.CloneOptions{
			URL: cloneURL(userpass, cfg.Home),
		},
	)
	if err != nil {
		_ = os.RemoveAll(dir)

		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	if cfg.Fork != "" {
		slog.Info(
			"adding fork remote",
			"url", cloneURL(safeUserpass, cfg.Fork),
		)

		fork, remoteErr := repo.CreateRemote(
			&config.RemoteConfig{
				Name: "fork",
				URLs: []string{
					cloneURL(userpass, cfg.Fork),
				},
			},
		)
		if remoteErr != nil {
			_ = os.RemoveAll(dir)

			return nil, fmt.Errorf(
				"%s: fork remote: %w",
				errCtx, remoteErr,
			)
		}

		fetchErr := fork.FetchContext(
			ctx, &gogit.FetchOptions{},
		)
		if fetchErr != nil && !errors.Is(
			fetchErr, gogit.NoErrAlreadyUpToDate,
		) {
			_ = os.RemoveAll(dir)

			return nil, fmt.Errorf(
				"%s: fetch fork: %w",
				errCtx, fetchErr,
			)
		}
	}

	return newHandler(repo, Config{
		Dir:           dir,
		Home:          cfg.Home,
		Fork:          cfg.Fork,
		PrimaryBranch: cfg.PrimaryBranch,
		DryRun:        cfg.DryRun,
	}, dir)
}

// Close restores the branch that was checked out when
// the handler was opened. Temporary clones are removed.
func (h *Handler) Close() error {
	const errCtx = "closing repository handler"

	if h.tmpDir != "" {
		slog.Info(
			"removing temporary clone",
			"dir", h.tmpDir,
		)

		if err := os.RemoveAll(h.tmpDir); err != nil {
			return fmt.Errorf(
				"%s: %w", errCtx, err,
			)
		}

		return nil
	}

	if h.prevBranch == "" ||
		!h.prevBranch.IsBranch() {
		return nil
	}

	slog.Info(
		"restoring branch",
		"branch", h.prevBranch.Short(),
	)

	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf(
			"%s: worktree: %w", errCtx, err,
		)
	}

	if err := wt.Checkout(
		&gogit.CheckoutOptions{Branch: h.prevBranch},
	); err != nil {
		return fmt.Errorf(
			"%s: checkout %s: %w",
			errCtx, h.prevBranch.Short(), err,
		)
	}

	return nil
}

// Dir returns the filesystem root of the checkout.
func (h *Handler) Dir() string {
	return h.dir
}

// DryRun reports whether remote mutations are
// disabled.
func (h *Handler) DryRun() bool {
	return h.dryRun
}

// Remote finds a remote by exact name, then by desc
// being a substring of a remote URL. Substring matches
// scan remote names in sorted order so resolution is
// deterministic.
func (h *Handler) Remote(
	desc string,
) (*gogit.Remote, error) {
	const errCtx = "resolving remote"

	if r, err := h.repo.Remote(desc); err == nil {
		return r, nil
	}

	cfg, err := h.repo.Config()
	if err != nil {
		return nil, fmt.Errorf(
			"%s: config: %w", errCtx, err,
		)
	}

	names := make([]string, 0, len(cfg.Remotes))
	for name := range cfg.Remotes {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		for _, u := range cfg.Remotes[name].URLs {
			if strings.Contains(u, desc) {
				return h.repo.Remote(name)
			}
		}
	}

	return nil, fmt.Errorf(
		"%s: %q: %w", errCtx, desc,
		ErrRemoteNotFound,
	)
}

// LocalBranch finds the local branch named name.
// Returns nil when it does not exist.
func (h *Handler) LocalBranch(
	name string,
) (*Branch, error) {
	const errCtx = "finding local branch"

	ref, err := h.repo.Reference(
		plumbing.NewBranchReferenceName(name), true,
	)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, name, err,
		)
	}

	return &Branch{Name: name, Hash: ref.Hash()}, nil
}

// RemoteBranch finds the branch named name on the fork
// remote's tracking refs. Absence is logged and
// reported as nil, not as an error.
func (h *Handler) RemoteBranch(
	name string,
) (*Branch, error) {
	const errCtx = "finding remote branch"

	forkName := h.forkRemote.Config().Name

	ref, err := h.repo.Reference(
		plumbing.NewRemoteReferenceName(
			forkName, name,
		), true,
	)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		slog.Error(
			"branch not found on fork remote",
			"branch", name,
			"remote", forkName,
		)

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, name, err,
		)
	}

	return &Branch{Name: name, Hash: ref.Hash()}, nil
}

// CreateLocalBranch creates a local branch pointing at
// the fork remote's branch of the same name. The
// remote branch must exist.
func (h *Handler) CreateLocalBranch(
	name string,
) (*Branch, error) {
	const errCtx = "creating local branch"

	remote, err := h.RemoteBranch(name)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	if remote == nil {
		return nil, fmt.Errorf(
			"%s: branch %q not on fork remote",
			errCtx, name,
		)
	}

	if err := h.repo.Storer.SetReference(
		plumbing.NewHashReference(
			plumbing.NewBranchReferenceName(name),
			remote.Hash,
		),
	); err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, name, err,
		)
	}

	return h.LocalBranch(name)
}

// DeleteLocalBranch deletes branch locally.
func (h *Handler) DeleteLocalBranch(
	branch *Branch,
) error {
	const errCtx = "deleting local branch"

	if err := h.repo.Storer.RemoveReference(
		plumbing.NewBranchReferenceName(branch.Name),
	); err != nil {
		return fmt.Errorf(
			"%s: %s: %w", errCtx, branch.Name, err,
		)
	}

	return nil
}

// DeleteRemoteBranch deletes the named branch on the
// fork remote. Under dry-run the intended deletion is
// logged and nothing is pushed.
func (h *Handler) DeleteRemoteBranch(
	ctx context.Context,
	name string,
) error {
	const errCtx = "deleting remote branch"

	if h.dryRun {
		slog.Info(
			"would delete remote branch",
			"branch", name,
		)

		return nil
	}

	slog.Info("deleting remote branch", "branch", name)

	err := h.forkRemote.PushContext(
		ctx, &gogit.PushOptions{
			RefSpecs: []config.RefSpec{
				config.RefSpec(
					":refs/heads/" + name,
				),
			},
		},
	)
	if err != nil &&
		!errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf(
			"%s: %s: %w", errCtx, name, err,
		)
	}

	return nil
}

// ReadFileAtBranch reads path from branch's commit
// tree without checking the branch out. The path must
// resolve inside the repository root.
func (h *Handler) ReadFileAtBranch(
	branch *Branch,
	path string,
) ([]byte, error) {
	const errCtx = "reading file at branch"

	rel, err := h.relPath(path)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	commit, err := h.repo.CommitObject(branch.Hash)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: commit %s: %w",
			errCtx, branch.Hash, err,
		)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf(
			"%s: tree: %w", errCtx, err,
		)
	}

	file, err := tree.File(rel)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %s on %s: %w",
			errCtx, rel, branch.Name, err,
		)
	}

	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf(
			"%s: %s: %w", errCtx, rel, err,
		)
	}

	return []byte(contents), nil
}

// SetUser writes user.name, user.email and optionally
// user.signingkey to the repository configuration.
// Empty email defaults to the noreply address for
// user.
func (h *Handler) SetUser(
	user string,
	email string,
	signingKey string,
) error {
	const errCtx = "setting repository user"

	cfg, err := h.repo.Config()
	if err != nil {
		return fmt.Errorf(
			"%s: config: %w", errCtx, err,
		)
	}

	if email == "" {
		email = user + "@users.noreply.github.com"
	}

	cfg.User.Name = user
	cfg.User.Email = email

	if signingKey != "" {
		cfg.Raw.Section("user").
			SetOption("signingkey", signingKey)
	}

	if err := h.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return nil
}

// relPath canonicalizes path and verifies it resolves
// inside the repository root, returning the
// slash-separated path relative to the root. Relative
// paths are taken relative to the root itself.
func (h *Handler) relPath(path string) (string, error) {
	const errCtx = "resolving repository path"

	root, err := filepath.Abs(h.dir)
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	sep := string(filepath.Separator)
	if abs != root &&
		!strings.HasPrefix(abs, root+sep) {
		return "", fmt.Errorf(
			"%s: %s not inside %s: %w",
			errCtx, abs, root, ErrPathOutsideRepo,
		)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return filepath.ToSlash(rel), nil
}
