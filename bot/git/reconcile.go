package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/byte4ever/gitbot/bot/exec"
)

// PushError is returned when a push reports any status
// flag beyond fast-forward or new-head. Summary is the
// remote's failure text.
type PushError struct {
	// Flag is the porcelain status flag character.
	Flag byte
	// Summary is the remote's summary text.
	Summary string
}

// Error implements the error interface.
func (e *PushError) Error() string {
	return fmt.Sprintf(
		"push rejected (%c): %s", e.Flag, e.Summary,
	)
}

// EnsureBranch makes sure a local branch named name
// exists and is checked out. A missing branch is
// created from the home remote's primary branch tip.
// The working directory lock is released on return;
// use Locked to keep the branch checked out through a
// following CommitAndPush.
func (h *Handler) EnsureBranch(
	ctx context.Context,
	name string,
) error {
	h.workdir.Lock()
	defer h.workdir.Unlock()

	return h.ensureBranch(ctx, name)
}

// ensureBranch is EnsureBranch with the working
// directory lock already held.
func (h *Handler) ensureBranch(
	ctx context.Context,
	name string,
) error {
	const errCtx = "ensuring branch"

	local, err := h.LocalBranch(name)
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	if local == nil {
		slog.Info("creating new branch", "branch", name)

		tip, tipErr := h.fetchPrimaryTip(ctx)
		if tipErr != nil {
			return fmt.Errorf(
				"%s: %w", errCtx, tipErr,
			)
		}

		if refErr := h.repo.Storer.SetReference(
			plumbing.NewHashReference(
				plumbing.NewBranchReferenceName(name),
				tip,
			),
		); refErr != nil {
			return fmt.Errorf(
				"%s: create %s: %w",
				errCtx, name, refErr,
			)
		}
	}

	slog.Info("checking out branch", "branch", name)

	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf(
			"%s: worktree: %w", errCtx, err,
		)
	}

	if err := wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
	}); err != nil {
		return fmt.Errorf(
			"%s: checkout %s: %w", errCtx, name, err,
		)
	}

	return nil
}

// fetchPrimaryTip fetches the home remote's primary
// branch and returns its commit hash.
func (h *Handler) fetchPrimaryTip(
	ctx context.Context,
) (plumbing.Hash, error) {
	const errCtx = "fetching primary branch tip"

	homeName := h.homeRemote.Config().Name

	spec := config.RefSpec(fmt.Sprintf(
		"+refs/heads/%s:refs/remotes/%s/%s",
		h.primary, homeName, h.primary,
	))

	err := h.homeRemote.FetchContext(
		ctx, &gogit.FetchOptions{
			RefSpecs: []config.RefSpec{spec},
			Tags:     gogit.NoTags,
		},
	)
	if err != nil &&
		!errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return plumbing.ZeroHash, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	ref, err := h.repo.Reference(
		plumbing.NewRemoteReferenceName(
			homeName, h.primary,
		), true,
	)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf(
			"%s: %s: %w", errCtx, h.primary, err,
		)
	}

	return ref.Hash(), nil
}

// BranchIsCurrent reports whether branch holds the
// most recent commit touching path across the
// symmetric range baseline...branch. Empty baseline
// means the primary branch. The check inspects exactly
// the single most recent path-touching log entry in
// the range.
func (h *Handler) BranchIsCurrent(
	ctx context.Context,
	branch *Branch,
	path string,
	baseline string,
) (bool, error) {
	const errCtx = "checking branch currency"

	if baseline == "" {
		baseline = h.primary
	}

	out, err := exec.Git(
		ctx, h.dir,
		"log", "-1", "--oneline", "--decorate",
		baseline+"..."+branch.Name,
		"--", path,
	)
	if err != nil {
		return false, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	return strings.Contains(out, branch.Name), nil
}

// CommitAndPush stages exactly files, commits them
// with message and pushes branchName to the fork
// remote. branchName must be the checked-out branch;
// committing onto anything else fails with
// ErrBranchNotCheckedOut. Returns false without
// committing when the staged files do not differ from
// HEAD — re-running with unchanged files is a no-op.
// Signed commits go through the git command line since
// signing is delegated to an external key. Under
// dry-run the push is logged and skipped.
func (h *Handler) CommitAndPush(
	ctx context.Context,
	files []string,
	branchName string,
	message string,
	sign bool,
) (bool, error) {
	h.workdir.Lock()
	defer h.workdir.Unlock()

	return h.commitAndPush(
		ctx, files, branchName, message, sign,
	)
}

// commitAndPush is CommitAndPush with the working
// directory lock already held.
func (h *Handler) commitAndPush(
	ctx context.Context,
	files []string,
	branchName string,
	message string,
	sign bool,
) (bool, error) {
	const errCtx = "committing and pushing"

	head, err := h.repo.Head()
	if err != nil {
		return false, fmt.Errorf(
			"%s: head: %w", errCtx, err,
		)
	}

	if !head.Name().IsBranch() ||
		head.Name().Short() != branchName {
		return false, fmt.Errorf(
			"%s: %s while %s is checked out: %w",
			errCtx, branchName, head.Name().Short(),
			ErrBranchNotCheckedOut,
		)
	}

	wt, err := h.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf(
			"%s: worktree: %w", errCtx, err,
		)
	}

	rels := make([]string, 0, len(files))

	for _, f := range files {
		rel, relErr := h.relPath(f)
		if relErr != nil {
			return false, fmt.Errorf(
				"%s: %w", errCtx, relErr,
			)
		}

		if _, addErr := wt.Add(rel); addErr != nil {
			return false, fmt.Errorf(
				"%s: stage %s: %w",
				errCtx, rel, addErr,
			)
		}

		rels = append(rels, rel)
	}

	staged, err := h.hasStagedChanges(wt, rels)
	if err != nil {
		return false, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	if !staged {
		return false, nil
	}

	if sign {
		// go-git does not support commit signing;
		// use the command line client here.
		if _, err := exec.Git(
			ctx, h.dir,
			"commit", "-S", "-m", message,
		); err != nil {
			return false, fmt.Errorf(
				"%s: signed commit: %w", errCtx, err,
			)
		}
	} else {
		if _, err := wt.Commit(
			message, &gogit.CommitOptions{},
		); err != nil {
			return false, fmt.Errorf(
				"%s: commit: %w", errCtx, err,
			)
		}
	}

	if h.dryRun {
		slog.Info(
			"would push branch", "branch", branchName,
		)

		return true, nil
	}

	slog.Info("pushing branch", "branch", branchName)

	if err := h.pushBranch(ctx, branchName); err != nil {
		return false, err
	}

	return true, nil
}

// Work exposes branch operations to a function run
// under Locked while the working directory lock is
// held.
type Work struct {
	h *Handler
}

// Locked runs fn holding the working directory lock
// for the whole unit of work, so the branch a task
// checks out stays checked out from EnsureBranch
// through CommitAndPush even when concurrent tasks
// share the checkout.
func (h *Handler) Locked(fn func(*Work) error) error {
	h.workdir.Lock()
	defer h.workdir.Unlock()

	return fn(&Work{h: h})
}

// EnsureBranch makes sure a local branch named name
// exists and is checked out.
func (w *Work) EnsureBranch(
	ctx context.Context,
	name string,
) error {
	return w.h.ensureBranch(ctx, name)
}

// CommitAndPush stages exactly files, commits them
// with message and pushes branchName to the fork
// remote.
func (w *Work) CommitAndPush(
	ctx context.Context,
	files []string,
	branchName string,
	message string,
	sign bool,
) (bool, error) {
	return w.h.commitAndPush(
		ctx, files, branchName, message, sign,
	)
}

// hasStagedChanges reports whether any of the given
// repository-relative paths is staged with a change
// against HEAD.
func (h *Handler) hasStagedChanges(
	wt *gogit.Worktree,
	rels []string,
) (bool, error) {
	const errCtx = "checking staged changes"

	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf(
			"%s: %w", errCtx, err,
		)
	}

	for _, rel := range rels {
		code := st.File(rel).Staging
		if code != gogit.Unmodified &&
			code != gogit.Untracked {
			return true, nil
		}
	}

	return false, nil
}

// pushBranch pushes branchName to the fork remote and
// interprets the porcelain per-ref status flags.
// Fast-forward (' ') and new-head ('*') count as
// success; anything else fails with the remote's
// summary.
func (h *Handler) pushBranch(
	ctx context.Context,
	branchName string,
) error {
	const errCtx = "pushing branch"

	forkName := h.forkRemote.Config().Name

	out, runErr := exec.Git(
		ctx, h.dir,
		"push", "--porcelain", forkName, branchName,
	)

	flag, summary, found := parsePushStatus(out)
	if found {
		if flag == ' ' || flag == '*' {
			return nil
		}

		slog.Error(
			"failed to push branch",
			"branch", branchName,
			"summary", summary,
		)

		return &PushError{Flag: flag, Summary: summary}
	}

	if runErr != nil {
		return fmt.Errorf(
			"%s: %s: %w", errCtx, branchName, runErr,
		)
	}

	return nil
}

// parsePushStatus extracts the first per-ref status
// line from git push --porcelain output. Lines are
// "<flag>\t<from>:<to>\t<summary>" between the "To"
// header and the "Done" trailer.
func parsePushStatus(
	out string,
) (flag byte, summary string, found bool) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" ||
			strings.HasPrefix(line, "To ") ||
			line == "Done" ||
			line == "Everything up-to-date" {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 ||
			!strings.Contains(parts[1], ":") {
			continue
		}

		flag = line[0]
		if len(parts) == 3 {
			summary = parts[2]
		}

		return flag, summary, true
	}

	return 0, "", false
}

// Update refreshes the local clone: checks out the
// primary branch, pulls it from the home remote, then
// fetch-prunes both remotes.
func (h *Handler) Update(ctx context.Context) error {
	const errCtx = "updating local clone"

	h.workdir.Lock()
	defer h.workdir.Unlock()

	slog.Info(
		"checking out primary branch",
		"branch", h.primary,
	)

	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf(
			"%s: worktree: %w", errCtx, err,
		)
	}

	primaryRef := plumbing.NewBranchReferenceName(
		h.primary,
	)

	if err := wt.Checkout(&gogit.CheckoutOptions{
		Branch: primaryRef,
	}); err != nil {
		return fmt.Errorf(
			"%s: checkout %s: %w",
			errCtx, h.primary, err,
		)
	}

	slog.Info(
		"updating primary branch from home remote",
		"branch", h.primary,
	)

	homeName := h.homeRemote.Config().Name

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    homeName,
		ReferenceName: primaryRef,
		SingleBranch:  true,
	})
	if err != nil &&
		!errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf(
			"%s: pull %s: %w", errCtx, h.primary, err,
		)
	}

	slog.Info("updating and pruning remotes")

	for _, remote := range []*gogit.Remote{
		h.homeRemote, h.forkRemote,
	} {
		err := remote.FetchContext(
			ctx, &gogit.FetchOptions{Prune: true},
		)
		if err != nil && !errors.Is(
			err, gogit.NoErrAlreadyUpToDate,
		) {
			return fmt.Errorf(
				"%s: fetch %s: %w",
				errCtx,
				remote.Config().Name,
				err,
			)
		}
	}

	return nil
}
