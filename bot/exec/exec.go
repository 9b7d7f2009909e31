// Package exec runs git subcommands that have no
// in-process equivalent (decorated log queries,
// porcelain pushes, signed commits).
package exec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git executes git with the given arguments in dir and
// returns trimmed combined stdout+stderr output. Pass
// empty dir to use the current working directory.
func Git(
	ctx context.Context,
	dir string,
	arg ...string,
) (string, error) {
	const errCtx = "executing git"

	//nolint:gosec // arguments are built from refs
	// and paths validated by the caller
	cmd := exec.CommandContext(ctx, "git", arg...)
	if dir != "" {
		cmd.Dir = dir
	}

	by, err := cmd.CombinedOutput()

	out := strings.TrimRight(string(by), "\n")
	if err != nil {
		return out, fmt.Errorf(
			"%s: git %s: %w",
			errCtx, strings.Join(arg, " "), err,
		)
	}

	return out, nil
}
