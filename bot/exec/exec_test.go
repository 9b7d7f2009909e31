package exec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4ever/gitbot/bot/exec"
)

func TestGit_version(t *testing.T) {
	t.Parallel()

	out, err := exec.Git(
		context.Background(), "", "--version",
	)

	require.NoError(t, err)
	assert.Contains(t, out, "git version")
}

func TestGit_failure(t *testing.T) {
	t.Parallel()

	_, err := exec.Git(
		context.Background(), t.TempDir(),
		"no-such-subcommand",
	)

	assert.ErrorContains(t, err, "executing git")
}

func TestGit_in_dir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := exec.Git(
		context.Background(), dir,
		"init", "-b", "main",
	)
	require.NoError(t, err)

	out, err := exec.Git(
		context.Background(), dir,
		"rev-parse", "--is-inside-work-tree",
	)

	require.NoError(t, err)
	assert.Equal(t, "true", out)
}
