// Package git wraps a local checkout shared between a
// canonical upstream repository and a push-target fork.
//
// Handler resolves remotes by name or URL substring,
// looks up and creates branches, reads files from a
// branch's tree without checking it out, and deletes
// local or fork branches. The reconciliation methods
// (EnsureBranch, BranchIsCurrent, CommitAndPush) keep
// the checkout, the fork, and the upstream consistent
// before a pull request is opened.
//
// Open wraps an existing checkout; Clone creates a
// temporary one with token authentication. A dry-run
// handler computes and logs every remote mutation
// without performing it.
package git
