package git

// Exported aliases for testing internal functions from
// the git_test package.

// ParsePushStatusForTest exposes parsePushStatus.
var ParsePushStatusForTest = parsePushStatus

// RelPathForTest exposes Handler.relPath.
func (h *Handler) RelPathForTest(
	path string,
) (string, error) {
	return h.relPath(path)
}
