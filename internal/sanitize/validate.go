package sanitize

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Validation errors for repository paths.
var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrAbsolutePath indicates an absolute path was provided where relative was expected.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrPathTraversal indicates a path escapes the repository root.
	ErrPathTraversal = errors.New("path escapes the repository")

	// ErrGitDir indicates a path points into the .git directory.
	ErrGitDir = errors.New("path is inside .git")
)

// RepoPath normalizes a repository-relative path to forward slashes and
// returns it cleaned. It rejects:
//   - Empty paths
//   - Absolute paths, including Windows drive paths
//   - Paths that resolve to the root or outside it
//   - Paths inside .git
func RepoPath(rel string) (string, error) {
	rel = strings.TrimSpace(strings.ReplaceAll(rel, `\`, "/"))
	if rel == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(rel, "/") || (len(rel) > 1 && rel[1] == ':') {
		return "", fmt.Errorf("%w: %q", ErrAbsolutePath, rel)
	}

	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	if cleaned == ".git" || strings.HasPrefix(cleaned, ".git/") {
		return "", fmt.Errorf("%w: %q", ErrGitDir, rel)
	}
	return cleaned, nil
}
