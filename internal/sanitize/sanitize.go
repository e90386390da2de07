// Package sanitize turns free-form names into safe git branch components and
// checks repository-relative paths.
//
// Branch components match ^[a-z0-9][a-z0-9/._-]*$, never contain "..", "//"
// or "--", and are at most MaxBranchComponentLength bytes.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// MaxBranchComponentLength bounds the readable part of a branch name.
	// The timestamp and random suffix are added after it.
	MaxBranchComponentLength = 48

	// HashSuffixLength is the length of the hash suffix added to truncated
	// components. Format: -<8-char-hash> = 9 characters total
	HashSuffixLength = 9
)

var branchUnsafe = regexp.MustCompile(`[^a-z0-9/._-]+`)

// BranchComponent sanitizes s for use as the leading part of a branch name.
//
// Rules applied:
//   - Converts to lowercase
//   - Replaces runs of invalid characters, and "..", with a hyphen
//   - Collapses repeated hyphens and slashes
//   - Trims leading/trailing slashes, dots and hyphens
//   - Truncates to MaxBranchComponentLength with hash suffix if too long
//   - Returns fallback if the result would be empty
//
// Examples:
//
//	"Docs Refresh!!"   -> "docs-refresh"
//	"feature//Nav Bar" -> "feature/nav-bar"
//	"" or "!!!"        -> fallback
func BranchComponent(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = branchUnsafe.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "..", "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.Trim(s, "/.-")

	if s == "" {
		return fallback
	}
	if len(s) > MaxBranchComponentLength {
		s = truncateWithHash(s)
	}
	return s
}

// truncateWithHash truncates s to MaxBranchComponentLength, appending a
// hash of the original so distinct long names stay distinct.
//
// Format: <truncated>-<8-char-hash>
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "-" + hex.EncodeToString(hash[:])[:8]

	truncated := strings.TrimRight(s[:MaxBranchComponentLength-HashSuffixLength], "/.-")
	return truncated + suffix
}
