package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/sanitize"
	"github.com/gobwas/glob"
)

// DefaultAllowedPaths limits EditFile to source, server, docs and public
// assets with common text extensions.
var DefaultAllowedPaths = []string{
	"{src,server,docs,public}/**.{js,jsx,cjs,ts,tsx,css,md,json,go}",
}

// PathPolicy matches repository paths against glob patterns.
type PathPolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewPathPolicy compiles patterns with "/" as the separator, so "*" stays
// within one directory and "**" crosses directories.
func NewPathPolicy(patterns []string) (*PathPolicy, error) {
	p := &PathPolicy{patterns: append([]string(nil), patterns...)}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Allowed reports whether a cleaned relative path matches any pattern.
func (p *PathPolicy) Allowed(rel string) bool {
	for _, g := range p.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (p *PathPolicy) Patterns() []string {
	return append([]string(nil), p.patterns...)
}

// CleanPath normalizes a repository-relative path and rejects absolute
// paths, paths that leave the repository and paths inside .git.
func CleanPath(op, rel string) (string, error) {
	cleaned, err := sanitize.RepoPath(rel)
	if err != nil {
		return "", apperr.Validation(op, "invalid path: %v", err)
	}
	return cleaned, nil
}
