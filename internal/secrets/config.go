// Package secrets keeps credentials out of content the daemon commits.
//
// Every file written to a change (single-file writes, multi-file commits,
// edits and drafted plans) is scanned before it reaches the remote with the
// Gitleaks default rule set plus any extra rules from configuration. A
// finding rejects the write with a validation error that names the matching
// rule IDs but never the matched text.
package secrets

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Config configures a Scanner.
type Config struct {
	// Enabled turns scanning on (default: true).
	Enabled bool `koanf:"enabled"`

	// Rules are applied in addition to the Gitleaks rules.
	Rules []Rule `koanf:"rules"`

	// RedactionString replaces matches in Redact (default: "[REDACTED]").
	RedactionString string `koanf:"redaction_string"`

	// AllowList holds regular expressions for matches that are not secrets,
	// such as documented placeholder keys. They are added to the Gitleaks
	// allowlist and also checked against extra rule matches.
	AllowList []string `koanf:"allow_list"`

	// SkipPaths holds glob patterns for files that are never scanned.
	SkipPaths []string `koanf:"skip_paths"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
	compiledSkip      []glob.Glob
}

// Rule is one extra detection rule.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`

	// Keywords, when set, must appear somewhere in the content (case
	// insensitive) for the rule to run.
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig returns an enabled configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
	}
}

// Validate compiles extra rules, the allow list and skip paths.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, cr)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}

	c.compiledSkip = make([]glob.Glob, 0, len(c.SkipPaths))
	for _, pattern := range c.SkipPaths {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("skip_paths %q: %w", pattern, err)
		}
		c.compiledSkip = append(c.compiledSkip, g)
	}
	return nil
}
