package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	gitleaksReport "github.com/zricethezav/gitleaks/v8/report"
)

// Finding is one match. The matched text is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
	Line        int    `json:"line"`
	start, end  int
}

type span struct {
	rule       string
	start, end int
}

// Report collects findings for one or more files.
type Report struct {
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything matched.
func (r *Report) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct matching rule IDs, sorted.
func (r *Report) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// Paths returns the distinct paths with findings, sorted.
func (r *Report) Paths() []string {
	seen := map[string]struct{}{}
	var paths []string
	for _, f := range r.Findings {
		if f.Path == "" {
			continue
		}
		if _, ok := seen[f.Path]; !ok {
			seen[f.Path] = struct{}{}
			paths = append(paths, f.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Scanner detects credentials in text.
type Scanner struct {
	cfg *Config

	// mu serializes the Gitleaks detector, which is not documented as safe
	// for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner compiles cfg and loads the Gitleaks default configuration. A
// nil cfg uses DefaultConfig.
func NewScanner(cfg *Config) (*Scanner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scanner{cfg: cfg}
	if !cfg.Enabled {
		return s, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	applyAllowList(&detector.Config, cfg.compiledAllowList)
	s.detector = detector
	return s, nil
}

// MustNewScanner is NewScanner that panics on an invalid configuration.
func MustNewScanner(cfg *Config) *Scanner {
	s, err := NewScanner(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Enabled reports whether scanning is on.
func (s *Scanner) Enabled() bool {
	return s != nil && s.cfg.Enabled
}

// Scan returns every finding in content, ordered by position.
func (s *Scanner) Scan(content string) *Report {
	report := &Report{}
	if !s.Enabled() || content == "" {
		return report
	}

	seen := map[span]struct{}{}
	add := func(f Finding) {
		key := span{rule: f.RuleID, start: f.start, end: f.end}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Findings = append(report.Findings, f)
	}

	for _, gf := range s.detect(content) {
		secret := gf.Secret
		if secret == "" {
			secret = gf.Match
		}
		locs := occurrences(content, secret)
		if len(locs) == 0 {
			add(Finding{RuleID: gf.RuleID, Description: gf.Description, Line: gf.StartLine, start: -1, end: -1})
			continue
		}
		for _, start := range locs {
			add(Finding{
				RuleID:      gf.RuleID,
				Description: gf.Description,
				Line:        lineOf(content, start),
				start:       start,
				end:         start + len(secret),
			})
		}
	}

	for _, rule := range s.cfg.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			add(Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Line:        lineOf(content, m[0]),
				start:       m[0],
				end:         m[1],
			})
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].start < report.Findings[j].start
	})
	return report
}

func (s *Scanner) detect(content string) []gitleaksReport.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.DetectString(content)
}

// Redact replaces every finding in content with the redaction string.
func (s *Scanner) Redact(content string) string {
	report := s.Scan(content)
	if !report.HasFindings() {
		return content
	}

	var b strings.Builder
	pos := 0
	for _, f := range report.Findings {
		if f.start < 0 {
			continue
		}
		if f.start < pos {
			if f.end > pos {
				pos = f.end
			}
			continue
		}
		b.WriteString(content[pos:f.start])
		b.WriteString(s.cfg.RedactionString)
		pos = f.end
	}
	b.WriteString(content[pos:])
	return b.String()
}

// ScanFiles scans content keyed by repository path, skipping configured
// paths. Findings carry their path.
func (s *Scanner) ScanFiles(files map[string]string) *Report {
	report := &Report{}
	if !s.Enabled() {
		return report
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if s.skipped(p) {
			continue
		}
		for _, f := range s.Scan(files[p]).Findings {
			f.Path = p
			report.Findings = append(report.Findings, f)
		}
	}
	return report
}

// Guard rejects files that contain credentials. The error is a validation
// error naming the rules and paths, never the matched text.
func (s *Scanner) Guard(op string, files map[string]string) error {
	report := s.ScanFiles(files)
	if !report.HasFindings() {
		return nil
	}
	return apperr.Validation(op, "content appears to contain secrets (%s) in %s",
		strings.Join(report.RuleIDs(), ", "), strings.Join(report.Paths(), ", "))
}

func (s *Scanner) allowed(match string) bool {
	for _, re := range s.cfg.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func (s *Scanner) skipped(path string) bool {
	for _, g := range s.cfg.compiledSkip {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func anyMatch(keywords []*regexp.Regexp, content string) bool {
	for _, kw := range keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// applyAllowList adds the configured allow list to the Gitleaks config as a
// global allowlist matched against the secret.
func applyAllowList(cfg *gitleaksConfig.Config, patterns []*regexp.Regexp) {
	if len(patterns) == 0 {
		return
	}
	allow := &gitleaksConfig.Allowlist{Description: "autopilot allow_list"}
	for _, re := range patterns {
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}

// occurrences returns the byte offsets of every occurrence of needle.
func occurrences(content, needle string) []int {
	if needle == "" {
		return nil
	}
	var out []int
	for from := 0; from <= len(content)-len(needle); {
		i := strings.Index(content[from:], needle)
		if i < 0 {
			break
		}
		out = append(out, from+i)
		from += i + len(needle)
	}
	return out
}

func lineOf(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}
