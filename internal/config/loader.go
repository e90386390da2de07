package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	appName           = "autopilot"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (GITHUB_TOKEN, SERVER_HTTP_PORT, etc.)
//  2. YAML config file (~/.config/autopilot/config.yaml)
//  3. Hardcoded defaults
//
// A missing file is not an error. An existing file must live in
// ~/.config/autopilot/ or /etc/autopilot/, have 0600 or 0400 permissions and
// be at most 1MB.
//
// # Environment Variable Mapping
//
// The variable name is lowercased and split on the first underscore:
//
//	GITHUB_TOKEN      -> github.token
//	GITHUB_REPO       -> github.repo
//	GIT_AUTHOR_NAME   -> git.author_name
//	SERVER_HTTP_PORT  -> server.http_port
//	APPROVAL_TOKEN_TTL -> approval.token_ttl
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", appName, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(s)
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the open
// descriptor so the checked file is the one that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/autopilot with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", appName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is inside an allowed directory.
// Runs whether or not the file exists.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", appName),
		filepath.Join("/etc", appName),
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appName, appName)
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// GitHub
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}
	if cfg.GitHub.RequestsPerSecond == 0 {
		cfg.GitHub.RequestsPerSecond = 10
	}
	if cfg.GitHub.Burst == 0 {
		cfg.GitHub.Burst = 5
	}
	if cfg.GitHub.BranchPrefix == "" {
		cfg.GitHub.BranchPrefix = "autopilot"
	}

	// Working copy
	if cfg.Git.Path == "" {
		cfg.Git.Path = "."
	}
	if cfg.Git.Remote == "" {
		cfg.Git.Remote = "origin"
	}
	if cfg.Git.Binary == "" {
		cfg.Git.Binary = "git"
	}
	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "Autopilot Bot"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "autopilot@localhost"
	}

	// Store
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}

	// Approval and polling
	if cfg.Approval.TokenTTL == 0 {
		cfg.Approval.TokenTTL = 15 * time.Minute
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = 30
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 3 * time.Second
	}

	// Edit allow-list
	if len(cfg.Edit.AllowedPaths) == 0 {
		cfg.Edit.AllowedPaths = []string{
			"{src,server,docs,public}/**.{js,jsx,cjs,ts,tsx,css,md,json,go}",
		}
	}

	// Lock
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "autopilot:worktree"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 5 * time.Minute
	}

	// NATS
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "autopilot"
	}

	// Drafting
	if cfg.Drafting.Model == "" {
		cfg.Drafting.Model = "gpt-4o-mini"
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry
	cfg.Telemetry.ApplyDefaults()
}
