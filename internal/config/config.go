// Package config provides configuration loading for autopilot.
//
// Configuration is read from a YAML file and overridden by environment
// variables. See LoadWithFile for precedence and path rules.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
)

// Config holds the complete autopilot configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	GitHub    GitHubConfig     `koanf:"github"`
	Git       GitConfig        `koanf:"git"`
	Store     StoreConfig      `koanf:"store"`
	Approval  ApprovalConfig   `koanf:"approval"`
	Poll      PollConfig       `koanf:"poll"`
	Edit      EditConfig       `koanf:"edit"`
	Lock      LockConfig       `koanf:"lock"`
	NATS      NATSConfig       `koanf:"nats"`
	Drafting  DraftingConfig   `koanf:"drafting"`
	Secrets   SecretsConfig    `koanf:"secrets"`
	Logging   LoggingConfig    `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// AdminToken guards the operator API. Empty leaves the API open.
	AdminToken Secret `koanf:"admin_token"`
}

// GitHubConfig holds code host configuration.
type GitHubConfig struct {
	Token             Secret  `koanf:"token"`
	Repo              string  `koanf:"repo"` // owner/name
	BaseBranch        string  `koanf:"base_branch"`
	APIURL            string  `koanf:"api_url"` // GitHub Enterprise base URL, empty for github.com
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	BranchPrefix      string  `koanf:"branch_prefix"`
	// WebhookSecret enables POST /webhooks/github. Empty disables the route.
	WebhookSecret Secret `koanf:"webhook_secret"`
}

// Owner returns the owner half of Repo.
func (g GitHubConfig) Owner() string {
	owner, _, _ := strings.Cut(g.Repo, "/")
	return owner
}

// Name returns the repository half of Repo.
func (g GitHubConfig) Name() string {
	_, name, _ := strings.Cut(g.Repo, "/")
	return name
}

// GitConfig holds local working copy configuration.
type GitConfig struct {
	Path        string `koanf:"path"`
	Remote      string `koanf:"remote"`
	Binary      string `koanf:"binary"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// StoreConfig selects the proposal store backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite or postgres
	DSN    Secret `koanf:"dsn"`
}

// ApprovalConfig holds capability token settings.
type ApprovalConfig struct {
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// PollConfig holds readiness polling settings.
type PollConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Interval    time.Duration `koanf:"interval"`
}

// EditConfig restricts which repository paths may be edited.
type EditConfig struct {
	AllowedPaths []string `koanf:"allowed_paths"`
}

// LockConfig selects how the working copy lock is held.
// An empty RedisAddr keeps the lock in process.
type LockConfig struct {
	RedisAddr string        `koanf:"redis_addr"`
	Key       string        `koanf:"key"`
	TTL       time.Duration `koanf:"ttl"`
}

// NATSConfig configures lifecycle event publishing. Empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// DraftingConfig configures the change drafting collaborator.
type DraftingConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// SecretsConfig tunes the guard that scans content before it is committed.
type SecretsConfig struct {
	Disabled  bool     `koanf:"disabled"`
	AllowList []string `koanf:"allow_list"`
	SkipPaths []string `koanf:"skip_paths"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout, token TTL or poll interval is not positive
//   - github.repo is set but not in owner/name form
//   - Store driver is unknown, or sql drivers have no DSN
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.GitHub.Repo != "" {
		owner, name, ok := strings.Cut(c.GitHub.Repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("github.repo must be owner/name, got %q", c.GitHub.Repo)
		}
	}
	if c.GitHub.RequestsPerSecond < 0 {
		return errors.New("github.requests_per_second cannot be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if !c.Store.DSN.IsSet() {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}

	if c.Approval.TokenTTL <= 0 {
		return errors.New("approval.token_ttl must be positive")
	}
	if c.Poll.MaxAttempts < 1 {
		return errors.New("poll.max_attempts must be at least 1")
	}
	if c.Poll.Interval < 0 {
		return errors.New("poll.interval cannot be negative")
	}
	if c.Lock.RedisAddr != "" && c.Lock.TTL <= 0 {
		return errors.New("lock.ttl must be positive when redis is used")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}
