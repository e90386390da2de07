package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "autopilot")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9191
  admin_token: s3cret
github:
  token: ghp_exampletoken
  repo: acme/widgets
  base_branch: trunk
poll:
  max_attempts: 5
  interval: 500ms
approval:
  token_ttl: 10m
store:
  driver: sqlite
  dsn: file:autopilot.db
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken.Value())
	assert.Equal(t, "acme", cfg.GitHub.Owner())
	assert.Equal(t, "widgets", cfg.GitHub.Name())
	assert.Equal(t, "trunk", cfg.GitHub.BaseBranch)
	assert.Equal(t, 5, cfg.Poll.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Approval.TokenTTL)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)
	t.Setenv("GIT_AUTHOR_NAME", "")

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Approval.TokenTTL)
	assert.Equal(t, 30, cfg.Poll.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "main", cfg.GitHub.BaseBranch)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "Autopilot Bot", cfg.Git.AuthorName)
	assert.NotEmpty(t, cfg.Edit.AllowedPaths)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9090
github:
  repo: acme/widgets
`, 0600)

	t.Setenv("SERVER_HTTP_PORT", "7777")
	t.Setenv("GITHUB_REPO", "other/repo")
	t.Setenv("GIT_AUTHOR_NAME", "Release Bot")
	t.Setenv("APPROVAL_TOKEN_TTL", "2m")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "other/repo", cfg.GitHub.Repo)
	assert.Equal(t, "Release Bot", cfg.Git.AuthorName)
	assert.Equal(t, 2*time.Minute, cfg.Approval.TokenTTL)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		wantErr string
	}{
		{
			name:    "invalid port",
			content: "server:\n  http_port: 99999\n",
			perm:    0600,
			wantErr: "invalid server port",
		},
		{
			name:    "malformed repo",
			content: "github:\n  repo: just-a-name\n",
			perm:    0600,
			wantErr: "owner/name",
		},
		{
			name:    "unknown store driver",
			content: "store:\n  driver: mongo\n",
			perm:    0600,
			wantErr: "unknown store driver",
		},
		{
			name:    "sql driver without dsn",
			content: "store:\n  driver: postgres\n",
			perm:    0600,
			wantErr: "store.dsn is required",
		},
		{
			name:    "invalid yaml",
			content: "server:\n  http_port: [\n",
			perm:    0600,
			wantErr: "failed to load config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestHome(t)
			path := writeConfig(t, dir, tt.content, tt.perm)

			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	dir := setupTestHome(t)
	padding := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, padding, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	paths := []string{
		filepath.Join(t.TempDir(), "config.yaml"),
		"/tmp/config.yaml",
		fmt.Sprintf("%s/../../etc/passwd", os.Getenv("HOME")),
	}
	for _, p := range paths {
		_, err := LoadWithFile(p)
		require.Error(t, err, p)
		assert.Contains(t, err.Error(), "config path validation failed")
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "github.token", envKey("GITHUB_TOKEN"))
	assert.Equal(t, "git.author_email", envKey("GIT_AUTHOR_EMAIL"))
	assert.Equal(t, "server.http_port", envKey("SERVER_HTTP_PORT"))
	assert.Equal(t, "home", envKey("HOME"))
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(home, ".config", "autopilot"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSecret_NeverSerialized(t *testing.T) {
	s := Secret("ghp_abcdef")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "ghp_")

	js, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(js), "ghp_")

	ys, err := yaml.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(ys), "ghp_")

	assert.True(t, s.Equal("ghp_abcdef"))
	assert.False(t, s.Equal("ghp_abcdeg"))
	assert.False(t, Secret("").Equal(""))
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1500ms")))
	assert.Equal(t, 1500*time.Millisecond, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
