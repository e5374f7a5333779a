package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AUTOMATIONS_IMBI_HOSTNAME", "imbi.example.com")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://imbi.example.com/api", cfg.Imbi.BaseURL())
	assert.Equal(t, "github", cfg.Imbi.GitHubIdentifier)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.BaseURL())
	assert.Equal(t, "claude", cfg.Claude.Binary)
	assert.Equal(t, 15*time.Minute, cfg.Claude.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Runner.ShellTimeout)
	assert.Equal(t, "GitHub Repository", cfg.Imbi.GitHubLink)
	assert.Equal(t, 1, cfg.Runner.MaxConcurrency)
	assert.Equal(t, filepath.Join(cfg.Runner.CacheDir, "errors"), cfg.Runner.ErrorDir)
}

func TestLoadFromLookuper(t *testing.T) {
	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target: &cfg,
		Lookuper: envconfig.MapLookuper(map[string]string{
			"AUTOMATIONS_RUNNER_MAX_CONCURRENCY": "8",
			"AUTOMATIONS_RUNNER_ERROR_DIR":       "/var/lib/automations/errors",
			"AUTOMATIONS_CLAUDE_TIMEOUT":         "1h",
			"AUTOMATIONS_RUNNER_SHELL_TIMEOUT":   "90s",
		}),
	})
	require.NoError(t, err)
	cfg.Runner.setDefaults()

	assert.Equal(t, 8, cfg.Runner.MaxConcurrency)
	assert.Equal(t, "/var/lib/automations/errors", cfg.Runner.ErrorDir)
	assert.Equal(t, time.Hour, cfg.Claude.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Runner.ShellTimeout)
}

func TestInvalidDuration(t *testing.T) {
	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(map[string]string{"AUTOMATIONS_RUNNER_SHELL_TIMEOUT": "ten minutes"}),
	})
	assert.Error(t, err)
}
