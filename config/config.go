package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Imbi struct {
	Hostname         string `env:"HOSTNAME"`
	APIKey           string `env:"API_KEY"`
	GitHubIdentifier string `env:"GITHUB_IDENTIFIER, default=github"`
	GitHubLink       string `env:"GITHUB_LINK, default=GitHub Repository"`
}

func (i Imbi) BaseURL() string {
	return "https://" + i.Hostname + "/api"
}

type GitHub struct {
	Hostname string `env:"HOSTNAME, default=api.github.com"`
	Token    string `env:"TOKEN"`
}

func (g GitHub) BaseURL() string {
	return "https://" + g.Hostname
}

type Claude struct {
	Binary  string        `env:"BINARY, default=claude"`
	Model   string        `env:"MODEL"`
	Timeout time.Duration `env:"TIMEOUT, default=15m"`
}

type Runner struct {
	CacheDir       string        `env:"CACHE_DIR"`
	ErrorDir       string        `env:"ERROR_DIR"`
	WorkDir        string        `env:"WORK_DIR"`
	DBPath         string        `env:"DB_PATH"`
	MaxConcurrency int           `env:"MAX_CONCURRENCY, default=1"`
	CommitAuthor   string        `env:"COMMIT_AUTHOR, default=Imbi Automations <automations@example.com>"`
	ShellTimeout   time.Duration `env:"SHELL_TIMEOUT, default=10m"`
}

type Config struct {
	Imbi   Imbi   `env:",prefix=AUTOMATIONS_IMBI_"`
	GitHub GitHub `env:",prefix=AUTOMATIONS_GITHUB_"`
	Claude Claude `env:",prefix=AUTOMATIONS_CLAUDE_"`
	Runner Runner `env:",prefix=AUTOMATIONS_RUNNER_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.Runner.setDefaults()

	return &cfg, nil
}

// setDefaults fills paths that depend on the user's home directory.
func (r *Runner) setDefaults() {
	base := filepath.Join(os.TempDir(), "automations")
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".cache", "automations")
	}

	if r.CacheDir == "" {
		r.CacheDir = base
	}
	if r.ErrorDir == "" {
		r.ErrorDir = filepath.Join(base, "errors")
	}
	if r.DBPath == "" {
		r.DBPath = filepath.Join(base, "runs.db")
	}
	if r.MaxConcurrency < 1 {
		r.MaxConcurrency = 1
	}
}
