// Package automation wires the command line to the workflow engine.
package automation

import (
	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "automations",
		Usage: "run workflows across the repositories of registered projects",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
		},
		Commands: []*cli.Command{
			RunCommand(),
			StateCommand(),
			MetadataCommand(),
			RunsCommand(),
		},
		Description: `
Environment variables:
	AUTOMATIONS_IMBI_HOSTNAME            (required)
	AUTOMATIONS_IMBI_API_KEY             (required)
	AUTOMATIONS_IMBI_GITHUB_IDENTIFIER   (default: github)
	AUTOMATIONS_IMBI_GITHUB_LINK         (default: GitHub Repository)
	AUTOMATIONS_GITHUB_HOSTNAME          (default: api.github.com)
	AUTOMATIONS_GITHUB_TOKEN             (required)
	AUTOMATIONS_CLAUDE_BINARY            (default: claude)
	AUTOMATIONS_CLAUDE_MODEL
	AUTOMATIONS_CLAUDE_TIMEOUT           (default: 15m)
	AUTOMATIONS_RUNNER_CACHE_DIR         (default: ~/.cache/automations)
	AUTOMATIONS_RUNNER_ERROR_DIR         (default: <cache dir>/errors)
	AUTOMATIONS_RUNNER_WORK_DIR          (default: system temp dir)
	AUTOMATIONS_RUNNER_DB_PATH           (default: <cache dir>/runs.db)
	AUTOMATIONS_RUNNER_MAX_CONCURRENCY   (default: 1)
	AUTOMATIONS_RUNNER_COMMIT_AUTHOR
	AUTOMATIONS_RUNNER_SHELL_TIMEOUT     (default: 10m)
`,
	}
}
