package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/automations/batch"
	"tangled.sh/tangled.sh/automations/config"
	"tangled.sh/tangled.sh/automations/engine"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/registry"
	"tangled.sh/tangled.sh/automations/resume"
	"tangled.sh/tangled.sh/automations/workflow"
)

var (
	ErrProjectsFailed    = errors.New("one or more projects failed")
	ErrNoTargets         = errors.New("select projects with --all-projects, --project-id, --project-type or --github-repository")
	ErrUnknownRepository = errors.New("no project for repository")
	ErrNoWorkflow        = errors.New("missing workflow directory")
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a workflow against projects",
		ArgsUsage: "<workflow-dir>",
		Action:    Run,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all-projects",
				Usage: "run against every project in the registry",
			},
			&cli.IntFlag{
				Name:  "project-id",
				Usage: "run against a single project",
			},
			&cli.StringFlag{
				Name:  "project-type",
				Usage: "run against every project of a type (slug)",
			},
			&cli.StringSliceFlag{
				Name:  "github-repository",
				Usage: "run against the project owning this repository (owner/name), repeatable",
			},
			&cli.StringFlag{
				Name:  "start-from-project",
				Usage: "skip projects ordered before this slug or id",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "resume the failed pipeline preserved in this directory",
			},
			&cli.IntFlag{
				Name:  "rerun-followup",
				Usage: "rerun only the followup actions for this project id",
			},
			&cli.IntFlag{
				Name:  "pr-number",
				Usage: "pull request to rerun followup actions against",
			},
			&cli.BoolFlag{
				Name:  "preserve-on-error",
				Usage: "keep the working directory of failed projects for --resume",
			},
			&cli.BoolFlag{
				Name:  "exit-on-error",
				Usage: "stop starting new projects after the first failure",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "directory for cached registry metadata",
			},
			&cli.StringFlag{
				Name:  "error-dir",
				Usage: "directory failed pipelines are preserved in",
			},
			&cli.IntFlag{
				Name:  "max-concurrency",
				Usage: "number of projects to run at once",
			},
		},
	}
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := cmd.String("cache-dir"); v != "" {
		cfg.Runner.CacheDir = v
	}
	if v := cmd.String("error-dir"); v != "" {
		cfg.Runner.ErrorDir = v
	}
	if v := cmd.Int("max-concurrency"); v > 0 {
		cfg.Runner.MaxConcurrency = int(v)
	}
	return cfg, nil
}

func logger(ctx context.Context, cmd *cli.Command) *slog.Logger {
	if cmd.Root().Bool("verbose") {
		log.SetVerbose(true)
		return log.New("automations")
	}
	return log.FromContext(ctx)
}

func loadWorkflow(dir string, l *slog.Logger) (*workflow.Definition, error) {
	if dir == "" {
		return nil, ErrNoWorkflow
	}
	def, err := workflow.Load(dir)
	if err != nil {
		return nil, err
	}

	diag := workflow.Validate(def)
	for _, w := range diag.Warnings {
		l.Warn(w.String())
	}
	if diag.IsErr() {
		return nil, diag.Err()
	}
	return def, nil
}

func Run(ctx context.Context, cmd *cli.Command) error {
	l := logger(ctx, cmd)

	def, err := loadWorkflow(cmd.Args().First(), l)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	s, err := newStack(ctx, cfg, l, cmd.Bool("preserve-on-error"))
	if err != nil {
		return err
	}
	defer s.Close()

	switch {
	case cmd.String("resume") != "":
		return s.resume(ctx, def, cmd.String("resume"))
	case cmd.Int("rerun-followup") != 0:
		return s.rerunFollowup(ctx, def, int(cmd.Int("rerun-followup")), int(cmd.Int("pr-number")))
	}

	if err := registry.ValidateFilter(def.Filter, s.metadata.Get(ctx)); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}

	projects, err := s.targets(ctx, cmd)
	if err != nil {
		return err
	}

	res := s.batch.Run(ctx, def, projects, batch.Options{
		Concurrency: cfg.Runner.MaxConcurrency,
		FailFast:    cmd.Bool("exit-on-error"),
		StartFrom:   cmd.String("start-from-project"),
	})
	fmt.Print(res.Summary())

	if res.Failed() {
		return ErrProjectsFailed
	}
	return nil
}

func (s *stack) targets(ctx context.Context, cmd *cli.Command) ([]models.Project, error) {
	switch {
	case cmd.Int("project-id") != 0:
		p, err := s.imbi.Project(ctx, int(cmd.Int("project-id")))
		if err != nil {
			return nil, err
		}
		return []models.Project{*p}, nil

	case cmd.String("project-type") != "":
		slug := cmd.String("project-type")
		if err := registry.ValidateProjectType(slug, s.metadata.Get(ctx)); err != nil {
			return nil, err
		}
		return s.imbi.Projects(ctx, slug)

	case len(cmd.StringSlice("github-repository")) > 0:
		return s.repositoryTargets(ctx, cmd.StringSlice("github-repository"))

	case cmd.Bool("all-projects"):
		return s.imbi.Projects(ctx, "")
	}
	return nil, ErrNoTargets
}

func (s *stack) repositoryTargets(ctx context.Context, names []string) ([]models.Project, error) {
	all, err := s.imbi.Projects(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []models.Project
	for _, name := range names {
		repo, err := s.github.RepositoryByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", name, err)
		}
		p, ok := registry.ForRepository(all, repo, s.cfg.Imbi.GitHubIdentifier, s.cfg.Imbi.GitHubLink)
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownRepository)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *stack) resume(ctx context.Context, def *workflow.Definition, dir string) error {
	st, err := resume.Load(dir)
	if err != nil {
		return err
	}
	if st.WorkflowSlug != def.Slug() {
		s.l.Warn("state was captured for another workflow", "state", st.WorkflowSlug, "workflow", def.Slug())
	}

	s.l.Info("resuming", "project", st.ProjectSlug, "stage", st.CurrentStage, "action", st.FailedActionName)
	return s.report(st.ProjectSlug, s.engine.Resume(ctx, def, st))
}

func (s *stack) rerunFollowup(ctx context.Context, def *workflow.Definition, projectID, number int) error {
	if number == 0 {
		return errors.New("--rerun-followup needs --pr-number")
	}
	p, err := s.imbi.Project(ctx, projectID)
	if err != nil {
		return err
	}
	repo, err := s.github.Repository(ctx, *p, s.cfg.Imbi.GitHubIdentifier)
	if err != nil {
		return err
	}

	pr := &models.PullRequest{
		Number: number,
		URL:    fmt.Sprintf("%s/pull/%d", repo.HTMLURL, number),
		Branch: engine.BranchName(def),
	}
	return s.report(p.Slug, s.engine.RerunFollowup(ctx, def, *p, repo, pr))
}

func (s *stack) report(project string, out *engine.Outcome) error {
	switch out.Status {
	case engine.Succeeded:
		s.l.Info("project succeeded", "project", project)
		if out.PullRequest != nil {
			fmt.Println(out.PullRequest.URL)
		}
		return nil
	case engine.SkippedCondition:
		s.l.Info("project skipped", "project", project, "reason", out.Err)
		return nil
	}
	if out.State != nil {
		s.l.Error("project failed again, state preserved", "path", out.State.PreservedDirectoryPath)
	}
	return fmt.Errorf("%s: %w", project, out.Err)
}
