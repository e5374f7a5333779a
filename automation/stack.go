package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/agent"
	"tangled.sh/tangled.sh/automations/batch"
	"tangled.sh/tangled.sh/automations/condition"
	"tangled.sh/tangled.sh/automations/config"
	"tangled.sh/tangled.sh/automations/db"
	"tangled.sh/tangled.sh/automations/engine"
	"tangled.sh/tangled.sh/automations/executors/callable"
	"tangled.sh/tangled.sh/automations/executors/docker"
	"tangled.sh/tangled.sh/automations/executors/file"
	"tangled.sh/tangled.sh/automations/executors/github"
	"tangled.sh/tangled.sh/automations/executors/gitops"
	"tangled.sh/tangled.sh/automations/executors/imbi"
	"tangled.sh/tangled.sh/automations/executors/shell"
	"tangled.sh/tangled.sh/automations/executors/template"
	"tangled.sh/tangled.sh/automations/executors/utility"
	"tangled.sh/tangled.sh/automations/git"
	"tangled.sh/tangled.sh/automations/hosting"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/registry"
	"tangled.sh/tangled.sh/automations/render"
	"tangled.sh/tangled.sh/automations/resume"
)

// stack is every long-lived collaborator of one invocation.
type stack struct {
	cfg        *config.Config
	imbi       *registry.Client
	github     *hosting.Client
	metadata   *registry.MetadataCache
	conditions *condition.Evaluator
	states     *resume.Manager
	ledger     *db.DB
	engine     *engine.Engine
	batch      *batch.Controller
	l          *slog.Logger
}

func newStack(ctx context.Context, cfg *config.Config, l *slog.Logger, preserve bool) (*stack, error) {
	s := &stack{cfg: cfg, l: l}

	s.imbi = registry.NewClient(cfg.Imbi, log.SubLogger(l, "imbi"))
	s.github = hosting.New(cfg.GitHub, log.SubLogger(l, "github"), hosting.WithLink(cfg.Imbi.GitHubLink))

	s.metadata = registry.NewMetadataCache(s.imbi, cfg.Runner.CacheDir, log.SubLogger(l, "metadata"))
	if err := s.metadata.Load(ctx); err != nil {
		l.Debug("no cached metadata", "error", err)
	}

	renderer := render.New()
	conditions, err := condition.New(renderer, log.SubLogger(l, "conditions"))
	if err != nil {
		return nil, fmt.Errorf("creating condition evaluator: %w", err)
	}
	s.conditions = conditions

	author, err := git.ParseAuthor(cfg.Runner.CommitAuthor)
	if err != nil {
		return nil, err
	}
	scm := git.NewService(cfg.GitHub.Token, author, log.SubLogger(l, "git"))

	callables := callable.New(log.SubLogger(l, "callable"))
	registerCallables(callables)

	executors := &actions.Executors{
		File:     file.New(log.SubLogger(l, "file")),
		Git:      gitops.New(log.SubLogger(l, "git")),
		Shell:    shell.New(cfg.Runner.ShellTimeout, log.SubLogger(l, "shell")),
		Template: template.New(renderer, log.SubLogger(l, "template")),
		Callable: callables,
		GitHub:   github.New(s.github, log.SubLogger(l, "github")),
		Imbi:     imbi.New(s.imbi, log.SubLogger(l, "imbi")),
		Claude: engine.NewCycleExecutor(
			agent.NewCLI(cfg.Claude.Binary, cfg.Claude.Model, cfg.Claude.Timeout, log.SubLogger(l, "claude")),
			renderer,
			log.SubLogger(l, "claude"),
		),
		Utility: utility.New(log.SubLogger(l, "utility")),
	}
	if rt, err := docker.NewRuntime(log.SubLogger(l, "docker")); err != nil {
		l.Warn("docker unavailable, docker actions will fail", "error", err)
	} else {
		executors.Docker = docker.New(rt, shellTimeout, log.SubLogger(l, "docker"))
	}

	dispatcher := actions.NewDispatcher(executors, scm, conditions, renderer, log.SubLogger(l, "actions"))

	if err := os.MkdirAll(cfg.Runner.ErrorDir, 0o755); err != nil {
		return nil, err
	}
	s.states = resume.NewManager(cfg.Runner.ErrorDir, cfg.Runner.WorkDir, log.SubLogger(l, "resume"))

	s.engine = engine.New(dispatcher, conditions, scm, log.SubLogger(l, "engine"),
		engine.WithPullRequests(s.github),
		engine.WithRemote(func(repo *models.Repository) condition.RemoteFS {
			return s.github.RemoteFS(repo)
		}),
		engine.WithStates(s.states, preserve),
		engine.WithWorkDir(cfg.Runner.WorkDir),
	)

	opts := []batch.ControllerOpt{batch.WithHosting(s.github, cfg.Imbi.GitHubIdentifier)}
	if ledger, err := openLedger(cfg); err != nil {
		l.Warn("run ledger unavailable", "path", cfg.Runner.DBPath, "error", err)
	} else {
		s.ledger = ledger
		opts = append(opts, batch.WithLedger(ledger))
	}
	s.batch = batch.NewController(s.engine, log.SubLogger(l, "batch"), opts...)

	return s, nil
}

func openLedger(cfg *config.Config) (*db.DB, error) {
	if err := os.MkdirAll(cfg.Runner.CacheDir, 0o755); err != nil {
		return nil, err
	}
	return db.Make(cfg.Runner.DBPath)
}

func (s *stack) Close() {
	// let an in-flight metadata refresh reach the cache file
	s.metadata.Wait()
	s.conditions.Close()
	if s.ledger != nil {
		s.ledger.Close()
	}
}
