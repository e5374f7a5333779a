// Package github implements github actions against the project's
// repository on the code host.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/models"
)

var ErrNoRepository = errors.New("project has no repository")

type Host interface {
	Environments(ctx context.Context, repo *models.Repository) ([]string, error)
	CreateEnvironment(ctx context.Context, repo *models.Repository, name string) error
	DeleteEnvironment(ctx context.Context, repo *models.Repository, name string) error
	WorkflowStatus(ctx context.Context, repo *models.Repository) (string, error)
}

type Params struct {
	Command        string `mapstructure:"command"`
	OutputVariable string `mapstructure:"output_variable"`
	Prune          bool   `mapstructure:"prune"`
}

type Executor struct {
	host Host
	l    *slog.Logger
}

func New(host Host, l *slog.Logger) *Executor {
	return &Executor{host: host, l: l}
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	repo := req.Context.Repository
	if repo == nil {
		return nil, ErrNoRepository
	}

	switch p.Command {
	case "sync_environments":
		return nil, e.syncEnvironments(ctx, req.Context.Project, repo, p.Prune)
	case "workflow_status":
		status, err := e.host.WorkflowStatus(ctx, repo)
		if err != nil {
			return nil, err
		}
		name := p.OutputVariable
		if name == "" {
			name = "workflow_status"
		}
		return &actions.Result{Variables: map[string]any{name: status}}, nil
	case "":
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	default:
		return nil, fmt.Errorf("unsupported github command %q", p.Command)
	}
}

// syncEnvironments creates the repository environments the project has
// in the registry. With prune, environments the project lacks are removed.
func (e *Executor) syncEnvironments(ctx context.Context, p models.Project, repo *models.Repository, prune bool) error {
	have, err := e.host.Environments(ctx, repo)
	if err != nil {
		return err
	}

	want := make([]string, 0, len(p.Environments))
	for _, env := range p.Environments {
		want = append(want, env.Name)
	}

	for _, name := range want {
		if slices.Contains(have, name) {
			continue
		}
		e.l.Info("creating environment", "repository", repo.FullName, "environment", name)
		if err := e.host.CreateEnvironment(ctx, repo, name); err != nil {
			return fmt.Errorf("creating environment %s: %w", name, err)
		}
	}

	if !prune {
		return nil
	}
	for _, name := range have {
		if slices.Contains(want, name) {
			continue
		}
		e.l.Info("deleting environment", "repository", repo.FullName, "environment", name)
		if err := e.host.DeleteEnvironment(ctx, repo, name); err != nil {
			return fmt.Errorf("deleting environment %s: %w", name, err)
		}
	}
	return nil
}
