// Package imbi implements actions that write back to the project registry.
package imbi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/registry"
)

var ErrUnknownFact = errors.New("unknown fact type")

type Registry interface {
	FactTypes(ctx context.Context) ([]registry.FactType, error)
	SetProjectFact(ctx context.Context, projectID, factTypeID int, value any) error
}

type Params struct {
	Command  string `mapstructure:"command"`
	FactName string `mapstructure:"fact_name"`
	Value    any    `mapstructure:"value"`
}

type Executor struct {
	reg Registry
	l   *slog.Logger
}

func New(reg Registry, l *slog.Logger) *Executor {
	return &Executor{reg: reg, l: l}
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}

	switch p.Command {
	case "set_project_fact":
		return nil, e.setFact(ctx, req.Context.Project.ID, p)
	case "":
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	default:
		return nil, fmt.Errorf("unsupported imbi command %q", p.Command)
	}
}

func (e *Executor) setFact(ctx context.Context, projectID int, p Params) error {
	if p.FactName == "" {
		return fmt.Errorf("%w: fact_name", actions.ErrMissingParam)
	}

	types, err := e.reg.FactTypes(ctx)
	if err != nil {
		return err
	}
	for _, ft := range types {
		if ft.Name != p.FactName && registry.FactSlug(ft.Name) != registry.FactSlug(p.FactName) {
			continue
		}
		e.l.Info("setting project fact", "project_id", projectID, "fact", ft.Name, "value", p.Value)
		return e.reg.SetProjectFact(ctx, projectID, ft.ID, p.Value)
	}
	return fmt.Errorf("%w: %s", ErrUnknownFact, p.FactName)
}
