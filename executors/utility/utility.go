// Package utility implements small bookkeeping actions.
package utility

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tangled.sh/tangled.sh/automations/actions"
)

type Params struct {
	Command string `mapstructure:"command"`
	Message string `mapstructure:"message"`
	Level   string `mapstructure:"level"`
	Name    string `mapstructure:"name"`
	Value   any    `mapstructure:"value"`
}

type Executor struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Executor {
	return &Executor{l: l}
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}

	switch p.Command {
	case "log":
		l := e.l.With("project", req.Context.Project.Slug, "action", req.Action.Name)
		switch strings.ToLower(p.Level) {
		case "debug":
			l.Debug(p.Message)
		case "warn", "warning":
			l.Warn(p.Message)
		case "error":
			l.Error(p.Message)
		default:
			l.Info(p.Message)
		}
		return nil, nil
	case "set_variable":
		if p.Name == "" {
			return nil, fmt.Errorf("%w: name", actions.ErrMissingParam)
		}
		return &actions.Result{Variables: map[string]any{p.Name: p.Value}}, nil
	case "":
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	default:
		return nil, fmt.Errorf("unsupported utility command %q", p.Command)
	}
}
