package actions

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"tangled.sh/tangled.sh/automations/condition"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

// Committer records the working tree changes an action made.
type Committer interface {
	Commit(ctx context.Context, wctx *models.Context, a workflow.Action) (bool, error)
}

type Conditions interface {
	Evaluate(ctx context.Context, conds []workflow.Condition, kind workflow.ConditionType, scope condition.Scope, env condition.Env) (bool, error)
}

type Renderer interface {
	RenderParams(params map[string]any, data any) (map[string]any, error)
}

type Dispatcher struct {
	executors  *Executors
	committer  Committer
	conditions Conditions
	renderer   Renderer
	l          *slog.Logger
}

func NewDispatcher(executors *Executors, committer Committer, conditions Conditions, renderer Renderer, l *slog.Logger) *Dispatcher {
	return &Dispatcher{
		executors:  executors,
		committer:  committer,
		conditions: conditions,
		renderer:   renderer,
		l:          l,
	}
}

// Execute runs one action against the pipeline context and reports whether
// it produced a commit. Every error it returns is a *failure.Error.
func (d *Dispatcher) Execute(ctx context.Context, a workflow.Action, wctx *models.Context) (bool, error) {
	l := d.l.With("action", a.Name, "type", a.Type)

	ex, err := d.executors.For(a.Type)
	if err != nil {
		return false, failure.New(failure.ActionExecutionFailure, a.Name, err)
	}

	if len(a.Conditions) > 0 {
		env := condition.Env{Dir: wctx.RepositoryDir(), Data: wctx.TemplateData()}
		ok, err := d.conditions.Evaluate(ctx, a.Conditions, a.ConditionType, condition.Local, env)
		if err != nil {
			return false, failure.New(failure.ActionExecutionFailure, a.Name, err)
		}
		if !ok {
			l.Info("skipping action, conditions not met")
			return false, nil
		}
	}

	params, err := d.renderer.RenderParams(a.Params, wctx.TemplateData())
	if err != nil {
		return false, failure.New(failure.ActionExecutionFailure, a.Name, err)
	}

	l.Info("executing action")
	res, err := ex.Execute(ctx, Request{Action: a, Params: params, Context: wctx})
	if err != nil {
		return false, normalize(a.Name, failure.ActionExecutionFailure, err)
	}
	if res != nil && len(res.Variables) > 0 {
		if wctx.Variables == nil {
			wctx.Variables = make(map[string]any, len(res.Variables))
		}
		maps.Copy(wctx.Variables, res.Variables)
	}

	if !a.Committable || !wctx.Workflow.Git.Clone || d.committer == nil {
		return false, nil
	}

	committed, err := d.committer.Commit(ctx, wctx, a)
	if err != nil {
		return false, normalize(a.Name, failure.CommitFailure, err)
	}
	if committed {
		wctx.HasRepositoryChanges = true
	}
	return committed, nil
}

func normalize(action string, kind failure.Kind, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.New(kind, action, err)
}
