// Package actions routes workflow actions to the executor registered for
// their type and turns executor outcomes into commits and typed failures.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/mitchellh/mapstructure"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrNoExecutor        = errors.New("no executor configured")
	ErrMissingParam      = errors.New("missing required parameter")
)

// Request is what an executor gets: the action, its parameters with
// templates already expanded, and the project pipeline it runs in.
type Request struct {
	Action  workflow.Action
	Params  map[string]any
	Context *models.Context
}

type Result struct {
	// Variables are merged into the pipeline's variables after the action
	// succeeds.
	Variables map[string]any
}

type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Executors holds one executor per action type.
type Executors struct {
	File     Executor
	Git      Executor
	Shell    Executor
	Docker   Executor
	Template Executor
	Callable Executor
	GitHub   Executor
	Imbi     Executor
	Claude   Executor
	Utility  Executor
}

func (e *Executors) For(t workflow.ActionType) (Executor, error) {
	var ex Executor
	switch t {
	case workflow.ActionFile:
		ex = e.File
	case workflow.ActionGit:
		ex = e.Git
	case workflow.ActionShell:
		ex = e.Shell
	case workflow.ActionDocker:
		ex = e.Docker
	case workflow.ActionTemplate:
		ex = e.Template
	case workflow.ActionCallable:
		ex = e.Callable
	case workflow.ActionGitHub:
		ex = e.GitHub
	case workflow.ActionImbi:
		ex = e.Imbi
	case workflow.ActionClaude:
		ex = e.Claude
	case workflow.ActionUtility:
		ex = e.Utility
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	if ex == nil {
		return nil, fmt.Errorf("%w for %s actions", ErrNoExecutor, t)
	}
	return ex, nil
}

// Decode copies params into the struct pointed to by out, using
// `mapstructure` tags and weak typing so "30" and 30 both fill an int.
func Decode(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// Resolve maps a path from a workflow onto the working directory. Paths
// are relative to the working directory ("repository/setup.cfg",
// "workflow/templates/x") and may not escape it.
func Resolve(wctx *models.Context, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: path", ErrMissingParam)
	}
	return securejoin.SecureJoin(wctx.WorkingDir, p)
}

// WithTimeout bounds ctx by the action's timeout, falling back to def.
func WithTimeout(ctx context.Context, a workflow.Action, def time.Duration) (context.Context, context.CancelFunc) {
	d := a.Timeout.Std()
	if d <= 0 {
		d = def
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
