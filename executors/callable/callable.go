// Package callable runs functions registered in-process by name.
package callable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tangled.sh/tangled.sh/automations/actions"
)

var ErrNotRegistered = errors.New("callable not registered")

// Func receives the rendered args of the action and returns variables.
type Func func(ctx context.Context, req actions.Request, args map[string]any) (map[string]any, error)

type Params struct {
	Callable       string         `mapstructure:"callable"`
	Args           map[string]any `mapstructure:"args"`
	OutputVariable string         `mapstructure:"output_variable"`
}

type Executor struct {
	mu    sync.RWMutex
	funcs map[string]Func
	l     *slog.Logger
}

func New(l *slog.Logger) *Executor {
	return &Executor{funcs: make(map[string]Func), l: l}
}

func (e *Executor) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

func (e *Executor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Callable == "" {
		return nil, fmt.Errorf("%w: callable", actions.ErrMissingParam)
	}

	e.mu.RLock()
	fn, ok := e.funcs[p.Callable]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, p.Callable)
	}

	e.l.Debug("calling", "callable", p.Callable)
	vars, err := fn(ctx, req, p.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Callable, err)
	}

	if p.OutputVariable != "" {
		return &actions.Result{Variables: map[string]any{p.OutputVariable: vars}}, nil
	}
	return &actions.Result{Variables: vars}, nil
}
