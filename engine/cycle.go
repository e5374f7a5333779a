package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/agent"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

// warnAt is the share of max_cycles after which an approaching bound is
// logged.
const warnAt = 0.6

type PromptRenderer interface {
	Render(text string, data any) (string, error)
	RenderFile(path string, data any) (string, error)
}

// CycleExecutor runs claude actions as a bounded plan, task and validate
// loop against an agent.
type CycleExecutor struct {
	agent agent.Agent
	r     PromptRenderer
	l     *slog.Logger
}

func NewCycleExecutor(a agent.Agent, r PromptRenderer, l *slog.Logger) *CycleExecutor {
	return &CycleExecutor{agent: a, r: r, l: l}
}

var (
	ErrNoPrompt         = errors.New("claude action has no prompt")
	ErrValidationFailed = errors.New("validation failed")
)

func (c *CycleExecutor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	a, wctx := req.Action, req.Context
	if a.Prompt == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoPrompt, a.Name)
	}
	limit := wctx.Workflow.CyclesFor(a)
	l := c.l.With("project", wctx.Project.Slug, "action", a.Name)

	var lastErr error
	warned := false
	for cycle := 1; cycle <= limit; cycle++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !warned && cycle < limit && float64(cycle) >= warnAt*float64(limit) {
			l.Warn("approaching cycle limit", "cycle", cycle, "max", limit)
			warned = true
		}

		data := wctx.TemplateData()
		data["cycle"] = cycle
		data["max_cycles"] = limit
		data["last_error"] = ""
		if lastErr != nil {
			data["last_error"] = lastErr.Error()
		}

		msg, err := c.cycle(ctx, wctx, a, data)
		if err == nil {
			l.Info("cycle succeeded", "cycle", cycle)
			out := &actions.Result{}
			if msg != "" {
				out.Variables = map[string]any{a.Name + "_result": msg}
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		l.Warn("cycle failed", "cycle", cycle, "max", limit, "error", err)
		lastErr = err
	}

	return nil, &failure.Error{
		Kind:     failure.CycleExhausted,
		Action:   a.Name,
		Category: failure.Categorize(lastErr.Error()),
		Err:      fmt.Errorf("failed after %d cycles: %w", limit, lastErr),
	}
}

// cycle is one attempt: a fresh plan, the task and the validation. Nothing
// carries over from an earlier attempt except the last error.
func (c *CycleExecutor) cycle(ctx context.Context, wctx *models.Context, a workflow.Action, data map[string]any) (string, error) {
	dir := wctx.RepositoryDir()

	var plan *agent.Result
	if a.PlanningPrompt != "" {
		prompt, err := c.prompt(wctx, a.PlanningPrompt, data)
		if err != nil {
			return "", err
		}
		plan, err = c.agent.Run(ctx, agent.Request{Kind: agent.Planning, Prompt: prompt, Dir: dir})
		if err != nil {
			return "", fmt.Errorf("planning: %w", err)
		}
	}

	var message string
	if plan == nil || !plan.SkipTask {
		prompt, err := c.prompt(wctx, a.Prompt, data)
		if err != nil {
			return "", err
		}
		if plan != nil {
			prompt += formatPlan(plan)
		}
		res, err := c.agent.Run(ctx, agent.Request{Kind: agent.Task, Prompt: prompt, Dir: dir})
		if err != nil {
			return "", fmt.Errorf("task: %w", err)
		}
		message = res.Message
	} else {
		c.l.Info("plan says no task is needed", "action", a.Name, "analysis", plan.Analysis)
	}

	if a.ValidationPrompt == "" {
		return message, nil
	}
	prompt, err := c.prompt(wctx, a.ValidationPrompt, data)
	if err != nil {
		return "", err
	}
	v, err := c.agent.Run(ctx, agent.Request{Kind: agent.Validation, Prompt: prompt, Dir: dir})
	if err != nil {
		return "", fmt.Errorf("validation: %w", err)
	}
	if !v.Validated {
		return "", fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(v.Errors, "; "))
	}
	return message, nil
}

// prompt renders text as a template file from the workflow directory when
// one by that name exists, and inline otherwise.
func (c *CycleExecutor) prompt(wctx *models.Context, text string, data any) (string, error) {
	if p := wctx.Workflow.Path; p != "" && !strings.ContainsAny(text, "\n{") {
		path, err := securejoin.SecureJoin(p, text)
		if err == nil {
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				return c.r.RenderFile(path, data)
			}
		}
	}
	return c.r.Render(text, data)
}

func formatPlan(plan *agent.Result) string {
	if len(plan.Plan) == 0 && plan.Analysis == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Plan\n\n")
	if plan.Analysis != "" {
		b.WriteString(plan.Analysis)
		b.WriteString("\n\n")
	}
	for i, step := range plan.Plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}
