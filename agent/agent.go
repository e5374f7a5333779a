// Package agent runs AI coding agents for planning, task and validation
// turns of an AI-driven action.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

type Kind string

const (
	Planning   Kind = "planning"
	Task       Kind = "task"
	Validation Kind = "validation"
)

type Request struct {
	Kind   Kind
	Prompt string
	Dir    string
}

// Result is the structured verdict of one agent turn. Which fields are
// meaningful depends on the kind.
type Result struct {
	// planning
	Plan     []string `json:"plan"`
	Analysis string   `json:"analysis"`
	SkipTask bool     `json:"skip_task"`

	// task
	Message string `json:"message"`

	// validation
	Validated bool     `json:"validated"`
	Errors    []string `json:"errors"`
}

type Agent interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

var ErrAgentFailed = errors.New("agent reported an error")

// CLI drives the claude command line in print mode.
type CLI struct {
	binary  string
	model   string
	timeout time.Duration
	l       *slog.Logger
}

func NewCLI(binary, model string, timeout time.Duration, l *slog.Logger) *CLI {
	return &CLI{binary: binary, model: model, timeout: timeout, l: l}
}

type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

func (c *CLI) Run(ctx context.Context, req Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		"-p", req.Prompt + instructions[req.Kind],
		"--output-format", "json",
		"--permission-mode", permissionMode(req.Kind),
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = req.Dir
	cmd.Env = cleanEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.l.Debug("agent turn finished", "kind", req.Kind, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, fmt.Errorf("running %s agent: %w: %s", req.Kind, err, strings.TrimSpace(stderr.String()))
	}

	var env envelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("decoding agent output: %w", err)
	}
	if env.IsError {
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, env.Result)
	}

	return ParseResult(req.Kind, env.Result)
}

// ParseResult extracts the JSON verdict from an agent's final message.
// Task turns may answer in prose; that becomes the message.
func ParseResult(kind Kind, text string) (*Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var r Result
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil {
			return &r, nil
		}
	}

	if kind == Task {
		return &Result{Message: strings.TrimSpace(text)}, nil
	}
	return nil, fmt.Errorf("%s agent returned no structured result", kind)
}

func permissionMode(k Kind) string {
	if k == Task {
		return "acceptEdits"
	}
	return "plan"
}

// nested sessions misbehave when the entrypoint marker is inherited
func cleanEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, "CLAUDE_CODE_ENTRYPOINT=") {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

var instructions = map[Kind]string{
	Planning: `

Respond with a single JSON object and nothing else:
{"plan": ["step", ...], "analysis": "what you found", "skip_task": false}
Set skip_task to true when the repository already satisfies the request.`,
	Task: `

When you are done, respond with a single JSON object:
{"message": "summary of the changes you made"}`,
	Validation: `

Do not modify any files. Respond with a single JSON object and nothing else:
{"validated": true, "errors": ["problem", ...]}`,
}
