// Package shell runs shell commands inside a project's clone.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"tangled.sh/tangled.sh/automations/actions"
)

var ErrTimedOut = errors.New("timed out")

type Params struct {
	Command        string            `mapstructure:"command"`
	IgnoreErrors   bool              `mapstructure:"ignore_errors"`
	OutputVariable string            `mapstructure:"output_variable"`
	Environment    map[string]string `mapstructure:"environment"`
}

type Executor struct {
	timeout time.Duration
	l       *slog.Logger
}

func New(timeout time.Duration, l *slog.Logger) *Executor {
	return &Executor{timeout: timeout, l: l}
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	}

	ctx, cancel := actions.WithTimeout(ctx, req.Action, e.timeout)
	defer cancel()

	dir := req.Context.WorkingDir
	if fi, err := os.Stat(req.Context.RepositoryDir()); err == nil && fi.IsDir() {
		dir = req.Context.RepositoryDir()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envs(p.Environment)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.l.Debug("running command", "command", p.Command, "dir", dir)
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%q %w", p.Command, ErrTimedOut)
	}
	if stdout.Len() > 0 {
		e.l.Debug("command stdout", "output", stdout.String())
	}
	if stderr.Len() > 0 {
		e.l.Debug("command stderr", "output", stderr.String())
	}

	if err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		if !p.IgnoreErrors {
			return nil, fmt.Errorf("%w: %s", err, out)
		}
		e.l.Info("command failed, ignoring", "error", err, "output", out)
	}

	res := &actions.Result{}
	if p.OutputVariable != "" {
		res.Variables = map[string]any{p.OutputVariable: strings.TrimSpace(stdout.String())}
	}
	return res, nil
}

func envs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
