// Package gitops implements git actions that recover files from the
// clone's history.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/git"
)

const (
	BeforeLastMatch  = "before_last_match"
	BeforeFirstMatch = "before_first_match"
)

type Params struct {
	Command     string `mapstructure:"command"`
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
	Keyword     string `mapstructure:"keyword"`
	Strategy    string `mapstructure:"strategy"`
}

type Executor struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Executor {
	return &Executor{l: l}
}

// Execute finds the commit before the one whose message mentions keyword
// and writes source as it was there. "extract" writes it to destination
// (extracted/<name> by default); "revert" writes it back over source.
func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.Source == "":
		return nil, fmt.Errorf("%w: source", actions.ErrMissingParam)
	case p.Keyword == "":
		return nil, fmt.Errorf("%w: keyword", actions.ErrMissingParam)
	}
	if p.Strategy == "" {
		p.Strategy = BeforeLastMatch
	}
	if p.Strategy != BeforeLastMatch && p.Strategy != BeforeFirstMatch {
		return nil, fmt.Errorf("unknown strategy %q", p.Strategy)
	}

	wctx := req.Context
	var dst string
	switch p.Command {
	case "extract", "":
		dst = p.Destination
		if dst == "" {
			dst = path.Join("extracted", path.Base(p.Source))
		}
	case "revert":
		dst = path.Join("repository", p.Source)
	default:
		return nil, fmt.Errorf("unsupported git command %q", p.Command)
	}

	r, err := git.Open(wctx.RepositoryDir(), nil)
	if err != nil {
		return nil, err
	}
	match, err := r.FindCommit(p.Keyword, p.Strategy == BeforeFirstMatch)
	if err != nil {
		return nil, err
	}
	before, err := r.Parent(match.Hash)
	if err != nil {
		return nil, err
	}
	contents, err := r.FileAt(before, p.Source)
	if err != nil {
		return nil, err
	}

	dest, err := actions.Resolve(wctx, dst)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dest, []byte(contents), 0o644); err != nil {
		return nil, err
	}

	e.l.Info("restored file from history", "source", p.Source, "commit", before[:8], "destination", dst)
	return &actions.Result{Variables: map[string]any{"commit_hash": before}}, nil
}
