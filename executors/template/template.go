// Package template renders template files or directories from the workflow
// into the clone.
package template

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tangled.sh/tangled.sh/automations/actions"
)

type Renderer interface {
	RenderFile(path string, data any) (string, error)
}

type Params struct {
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
}

type Executor struct {
	r Renderer
	l *slog.Logger
}

func New(r Renderer, l *slog.Logger) *Executor {
	return &Executor{r: r, l: l}
}

// Execute renders source to destination. A directory source is rendered
// file by file into the destination directory, dropping ".tmpl" suffixes.
func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	wctx := req.Context

	src, err := actions.Resolve(wctx, p.Source)
	if err != nil {
		return nil, err
	}
	dest, err := actions.Resolve(wctx, p.Destination)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	data := wctx.TemplateData()

	if !fi.IsDir() {
		return nil, e.render(src, dest, data)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return e.render(path, filepath.Join(dest, strings.TrimSuffix(rel, ".tmpl")), data)
	})
	return nil, err
}

func (e *Executor) render(src, dest string, data any) error {
	out, err := e.r.RenderFile(src, data)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(src), err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	e.l.Debug("rendered template", "source", src, "destination", dest)
	return os.WriteFile(dest, []byte(out), 0o644)
}
