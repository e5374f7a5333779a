// Package docker implements docker actions: pulling images, running
// commands against the clone in a container and extracting files from
// images.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"tangled.sh/tangled.sh/automations/actions"
)

type Params struct {
	Command        string            `mapstructure:"command"`
	Image          string            `mapstructure:"image"`
	Dockerfile     string            `mapstructure:"dockerfile"`
	Run            string            `mapstructure:"run"`
	Source         string            `mapstructure:"source"`
	Destination    string            `mapstructure:"destination"`
	Environment    map[string]string `mapstructure:"environment"`
	OutputVariable string            `mapstructure:"output_variable"`
}

type Executor struct {
	rt      Runtime
	timeout time.Duration
	l       *slog.Logger
}

func New(rt Runtime, timeout time.Duration, l *slog.Logger) *Executor {
	return &Executor{rt: rt, timeout: timeout, l: l}
}

var fromRe = regexp.MustCompile(`(?m)^FROM\s+(\S+)`)

// imageFromDockerfile returns the image of the first FROM line.
func imageFromDockerfile(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	m := fromRe.FindSubmatch(b)
	if m == nil {
		return "", fmt.Errorf("no FROM line in %s", filepath.Base(p))
	}
	return string(m[1]), nil
}

func (e *Executor) Execute(ctx context.Context, req actions.Request) (*actions.Result, error) {
	var p Params
	if err := actions.Decode(req.Params, &p); err != nil {
		return nil, err
	}
	wctx := req.Context

	img := p.Image
	if img == "" && p.Dockerfile != "" {
		df, err := actions.Resolve(wctx, p.Dockerfile)
		if err != nil {
			return nil, err
		}
		if img, err = imageFromDockerfile(df); err != nil {
			return nil, err
		}
	}
	if img == "" {
		return nil, fmt.Errorf("%w: image or dockerfile", actions.ErrMissingParam)
	}

	ctx, cancel := actions.WithTimeout(ctx, req.Action, e.timeout)
	defer cancel()

	l := e.l.With("image", img)

	switch p.Command {
	case "pull":
		l.Debug("pulling image")
		return nil, e.rt.Pull(ctx, img)

	case "run":
		if p.Run == "" {
			return nil, fmt.Errorf("%w: run", actions.ErrMissingParam)
		}
		res, err := e.rt.Run(ctx, RunSpec{
			Image:     img,
			Command:   p.Run,
			Env:       envs(p.Environment),
			Workspace: wctx.RepositoryDir(),
		})
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			l.Error("container failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
			return nil, fmt.Errorf("%w (%d): %s", ErrContainerFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		out := &actions.Result{}
		if p.OutputVariable != "" {
			out.Variables = map[string]any{p.OutputVariable: strings.TrimSpace(res.Stdout)}
		}
		return out, nil

	case "extract":
		if p.Source == "" {
			return nil, fmt.Errorf("%w: source", actions.ErrMissingParam)
		}
		dst := p.Destination
		if dst == "" {
			dst = path.Join("extracted", path.Base(p.Source))
		}
		dest, err := actions.Resolve(wctx, dst)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		l.Debug("extracting", "source", p.Source, "destination", dst)
		return nil, e.rt.Extract(ctx, img, p.Source, dest)

	case "":
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	default:
		return nil, fmt.Errorf("unsupported docker command %q", p.Command)
	}
}

func envs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
