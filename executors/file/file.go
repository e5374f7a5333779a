// Package file implements file actions: append, copy, delete, move, rename
// and write, all confined to the project's working directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/models"
)

type Params struct {
	Command     string `mapstructure:"command"`
	Path        string `mapstructure:"path"`
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
	Pattern     string `mapstructure:"pattern"`
	Content     string `mapstructure:"content"`
	Mode        string `mapstructure:"mode"`
}

var ErrSourceMissing = errors.New("source does not exist")

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
	wctx := req.Context

	switch p.Command {
	case "append":
		return nil, e.write(wctx, p, os.O_APPEND)
	case "write":
		return nil, e.write(wctx, p, os.O_TRUNC)
	case "copy":
		return nil, e.copy(wctx, p)
	case "move", "rename":
		return nil, e.move(wctx, p)
	case "delete":
		return nil, e.delete(wctx, p)
	case "":
		return nil, fmt.Errorf("%w: command", actions.ErrMissingParam)
	default:
		return nil, fmt.Errorf("unsupported file command %q", p.Command)
	}
}

func fileMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	var m uint32
	if _, err := fmt.Sscanf(s, "%o", &m); err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(m), nil
}

func (e *Executor) write(wctx *models.Context, p Params, flag int) error {
	path, err := actions.Resolve(wctx, p.Path)
	if err != nil {
		return err
	}
	mode, err := fileMode(p.Mode)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|flag, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.WriteString(f, p.Content); err != nil {
		return err
	}
	e.l.Debug("wrote file", "path", p.Path, "bytes", len(p.Content))
	return f.Close()
}

// sources expands a glob source into the matching paths. Plain paths are
// returned as-is.
func sources(wctx *models.Context, src string) ([]string, error) {
	if !strings.ContainsAny(src, "*?[{") {
		path, err := actions.Resolve(wctx, src)
		if err != nil {
			return nil, err
		}
		if _, err := os.Lstat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return []string{path}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(wctx.WorkingDir), filepath.ToSlash(src))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: nothing matches %s", ErrSourceMissing, src)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		path, err := actions.Resolve(wctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}

// target is where src lands: inside dest when there are several sources or
// dest names a directory, dest itself otherwise.
func target(src, dest string, many bool) string {
	if many || strings.HasSuffix(dest, string(filepath.Separator)) {
		return filepath.Join(dest, filepath.Base(src))
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		return filepath.Join(dest, filepath.Base(src))
	}
	return dest
}

func (e *Executor) copy(wctx *models.Context, p Params) error {
	srcs, err := sources(wctx, p.Source)
	if err != nil {
		return err
	}
	dest, err := actions.Resolve(wctx, p.Destination)
	if err != nil {
		return err
	}
	if strings.HasSuffix(p.Destination, "/") {
		dest += string(filepath.Separator)
	}

	for _, src := range srcs {
		to := target(src, dest, len(srcs) > 1)
		if err := CopyTree(src, to); err != nil {
			return err
		}
		e.l.Debug("copied", "from", src, "to", to)
	}
	return nil
}

func (e *Executor) move(wctx *models.Context, p Params) error {
	srcs, err := sources(wctx, p.Source)
	if err != nil {
		return err
	}
	dest, err := actions.Resolve(wctx, p.Destination)
	if err != nil {
		return err
	}
	if strings.HasSuffix(p.Destination, "/") {
		dest += string(filepath.Separator)
	}

	for _, src := range srcs {
		to := target(src, dest, len(srcs) > 1)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, to); err != nil {
			return err
		}
		e.l.Debug("moved", "from", src, "to", to)
	}
	return nil
}

func (e *Executor) delete(wctx *models.Context, p Params) error {
	if p.Path != "" {
		path, err := actions.Resolve(wctx, p.Path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			e.l.Warn("file to delete does not exist", "path", p.Path)
			return nil
		}
		return os.RemoveAll(path)
	}

	if p.Pattern == "" {
		return fmt.Errorf("%w: path or pattern", actions.ErrMissingParam)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	base := wctx.RepositoryDir()
	deleted := 0
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if !re.MatchString(filepath.ToSlash(rel)) {
			return nil
		}
		deleted++
		return os.Remove(path)
	})
	e.l.Debug("deleted files matching pattern", "pattern", p.Pattern, "count", deleted)
	return err
}

// CopyTree copies a file or a directory tree. Symlinks are recreated, not
// followed.
func CopyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		to := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(to, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return err
			}
			_ = os.Remove(to)
			return os.Symlink(link, to)
		default:
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return err
			}
			return copyFile(path, to, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
