// Package condition decides whether a workflow, or a single action, applies
// to a project. Remote checks run against the code host before cloning;
// local checks run against the clone. Evaluation never writes anything.
package condition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dgraph-io/ristretto"
	"tangled.sh/tangled.sh/automations/workflow"
)

type Scope int

const (
	Remote Scope = iota
	Local
)

func (s Scope) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

var ErrNotBoolean = errors.New("expression did not render to a boolean")

// RemoteFS is read access to a repository on the code host.
type RemoteFS interface {
	Tree(ctx context.Context) ([]string, error)
	ReadFile(ctx context.Context, path string) (content string, found bool, err error)
}

type Renderer interface {
	Render(text string, data any) (string, error)
}

// Env is what conditions are evaluated against.
type Env struct {
	Dir    string   // local checkout, for the Local scope
	Remote RemoteFS // for the Remote scope
	Data   any      // template data for when expressions
	Key    string   // identifies the repository in the lookup cache
}

type Evaluator struct {
	r     Renderer
	l     *slog.Logger
	cache *ristretto.Cache
	ttl   time.Duration
}

func New(r Renderer, l *slog.Logger) (*Evaluator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64MB of file contents
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Evaluator{r: r, l: l, cache: cache, ttl: 10 * time.Minute}, nil
}

func (e *Evaluator) Close() {
	e.cache.Close()
}

// Evaluate reduces the conditions relevant to scope with AND (or OR for
// ConditionAny). An empty relevant list is true.
func (e *Evaluator) Evaluate(ctx context.Context, conds []workflow.Condition, kind workflow.ConditionType, scope Scope, env Env) (bool, error) {
	evaluated := 0
	for i, c := range conds {
		if !inScope(c, scope) {
			continue
		}
		evaluated++

		ok, err := e.evaluate(ctx, c, scope, env)
		if err != nil {
			return false, fmt.Errorf("%s condition %d: %w", scope, i, err)
		}
		e.l.Debug("condition evaluated", "scope", scope.String(), "index", i, "result", ok)

		if kind == workflow.ConditionAny && ok {
			return true, nil
		}
		if kind != workflow.ConditionAny && !ok {
			return false, nil
		}
	}

	if evaluated == 0 || kind != workflow.ConditionAny {
		return true, nil
	}
	return false, nil
}

func inScope(c workflow.Condition, scope Scope) bool {
	if scope == Remote {
		return c.IsRemote()
	}
	return c.IsLocal()
}

// every check set on one condition must hold
func (e *Evaluator) evaluate(ctx context.Context, c workflow.Condition, scope Scope, env Env) (bool, error) {
	type check func() (bool, error)
	var checks []check

	if scope == Remote {
		if c.RemoteFileExists != "" {
			checks = append(checks, func() (bool, error) { return e.remoteExists(ctx, env, c.RemoteFileExists, c.Regex) })
		}
		if c.RemoteFileNotExists != "" {
			checks = append(checks, func() (bool, error) {
				ok, err := e.remoteExists(ctx, env, c.RemoteFileNotExists, c.Regex)
				return !ok, err
			})
		}
		if c.RemoteFileContains != "" {
			checks = append(checks, func() (bool, error) { return e.remoteContains(ctx, env, c.RemoteFile, c.RemoteFileContains, c.Regex) })
		}
	} else {
		if c.FileExists != "" {
			checks = append(checks, func() (bool, error) { return localExists(env.Dir, c.FileExists, c.Regex) })
		}
		if c.FileNotExists != "" {
			checks = append(checks, func() (bool, error) {
				ok, err := localExists(env.Dir, c.FileNotExists, c.Regex)
				return !ok, err
			})
		}
		if c.FileContains != "" {
			checks = append(checks, func() (bool, error) { return localContains(env.Dir, c.File, c.FileContains, c.Regex) })
		}
		if c.When != "" {
			checks = append(checks, func() (bool, error) { return e.when(c.When, env.Data) })
		}
	}

	for _, chk := range checks {
		ok, err := chk()
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) when(expr string, data any) (bool, error) {
	out, err := e.r.Render(expr, data)
	if err != nil {
		return false, err
	}
	return Truthy(out)
}

// Truthy maps a rendered expression onto a boolean.
func Truthy(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no", "none", "":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrNotBoolean, s)
}

// matcher is a path pattern in one of three modes: exact, glob or regex.
type matcher struct {
	pattern string
	glob    bool
	re      *regexp.Regexp
}

func compile(pattern string, regex bool) (*matcher, error) {
	if regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return &matcher{pattern: pattern, re: re}, nil
	}

	p := path.Clean(strings.TrimPrefix(pattern, "/"))
	if strings.ContainsAny(p, "*?[{") {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		return &matcher{pattern: p, glob: true}, nil
	}
	return &matcher{pattern: p}, nil
}

func (m *matcher) exact() bool {
	return m.re == nil && !m.glob
}

func (m *matcher) match(p string) bool {
	switch {
	case m.re != nil:
		return m.re.MatchString(p)
	case m.glob:
		ok, _ := doublestar.Match(m.pattern, p)
		return ok
	default:
		return p == m.pattern
	}
}

// contentMatches tries a plain substring first and then the needle as a
// regular expression. A needle that is not a valid expression only
// matches as a substring.
func contentMatches(content, needle string) bool {
	if strings.Contains(content, needle) {
		return true
	}
	re, err := regexp.Compile(needle)
	if err != nil {
		return false
	}
	return re.MatchString(content)
}

func localMatches(dir, pattern string, regex bool) ([]string, error) {
	m, err := compile(pattern, regex)
	if err != nil {
		return nil, err
	}

	if m.exact() {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(m.pattern)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, nil
		case err != nil:
			return nil, err
		}
		return []string{m.pattern}, nil
	}

	if m.glob {
		return doublestar.Glob(os.DirFS(dir), m.pattern)
	}

	var out []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		if rel = filepath.ToSlash(rel); m.match(rel) {
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

func localExists(dir, pattern string, regex bool) (bool, error) {
	matches, err := localMatches(dir, pattern, regex)
	return len(matches) > 0, err
}

func localContains(dir, file, needle string, regex bool) (bool, error) {
	matches, err := localMatches(dir, file, regex)
	if err != nil {
		return false, err
	}
	for _, rel := range matches {
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			// directories and unreadable entries cannot contain anything
			continue
		}
		if contentMatches(string(b), needle) {
			return true, nil
		}
	}
	return false, nil
}
