package condition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/render"
	"tangled.sh/tangled.sh/automations/workflow"
)

type fakeRemote struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	reads map[string]int
	trees int
}

func (f *fakeRemote) Tree(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees++
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRemote) ReadFile(ctx context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reads == nil {
		f.reads = make(map[string]int)
	}
	f.reads[path]++
	if f.err != nil {
		return "", false, f.err
	}
	c, ok := f.files[path]
	return c, ok, nil
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := New(render.New(), log.Discard())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for p, c := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(c), 0o644))
	}
	return dir
}

func TestLocalConditions(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"setup.cfg":                "[metadata]\nname = billing\n",
		"src/billing/app.py":       "import requests\n",
		".github/workflows/ci.yml": "on: push\n",
	})
	e := newEvaluator(t)
	env := Env{Dir: dir, Data: map[string]any{"variables": map[string]any{"upgrade": "yes"}}}

	tests := []struct {
		name    string
		cond    workflow.Condition
		want    bool
		wantErr bool
	}{
		{"exact exists", workflow.Condition{FileExists: "setup.cfg"}, true, false},
		{"exact missing", workflow.Condition{FileExists: "pyproject.toml"}, false, false},
		{"glob exists", workflow.Condition{FileExists: "**/*.py"}, true, false},
		{"glob zero matches is false", workflow.Condition{FileExists: "**/*.go"}, false, false},
		{"not exists", workflow.Condition{FileNotExists: "Dockerfile"}, true, false},
		{"regex path", workflow.Condition{FileExists: `^\.github/workflows/.+\.ya?ml$`, Regex: true}, true, false},
		{"bad regex path", workflow.Condition{FileExists: `([`, Regex: true}, false, true},
		{"contains substring", workflow.Condition{File: "setup.cfg", FileContains: "name = billing"}, true, false},
		{"contains regex", workflow.Condition{File: "src/**/*.py", FileContains: `^import\s+req`}, true, false},
		{"contains invalid regex falls back to false", workflow.Condition{File: "setup.cfg", FileContains: "[nope"}, false, false},
		{"contains missing file", workflow.Condition{File: "nope.txt", FileContains: "x"}, false, false},
		{"when true", workflow.Condition{When: "{{ .variables.upgrade }}"}, true, false},
		{"when missing key", workflow.Condition{When: "{{ .variables.other }}"}, false, false},
		{"when not boolean", workflow.Condition{When: "maybe"}, false, true},
		{"checks on one condition are combined", workflow.Condition{FileExists: "setup.cfg", FileNotExists: "setup.cfg"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), []workflow.Condition{tt.cond}, workflow.ConditionAll, Local, env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCombination(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "a"})
	e := newEvaluator(t)
	env := Env{Dir: dir}

	present := workflow.Condition{FileExists: "a.txt"}
	absent := workflow.Condition{FileExists: "b.txt"}

	tests := []struct {
		name  string
		conds []workflow.Condition
		kind  workflow.ConditionType
		want  bool
	}{
		{"empty all", nil, workflow.ConditionAll, true},
		{"empty any", nil, workflow.ConditionAny, true},
		{"all true", []workflow.Condition{present, present}, workflow.ConditionAll, true},
		{"all with one false", []workflow.Condition{present, absent}, workflow.ConditionAll, false},
		{"any with one true", []workflow.Condition{absent, present}, workflow.ConditionAny, true},
		{"any all false", []workflow.Condition{absent, absent}, workflow.ConditionAny, false},
		{"remote conditions ignored locally", []workflow.Condition{{RemoteFileExists: "x"}}, workflow.ConditionAll, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.conds, tt.kind, Local, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoteConditions(t *testing.T) {
	remote := &fakeRemote{files: map[string]string{
		"setup.cfg":     "[options]\ninstall_requires = requests\n",
		"src/app.py":    "print('hi')\n",
		"docs/index.md": "# docs\n",
	}}
	e := newEvaluator(t)
	env := Env{Remote: remote, Key: "payments/billing-api"}

	tests := []struct {
		name string
		cond workflow.Condition
		want bool
	}{
		{"exact exists", workflow.Condition{RemoteFileExists: "setup.cfg"}, true},
		{"exact missing", workflow.Condition{RemoteFileExists: "pyproject.toml"}, false},
		{"not exists", workflow.Condition{RemoteFileNotExists: "pyproject.toml"}, true},
		{"glob", workflow.Condition{RemoteFileExists: "src/*.py"}, true},
		{"glob zero matches", workflow.Condition{RemoteFileExists: "**/*.rs"}, false},
		{"contains", workflow.Condition{RemoteFile: "setup.cfg", RemoteFileContains: "requests"}, true},
		{"contains missing file", workflow.Condition{RemoteFile: "pyproject.toml", RemoteFileContains: "requests"}, false},
		{"local conditions ignored remotely", workflow.Condition{FileExists: "nope"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), []workflow.Condition{tt.cond}, workflow.ConditionAll, Remote, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 1, remote.trees, "tree lookups are memoised")
	assert.Equal(t, 1, remote.reads["setup.cfg"], "content lookups are memoised")
}

func TestRemoteErrorsPropagate(t *testing.T) {
	e := newEvaluator(t)
	env := Env{Remote: &fakeRemote{err: errors.New("rate limited")}, Key: "x"}

	_, err := e.Evaluate(context.Background(), []workflow.Condition{{RemoteFileExists: "setup.cfg"}}, workflow.ConditionAll, Remote, env)
	assert.ErrorContains(t, err, "rate limited")

	_, err = e.Evaluate(context.Background(), []workflow.Condition{{RemoteFileExists: "setup.cfg"}}, workflow.ConditionAll, Remote, Env{})
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestTruthy(t *testing.T) {
	for _, s := range []string{"true", "True", "1", "yes", " YES "} {
		v, err := Truthy(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "0", "no", "None", ""} {
		v, err := Truthy(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	for _, s := range []string{"2", "maybe", "<no value>"} {
		_, err := Truthy(s)
		assert.ErrorIs(t, err, ErrNotBoolean, s)
	}
}

func TestWhenMissingValueIsAnError(t *testing.T) {
	e, err := New(render.New(), log.Discard())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	conds := []workflow.Condition{{When: "{{ .variables.python_version }}"}}
	_, err = e.Evaluate(context.Background(), conds, workflow.ConditionAll, Local, Env{Dir: t.TempDir(), Data: map[string]any{"variables": map[string]any{}}})
	assert.ErrorIs(t, err, ErrNotBoolean)
}
