package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/condition"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/render"
	"tangled.sh/tangled.sh/automations/workflow"
)

type fakeCommitter struct {
	commit bool
	err    error
	calls  []string
}

func (f *fakeCommitter) Commit(ctx context.Context, wctx *models.Context, a workflow.Action) (bool, error) {
	f.calls = append(f.calls, a.Name)
	return f.commit, f.err
}

func newDispatcher(t *testing.T, ex *Executors, c Committer) *Dispatcher {
	t.Helper()
	ev, err := condition.New(render.New(), log.Discard())
	require.NoError(t, err)
	t.Cleanup(ev.Close)
	return NewDispatcher(ex, c, ev, render.New(), log.Discard())
}

func newContext(t *testing.T) *models.Context {
	t.Helper()
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, models.RepositoryDir), 0o755))
	return &models.Context{
		Workflow:   &workflow.Definition{Name: "wf", Git: workflow.GitOpts{Clone: true}},
		Project:    models.Project{ID: 7, Slug: "billing"},
		WorkingDir: work,
		Variables:  map[string]any{"version": "3.12"},
	}
}

func TestExecutorsFor(t *testing.T) {
	noop := ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) { return nil, nil })
	ex := &Executors{File: noop}

	got, err := ex.For(workflow.ActionFile)
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = ex.For(workflow.ActionDocker)
	assert.ErrorIs(t, err, ErrNoExecutor)

	_, err = ex.For("ftp")
	assert.ErrorIs(t, err, ErrUnknownActionType)
}

func TestDispatchRendersParamsAndMergesVariables(t *testing.T) {
	var got Request
	ex := &Executors{Shell: ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		got = req
		return &Result{Variables: map[string]any{"output": "ok"}}, nil
	})}
	c := &fakeCommitter{commit: true}
	d := newDispatcher(t, ex, c)
	wctx := newContext(t)

	a := workflow.Action{
		Name:        "bump",
		Type:        workflow.ActionShell,
		Committable: true,
		Params:      map[string]any{"command": "pin {{ .variables.version }} for {{ .project.Slug }}"},
	}
	committed, err := d.Execute(context.Background(), a, wctx)
	require.NoError(t, err)

	assert.True(t, committed)
	assert.True(t, wctx.HasRepositoryChanges)
	assert.Equal(t, "pin 3.12 for billing", got.Params["command"])
	assert.Equal(t, "ok", wctx.Variables["output"])
	assert.Equal(t, []string{"bump"}, c.calls)
}

func TestDispatchSkipsCommit(t *testing.T) {
	ok := ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) { return nil, nil })

	tests := []struct {
		name   string
		action workflow.Action
		clone  bool
	}{
		{"not committable", workflow.Action{Name: "a", Type: workflow.ActionUtility}, true},
		{"no clone", workflow.Action{Name: "a", Type: workflow.ActionUtility, Committable: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCommitter{commit: true}
			d := newDispatcher(t, &Executors{Utility: ok}, c)
			wctx := newContext(t)
			wctx.Workflow.Git.Clone = tt.clone

			committed, err := d.Execute(context.Background(), tt.action, wctx)
			require.NoError(t, err)
			assert.False(t, committed)
			assert.False(t, wctx.HasRepositoryChanges)
			assert.Empty(t, c.calls)
		})
	}
}

func TestDispatchActionConditions(t *testing.T) {
	calls := 0
	ex := &Executors{Utility: ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		calls++
		return nil, nil
	})}
	d := newDispatcher(t, ex, nil)
	wctx := newContext(t)

	a := workflow.Action{
		Name:          "only-with-dockerfile",
		Type:          workflow.ActionUtility,
		ConditionType: workflow.ConditionAll,
		Conditions:    []workflow.Condition{{FileExists: "Dockerfile"}},
	}
	committed, err := d.Execute(context.Background(), a, wctx)
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Zero(t, calls)

	require.NoError(t, os.WriteFile(filepath.Join(wctx.RepositoryDir(), "Dockerfile"), []byte("FROM scratch"), 0o644))
	_, err = d.Execute(context.Background(), a, wctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDispatchNormalizesErrors(t *testing.T) {
	boom := errors.New("exit status 1")
	exhausted := &failure.Error{Kind: failure.CycleExhausted, Action: "ai", Category: failure.TestFailure}

	tests := []struct {
		name      string
		execErr   error
		commitErr error
		want      failure.Kind
	}{
		{"executor failure", boom, nil, failure.ActionExecutionFailure},
		{"typed failure passes through", exhausted, nil, failure.CycleExhausted},
		{"commit failure after success", nil, errors.New("pre-commit hook failed"), failure.CommitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &Executors{Shell: ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
				return nil, tt.execErr
			})}
			d := newDispatcher(t, ex, &fakeCommitter{err: tt.commitErr})

			_, err := d.Execute(context.Background(), workflow.Action{Name: "ai", Type: workflow.ActionShell, Committable: true}, newContext(t))
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err))
		})
	}
}

func TestDecode(t *testing.T) {
	var p struct {
		Command string        `mapstructure:"command"`
		Retries int           `mapstructure:"retries"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	err := Decode(map[string]any{"command": "make", "retries": "2", "timeout": "30s"}, &p)
	require.NoError(t, err)
	assert.Equal(t, "make", p.Command)
	assert.Equal(t, 2, p.Retries)
	assert.Equal(t, 30*time.Second, p.Timeout)
}

func TestResolve(t *testing.T) {
	wctx := &models.Context{WorkingDir: "/work/abc"}

	got, err := Resolve(wctx, "repository/setup.cfg")
	require.NoError(t, err)
	assert.Equal(t, "/work/abc/repository/setup.cfg", got)

	got, err = Resolve(wctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/work/abc/etc/passwd", got, "paths stay inside the working directory")

	_, err = Resolve(wctx, "")
	assert.ErrorIs(t, err, ErrMissingParam)
}
