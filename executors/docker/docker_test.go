package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
)

type fakeRuntime struct {
	pulled    []string
	runs      []RunSpec
	result    *RunResult
	extracted map[string]string
}

func (f *fakeRuntime) Pull(ctx context.Context, image string) error {
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	f.runs = append(f.runs, spec)
	return f.result, nil
}

func (f *fakeRuntime) Extract(ctx context.Context, image, src, dest string) error {
	if f.extracted == nil {
		f.extracted = map[string]string{}
	}
	f.extracted[image+":"+src] = dest
	return os.WriteFile(dest, []byte("extracted"), 0o644)
}

func request(t *testing.T, params map[string]any) actions.Request {
	t.Helper()
	work := t.TempDir()
	repo := filepath.Join(work, models.RepositoryDir)
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "Dockerfile"), []byte("# base\nFROM python:3.12-slim AS build\nRUN true\n"), 0o644))
	return actions.Request{Params: params, Context: &models.Context{WorkingDir: work}}
}

func TestImageFromDockerfile(t *testing.T) {
	rt := &fakeRuntime{}
	e := New(rt, time.Minute, log.Discard())

	_, err := e.Execute(context.Background(), request(t, map[string]any{"command": "pull", "dockerfile": "repository/Dockerfile"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"python:3.12-slim"}, rt.pulled)
}

func TestRun(t *testing.T) {
	rt := &fakeRuntime{result: &RunResult{Stdout: "3.12.4\n"}}
	e := New(rt, time.Minute, log.Discard())

	req := request(t, map[string]any{
		"command":         "run",
		"image":           "python:3.12",
		"run":             "python --version",
		"output_variable": "python_version",
		"environment":     map[string]any{"B": "2", "A": "1"},
	})
	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "3.12.4", res.Variables["python_version"])
	require.Len(t, rt.runs, 1)
	assert.Equal(t, req.Context.RepositoryDir(), rt.runs[0].Workspace)
	assert.Equal(t, []string{"A=1", "B=2"}, rt.runs[0].Env)

	rt.result = &RunResult{ExitCode: 2, Stderr: "no such file"}
	_, err = e.Execute(context.Background(), req)
	assert.ErrorIs(t, err, ErrContainerFailed)
	assert.ErrorContains(t, err, "no such file")
}

func TestExtract(t *testing.T) {
	rt := &fakeRuntime{}
	e := New(rt, time.Minute, log.Discard())

	req := request(t, map[string]any{"command": "extract", "image": "base:1", "source": "/etc/constraints.txt"})
	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(req.Context.ExtractedDir(), "constraints.txt"))
}

func TestParamErrors(t *testing.T) {
	e := New(&fakeRuntime{}, time.Minute, log.Discard())
	for _, params := range []map[string]any{
		{"command": "pull"},
		{"command": "run", "image": "x"},
		{"command": "extract", "image": "x"},
		{"image": "x"},
	} {
		_, err := e.Execute(context.Background(), request(t, params))
		assert.ErrorIs(t, err, actions.ErrMissingParam, params)
	}
}

func tarball(t *testing.T, entries map[string]string, dirs ...string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: d, Typeflag: tar.TypeDir, Mode: 0o755}))
	}
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestUntar(t *testing.T) {
	dir := t.TempDir()

	dest := filepath.Join(dir, "single.txt")
	require.NoError(t, untar(tarball(t, map[string]string{"constraints.txt": "six==1.16"}), dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "six==1.16", string(b))

	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, untar(tarball(t, map[string]string{"conf/a.ini": "a"}, "conf/"), out))
	b, err = os.ReadFile(filepath.Join(out, "conf", "a.ini"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(b))
}
