package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

var tester = Signature{Name: "Test", Email: "test@example.com"}

func initRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	r, err := Open(dir, nil)
	require.NoError(t, err)
	return r, dir
}

func write(t *testing.T, dir, name, contents string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
}

func TestParseAuthor(t *testing.T) {
	tests := []struct {
		in      string
		want    Signature
		wantErr bool
	}{
		{"Jane Doe <jane@example.com>", Signature{"Jane Doe", "jane@example.com"}, false},
		{"bot@example.com", Signature{"", "bot@example.com"}, false},
		{"not an address", Signature{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAuthor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommitAll(t *testing.T) {
	r, dir := initRepo(t)

	write(t, dir, "a.txt", "a")
	first, err := r.CommitAll("add a", tester)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	hash, err := r.CommitAll("nothing", tester)
	require.NoError(t, err)
	assert.Empty(t, hash, "clean tree produces no commit")

	write(t, dir, "dir/b.txt", "b")
	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
	second, err := r.CommitAll("add b, drop a\n\nbody", tester)
	require.NoError(t, err)
	require.NotEmpty(t, second)

	commits, err := r.CommitsSince(first)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "add b, drop a", commits[0].Subject())
	assert.Equal(t, "Test", commits[0].Author)

	_, err = r.FileAt(second, "a.txt")
	assert.Error(t, err, "deleted files are committed")
	contents, err := r.FileAt(first, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", contents)

	parent, err := r.Parent(second)
	require.NoError(t, err)
	assert.Equal(t, first, parent)
}

func TestFindCommit(t *testing.T) {
	r, dir := initRepo(t)
	for i, msg := range []string{"bump deps", "fix ci", "bump deps again"} {
		write(t, dir, "f.txt", msg)
		_, err := r.CommitAll(msg, tester)
		require.NoError(t, err, i)
	}

	newest, err := r.FindCommit("bump", false)
	require.NoError(t, err)
	assert.Equal(t, "bump deps again", newest.Subject())

	oldest, err := r.FindCommit("bump", true)
	require.NoError(t, err)
	assert.Equal(t, "bump deps", oldest.Subject())

	_, err = r.FindCommit("release", false)
	assert.ErrorIs(t, err, ErrCommitNotFound)
}

func TestCreateBranch(t *testing.T) {
	r, dir := initRepo(t)
	write(t, dir, "a.txt", "a")
	_, err := r.CommitAll("init", tester)
	require.NoError(t, err)

	require.NoError(t, r.CreateBranch("automations/upgrade"))
	branch, err := r.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "automations/upgrade", branch)
}

func TestCommitMessage(t *testing.T) {
	def := &workflow.Definition{Name: "Upgrade Python"}
	assert.Equal(t, "automations: Upgrade Python - bump", CommitMessage(def, workflow.Action{Name: "bump"}))
	assert.Equal(t,
		"automations: Upgrade Python - bump\n\nPin 3.12",
		CommitMessage(def, workflow.Action{Name: "bump", CommitMessage: "Pin 3.12"}),
	)
}

func TestServiceCommitUsesWorkflowAuthor(t *testing.T) {
	work := t.TempDir()
	repoDir := filepath.Join(work, models.RepositoryDir)
	_, err := gogit.PlainInit(repoDir, false)
	require.NoError(t, err)

	s := NewService("", tester, log.Discard())
	wctx := &models.Context{
		Workflow:   &workflow.Definition{Name: "wf", Git: workflow.GitOpts{CommitAuthor: "Bot <bot@example.com>"}},
		WorkingDir: work,
	}

	committed, err := s.Commit(context.Background(), wctx, workflow.Action{Name: "noop"})
	require.NoError(t, err)
	assert.False(t, committed)

	write(t, repoDir, "x.txt", "x")
	committed, err = s.Commit(context.Background(), wctx, workflow.Action{Name: "write"})
	require.NoError(t, err)
	assert.True(t, committed)

	commits, err := s.CommitsSince(context.Background(), wctx, "")
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "Bot", commits[0].Author)
	assert.Equal(t, "automations: wf - write", commits[0].Subject())
}
