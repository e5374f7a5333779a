package resume

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tangled.sh/tangled.sh/automations/executors/file"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

// Failure describes where a pipeline stopped. StartIndex is the action the
// current attempt began at: 0 on a fresh run, the resume point otherwise.
// PushPending marks followup commits that never reached the remote.
type Failure struct {
	Stage         workflow.Stage
	ActionIndex   int
	ActionName    string
	FollowupCycle int
	PushPending   bool
	StartIndex    int
	Err           error
}

// Completed lists the actions finished during this attempt only.
func (f Failure) Completed() []int {
	out := []int{}
	for i := f.StartIndex; i < f.ActionIndex; i++ {
		out = append(out, i)
	}
	return out
}

type Manager struct {
	errorDir string
	workDir  string
	now      func() time.Time
	l        *slog.Logger
}

type ManagerOpt func(*Manager)

func WithClock(now func() time.Time) ManagerOpt {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager preserves failed pipelines under errorDir and restores them
// into fresh directories under workDir ("" for the system temp dir).
func NewManager(errorDir, workDir string, l *slog.Logger, opts ...ManagerOpt) *Manager {
	m := &Manager{errorDir: errorDir, workDir: workDir, now: time.Now, l: l}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) preserveDir(wctx *models.Context, at time.Time) (string, error) {
	base := filepath.Join(
		m.errorDir,
		models.Normalize(wctx.Workflow.Slug()),
		fmt.Sprintf("%s-%s", models.Normalize(wctx.Project.Slug), at.Format("20060102-150405")),
	)
	dir := base
	for n := 1; ; n++ {
		_, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			return dir, nil
		}
		if err != nil {
			return "", err
		}
		dir = fmt.Sprintf("%s-%d", base, n)
	}
}

// Capture copies the working directory into the error directory and writes
// the state next to it. It must run before the working directory is
// removed.
func (m *Manager) Capture(wctx *models.Context, f Failure) (*State, error) {
	at := m.now().UTC()
	dir, err := m.preserveDir(wctx, at)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	if err := file.CopyTree(wctx.WorkingDir, dir); err != nil {
		return nil, fmt.Errorf("preserving working directory: %w", err)
	}

	st := &State{
		Version:                Version,
		WorkflowSlug:           wctx.Workflow.Slug(),
		WorkflowPath:           wctx.Workflow.Path,
		ProjectID:              wctx.Project.ID,
		ProjectSlug:            wctx.Project.Slug,
		FailedActionIndex:      f.ActionIndex,
		FailedActionName:       f.ActionName,
		CompletedActionIndices: f.Completed(),
		CurrentStage:           f.Stage,
		FollowupCycle:          f.FollowupCycle,
		PushPending:            f.PushPending,
		StartingCommit:         wctx.StartingCommit,
		HasRepositoryChanges:   wctx.HasRepositoryChanges,
		Variables:              wctx.Variables,
		ErrorTimestamp:         at,
		PreservedDirectoryPath: dir,
		ConfigurationHash:      wctx.Workflow.Hash(),
		Project:                wctx.Project,
		Repository:             wctx.Repository,
	}
	if f.Err != nil {
		st.ErrorMessage = f.Err.Error()
	}
	if pr := wctx.PullRequest; pr != nil {
		st.PRNumber, st.PRURL, st.PRBranch = pr.Number, pr.URL, pr.Branch
	}

	if err := st.Write(dir); err != nil {
		return nil, fmt.Errorf("writing state: %w", err)
	}
	m.l.Info("preserved failed pipeline", "project", wctx.Project.Slug, "path", dir, "action", f.ActionName)
	return st, nil
}

// Restore rebuilds a pipeline context from st in a fresh copy of the
// preserved directory. A changed workflow definition only warns.
func (m *Manager) Restore(st *State, def *workflow.Definition) (*models.Context, Point, error) {
	l := m.l.With("project", st.ProjectSlug)

	if h := def.Hash(); h != st.ConfigurationHash {
		l.Warn("workflow changed since the failure was captured", "was", short(st.ConfigurationHash), "now", short(h))
	}
	if st.WorkflowPath != "" && st.WorkflowPath != def.Path {
		l.Warn("resuming with a workflow from a different path", "was", st.WorkflowPath, "now", def.Path)
	}

	pt := st.Point()
	if pt.ActionIndex < 0 || pt.ActionIndex > len(def.Actions) {
		return nil, pt, failure.Newf(failure.StateCorruption, st.FailedActionName, "action index %d out of range", pt.ActionIndex)
	}
	if pt.ActionIndex < len(def.Actions) && def.Actions[pt.ActionIndex].Name != st.FailedActionName {
		l.Warn("action at resume point was renamed", "was", st.FailedActionName, "now", def.Actions[pt.ActionIndex].Name)
	}

	if _, err := os.Stat(st.PreservedDirectoryPath); err != nil {
		return nil, pt, failure.New(failure.StateCorruption, "", fmt.Errorf("preserved directory: %w", err))
	}

	work, err := os.MkdirTemp(m.workDir, "automations-resume-")
	if err != nil {
		return nil, pt, err
	}
	if err := file.CopyTree(st.PreservedDirectoryPath, work); err != nil {
		os.RemoveAll(work)
		return nil, pt, fmt.Errorf("restoring working directory: %w", err)
	}
	os.Remove(filepath.Join(work, StateFile))

	link := filepath.Join(work, models.WorkflowLink)
	os.Remove(link)
	if def.Path != "" {
		if err := os.Symlink(def.Path, link); err != nil {
			os.RemoveAll(work)
			return nil, pt, err
		}
	}

	vars := st.Variables
	if vars == nil {
		vars = make(map[string]any)
	}
	wctx := &models.Context{
		Workflow:             def,
		Project:              st.Project,
		Repository:           st.Repository,
		WorkingDir:           work,
		StartingCommit:       st.StartingCommit,
		HasRepositoryChanges: st.HasRepositoryChanges,
		Variables:            vars,
		PullRequest:          st.PullRequest(),
	}
	l.Info("restored pipeline", "stage", pt.Stage, "action", st.FailedActionName, "index", pt.ActionIndex)
	return wctx, pt, nil
}

// Discard removes the preserved copy after a resumed run succeeded.
func (m *Manager) Discard(st *State) error {
	if st.PreservedDirectoryPath == "" {
		return nil
	}
	m.l.Debug("discarding preserved state", "path", st.PreservedDirectoryPath)
	return os.RemoveAll(st.PreservedDirectoryPath)
}

func short(h string) string {
	return h[:min(len(h), 12)]
}
