// Package engine drives one project through a workflow: remote conditions,
// clone, local conditions, the primary stage, the pull request gate and the
// followup stage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/condition"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/git"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/resume"
	"tangled.sh/tangled.sh/automations/workflow"
)

// MaxRestarts bounds on_failure restarts per action.
const MaxRestarts = 3

// prGateAction names the pull request step in failures and resume state.
const prGateAction = "pull_request"

type Status string

const (
	Succeeded        Status = "succeeded"
	SkippedCondition Status = "skipped_condition"
	Failed           Status = "failed"
)

type Outcome struct {
	Status      Status
	Err         error
	State       *resume.State
	PullRequest *models.PullRequest
}

type Dispatcher interface {
	Execute(ctx context.Context, a workflow.Action, wctx *models.Context) (bool, error)
}

type SourceControl interface {
	Clone(ctx context.Context, wctx *models.Context) (string, error)
	CreateBranch(ctx context.Context, wctx *models.Context, branch string) error
	Push(ctx context.Context, wctx *models.Context, force bool) error
	CommitsSince(ctx context.Context, wctx *models.Context, since string) ([]git.Commit, error)
}

type PullRequests interface {
	CreatePullRequest(ctx context.Context, repo *models.Repository, title, body, head string) (*models.PullRequest, error)
}

// RemoteFunc gives remote conditions read access to a repository.
type RemoteFunc func(repo *models.Repository) condition.RemoteFS

type Engine struct {
	dispatcher Dispatcher
	conditions actions.Conditions
	scm        SourceControl
	prs        PullRequests
	remote     RemoteFunc
	states     *resume.Manager
	preserve   bool
	workDir    string
	l          *slog.Logger
}

type EngineOpt func(*Engine)

func WithPullRequests(prs PullRequests) EngineOpt {
	return func(e *Engine) {
		e.prs = prs
	}
}

func WithRemote(fn RemoteFunc) EngineOpt {
	return func(e *Engine) {
		e.remote = fn
	}
}

// WithStates enables resuming. With preserve set, failed pipelines are
// captured as well.
func WithStates(m *resume.Manager, preserve bool) EngineOpt {
	return func(e *Engine) {
		e.states = m
		e.preserve = preserve
	}
}

func WithWorkDir(dir string) EngineOpt {
	return func(e *Engine) {
		e.workDir = dir
	}
}

func New(d Dispatcher, c actions.Conditions, scm SourceControl, l *slog.Logger, opts ...EngineOpt) *Engine {
	e := &Engine{dispatcher: d, conditions: c, scm: scm, l: l}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	ErrRemoteConditions = errors.New("remote conditions not met")
	ErrLocalConditions  = errors.New("local conditions not met")
	ErrInvalidRestart   = errors.New("on_failure must name an earlier action in the same stage")
	ErrNoFollowup       = errors.New("workflow has no followup actions")
)

// BranchName is the branch changes are proposed from.
func BranchName(def *workflow.Definition) string {
	return "automations/" + def.Slug()
}

// Run executes def against one project from the start.
func (e *Engine) Run(ctx context.Context, def *workflow.Definition, p models.Project, repo *models.Repository) *Outcome {
	wctx := &models.Context{
		Workflow:   def,
		Project:    p,
		Repository: repo,
		Variables:  make(map[string]any),
	}
	l := e.l.With("project", p.Slug)

	ok, err := e.remoteConditions(ctx, wctx)
	if err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	if !ok {
		l.Info("remote conditions not met, skipping")
		return &Outcome{Status: SkippedCondition, Err: failure.New(failure.ConditionNotMet, "", ErrRemoteConditions)}
	}

	if err := e.prepare(wctx); err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	defer e.cleanup(wctx)

	rl := e.openRunLog(wctx)
	defer rl.Close()

	if def.Git.Clone {
		commit, err := e.scm.Clone(ctx, wctx)
		if err != nil {
			rl.Record("", "", "clone_failed", err)
			return &Outcome{Status: Failed, Err: err}
		}
		wctx.StartingCommit = commit
		l.Debug("cloned", "commit", commit)
	}

	ok, err = e.localConditions(ctx, wctx)
	if err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	if !ok {
		l.Info("local conditions not met, skipping")
		return &Outcome{Status: SkippedCondition, Err: failure.New(failure.ConditionNotMet, "", ErrLocalConditions)}
	}

	return e.execute(ctx, wctx, rl, resume.Point{Stage: workflow.StagePrimary}, 0)
}

// Resume continues a captured failure. Conditions and cloning are skipped;
// the preserved working directory is used instead. The preserved copy is
// removed once the resumed run succeeds.
func (e *Engine) Resume(ctx context.Context, def *workflow.Definition, st *resume.State) *Outcome {
	if e.states == nil {
		return &Outcome{Status: Failed, Err: errors.New("resuming is not configured")}
	}
	wctx, pt, err := e.states.Restore(st, def)
	if err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	defer e.cleanup(wctx)

	rl := e.openRunLog(wctx)
	defer rl.Close()
	rl.Record(pt.Stage, st.FailedActionName, "resumed", nil)

	out := e.execute(ctx, wctx, rl, pt, pt.ActionIndex)
	if out.Status == Succeeded {
		if err := e.states.Discard(st); err != nil {
			e.l.Warn("failed to remove preserved state", "path", st.PreservedDirectoryPath, "error", err)
		}
	}
	return out
}

// RerunFollowup runs only the followup stage against an existing pull
// request, on a fresh clone of its branch.
func (e *Engine) RerunFollowup(ctx context.Context, def *workflow.Definition, p models.Project, repo *models.Repository, pr *models.PullRequest) *Outcome {
	followups := def.StageIndices(workflow.StageFollowup)
	if len(followups) == 0 {
		return &Outcome{Status: Failed, Err: ErrNoFollowup}
	}

	onBranch := *def
	onBranch.Git.StartingBranch = pr.Branch
	onBranch.Git.Clone = true

	wctx := &models.Context{
		Workflow:             &onBranch,
		Project:              p,
		Repository:           repo,
		Variables:            make(map[string]any),
		PullRequest:          pr,
		HasRepositoryChanges: true,
	}
	if err := e.prepare(wctx); err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	defer e.cleanup(wctx)

	rl := e.openRunLog(wctx)
	defer rl.Close()

	commit, err := e.scm.Clone(ctx, wctx)
	if err != nil {
		return &Outcome{Status: Failed, Err: err}
	}
	wctx.StartingCommit = commit

	pt := resume.Point{Stage: workflow.StageFollowup, ActionIndex: followups[0], FollowupCycle: 1}
	return e.execute(ctx, wctx, rl, pt, followups[0])
}

// execute runs the stages from pt onward. start is where this attempt
// began, for the completed range of a captured failure.
func (e *Engine) execute(ctx context.Context, wctx *models.Context, rl *RunLog, pt resume.Point, start int) *Outcome {
	var f *resume.Failure

	if pt.Stage != workflow.StageFollowup {
		if _, f = e.runActions(ctx, wctx, rl, workflow.StagePrimary, pt.ActionIndex, 0); f == nil {
			f = e.pullRequestGate(ctx, wctx, rl)
		}
	}

	// followup actions watch the pull request; without one they never run
	if f == nil && wctx.HasRepositoryChanges && wctx.PullRequest != nil {
		from, cycle, pending := 0, 1, false
		if pt.Stage == workflow.StageFollowup {
			from, cycle, pending = pt.ActionIndex, max(pt.FollowupCycle, 1), pt.PushPending
		}
		f = e.followup(ctx, wctx, rl, from, cycle, pending)
	}

	if f == nil {
		e.l.Info("project succeeded", "project", wctx.Project.Slug, "changes", wctx.HasRepositoryChanges)
		rl.Record("", "", "succeeded", nil)
		return &Outcome{Status: Succeeded, PullRequest: wctx.PullRequest}
	}

	f.StartIndex = start
	return e.fail(wctx, rl, *f)
}

func (e *Engine) fail(wctx *models.Context, rl *RunLog, f resume.Failure) *Outcome {
	e.l.Error("project failed", "project", wctx.Project.Slug, "stage", f.Stage, "action", f.ActionName, "error", f.Err)
	rl.Record(f.Stage, f.ActionName, "project_failed", f.Err)

	out := &Outcome{Status: Failed, Err: f.Err, PullRequest: wctx.PullRequest}
	if !e.preserve || e.states == nil {
		return out
	}

	st, err := e.states.Capture(wctx, f)
	if err != nil {
		e.l.Error("failed to preserve working directory", "project", wctx.Project.Slug, "error", err)
		return out
	}
	out.State = st
	return out
}

func positionOf(indices []int, from int) int {
	for pos, i := range indices {
		if i >= from {
			return pos
		}
	}
	return len(indices)
}

// restartTarget resolves an action's on_failure reference, or -1.
func restartTarget(def *workflow.Definition, i int) (int, error) {
	a := def.Actions[i]
	if a.OnFailure == "" {
		return -1, nil
	}
	t := def.IndexOf(a.OnFailure)
	if t < 0 || t > i || def.Actions[t].Stage != a.Stage {
		return -1, fmt.Errorf("%w: %q -> %q", ErrInvalidRestart, a.Name, a.OnFailure)
	}
	return t, nil
}

// runActions runs the actions of one stage in order, starting at action
// index from, and reports whether any of them committed.
func (e *Engine) runActions(ctx context.Context, wctx *models.Context, rl *RunLog, stage workflow.Stage, from, cycle int) (bool, *resume.Failure) {
	def := wctx.Workflow
	indices := def.StageIndices(stage)
	restarts := make(map[string]int)
	committed := false
	l := e.l.With("project", wctx.Project.Slug, "stage", stage)

	pos := positionOf(indices, from)
	for pos < len(indices) {
		i := indices[pos]
		a := def.Actions[i]

		if err := ctx.Err(); err != nil {
			return committed, &resume.Failure{Stage: stage, ActionIndex: i, ActionName: a.Name, FollowupCycle: cycle, Err: err}
		}

		rl.Record(stage, a.Name, "started", nil)
		c, err := e.dispatcher.Execute(ctx, a, wctx)
		if err == nil {
			committed = committed || c
			rl.Record(stage, a.Name, "succeeded", nil)
			pos++
			continue
		}
		rl.Record(stage, a.Name, "failed", err)
		l.Warn("action failed", "action", a.Name, "error", err)

		target, terr := restartTarget(def, i)
		switch {
		case terr != nil:
			l.Error("ignoring on_failure", "error", terr)
		case target >= 0 && restarts[a.Name] < MaxRestarts:
			restarts[a.Name]++
			l.Warn("restarting from earlier action", "action", a.Name, "from", def.Actions[target].Name, "attempt", restarts[a.Name])
			rl.Record(stage, a.Name, "restart", nil)
			pos = positionOf(indices, target)
			continue
		case target >= 0:
			l.Error("restart limit reached", "action", a.Name, "limit", MaxRestarts)
		}

		return committed, &resume.Failure{Stage: stage, ActionIndex: i, ActionName: a.Name, FollowupCycle: cycle, Err: err}
	}
	return committed, nil
}

// pullRequestGate publishes the primary stage's commits. Without commits it
// does nothing at all.
func (e *Engine) pullRequestGate(ctx context.Context, wctx *models.Context, rl *RunLog) *resume.Failure {
	def := wctx.Workflow
	l := e.l.With("project", wctx.Project.Slug)

	if !wctx.HasRepositoryChanges {
		l.Info("no repository changes, nothing to push")
		return nil
	}
	fail := func(err error) *resume.Failure {
		return &resume.Failure{Stage: workflow.StagePrimary, ActionIndex: len(def.Actions), ActionName: prGateAction, Err: err}
	}

	if !def.GitHub.CreatePullRequest || e.prs == nil {
		if err := e.scm.Push(ctx, wctx, false); err != nil {
			return fail(err)
		}
		l.Info("pushed changes")
		rl.Record("", prGateAction, "pushed", nil)
		return nil
	}

	branch := BranchName(def)
	if err := e.scm.CreateBranch(ctx, wctx, branch); err != nil {
		return fail(err)
	}
	if err := e.scm.Push(ctx, wctx, def.GitHub.ReplaceBranch); err != nil {
		return fail(err)
	}

	pr, err := e.prs.CreatePullRequest(ctx, wctx.Repository, def.Name, e.pullRequestBody(ctx, wctx), branch)
	if err != nil {
		return fail(fmt.Errorf("creating pull request: %w", err))
	}
	pr.Branch = branch
	wctx.PullRequest = pr

	l.Info("opened pull request", "url", pr.URL)
	rl.Record("", prGateAction, "opened", nil)
	return nil
}

func (e *Engine) pullRequestBody(ctx context.Context, wctx *models.Context) string {
	def := wctx.Workflow
	var b strings.Builder
	if def.Description != "" {
		b.WriteString(strings.TrimSpace(def.Description))
		b.WriteString("\n\n")
	}

	commits, err := e.scm.CommitsSince(ctx, wctx, wctx.StartingCommit)
	if err != nil {
		e.l.Warn("could not list commits for pull request body", "error", err)
	}
	if len(commits) > 0 {
		b.WriteString("Changes:\n\n")
		for i := len(commits) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "- %s\n", commits[i].Subject())
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Generated by the `%s` workflow.", def.Slug())
	return b.String()
}

// followup reruns the followup actions from the top for as long as a pass
// commits, pushing after each committing pass. pending carries commits of an
// interrupted attempt that were never pushed: a failed push is retried before
// the next pass, a failure mid-pass counts the resumed pass as committing.
func (e *Engine) followup(ctx context.Context, wctx *models.Context, rl *RunLog, from, cycle int, pending bool) *resume.Failure {
	def := wctx.Workflow
	indices := def.StageIndices(workflow.StageFollowup)
	if len(indices) == 0 {
		return nil
	}
	limit := def.MaxFollowupCycles
	if limit <= 0 {
		limit = workflow.DefaultMaxFollowupCycles
	}
	l := e.l.With("project", wctx.Project.Slug)

	pushFailed := func(cycle int, err error) *resume.Failure {
		return &resume.Failure{
			Stage:         workflow.StageFollowup,
			ActionIndex:   indices[0],
			ActionName:    def.Actions[indices[0]].Name,
			FollowupCycle: cycle,
			PushPending:   true,
			Err:           err,
		}
	}

	if pending && from <= indices[0] {
		l.Info("pushing followup commits from the interrupted attempt", "cycle", cycle-1)
		if err := e.scm.Push(ctx, wctx, false); err != nil {
			return pushFailed(cycle, err)
		}
		rl.Record(workflow.StageFollowup, "", "pushed", nil)
		pending = false
	}

	for ; ; cycle++ {
		if cycle > limit {
			return &resume.Failure{
				Stage:         workflow.StageFollowup,
				ActionIndex:   indices[0],
				ActionName:    def.Actions[indices[0]].Name,
				FollowupCycle: 1,
				Err:           failure.Newf(failure.FollowupExhausted, "", "followup actions still committing after %d cycles", limit),
			}
		}

		l.Info("running followup actions", "cycle", cycle, "max", limit)
		committed, f := e.runActions(ctx, wctx, rl, workflow.StageFollowup, from, cycle)
		committed = committed || pending
		pending = false
		if f != nil {
			f.PushPending = committed
			return f
		}
		from = 0
		if !committed {
			return nil
		}

		if err := e.scm.Push(ctx, wctx, false); err != nil {
			return pushFailed(cycle+1, err)
		}
		rl.Record(workflow.StageFollowup, "", "pushed", nil)
	}
}

func (e *Engine) remoteConditions(ctx context.Context, wctx *models.Context) (bool, error) {
	def := wctx.Workflow
	if !hasConditions(def.Conditions, workflow.Condition.IsRemote) {
		return true, nil
	}
	env := condition.Env{Data: wctx.TemplateData()}
	if e.remote != nil && wctx.Repository != nil {
		env.Remote = e.remote(wctx.Repository)
		env.Key = wctx.Repository.FullName
	}
	return e.conditions.Evaluate(ctx, def.Conditions, def.ConditionType, condition.Remote, env)
}

func (e *Engine) localConditions(ctx context.Context, wctx *models.Context) (bool, error) {
	def := wctx.Workflow
	if !hasConditions(def.Conditions, workflow.Condition.IsLocal) {
		return true, nil
	}
	env := condition.Env{Dir: wctx.RepositoryDir(), Data: wctx.TemplateData()}
	return e.conditions.Evaluate(ctx, def.Conditions, def.ConditionType, condition.Local, env)
}

func hasConditions(conds []workflow.Condition, pred func(workflow.Condition) bool) bool {
	for _, c := range conds {
		if pred(c) {
			return true
		}
	}
	return false
}

// prepare lays out a fresh working directory: the clone goes in
// repository/, workflow links to the workflow's files and extracted/ holds
// files pulled out of images or history.
func (e *Engine) prepare(wctx *models.Context) error {
	work, err := os.MkdirTemp(e.workDir, "automations-"+models.Normalize(wctx.Project.Slug)+"-")
	if err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}
	wctx.WorkingDir = work

	if err := layout(wctx); err != nil {
		e.cleanup(wctx)
		wctx.WorkingDir = ""
		return fmt.Errorf("preparing working directory: %w", err)
	}
	return nil
}

func layout(wctx *models.Context) error {
	if p := wctx.Workflow.Path; p != "" {
		if err := os.Symlink(p, wctx.WorkflowDir()); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(wctx.ExtractedDir(), 0o755); err != nil {
		return err
	}
	if !wctx.Workflow.Git.Clone {
		return os.MkdirAll(wctx.RepositoryDir(), 0o755)
	}
	return nil
}

func (e *Engine) cleanup(wctx *models.Context) {
	if wctx.WorkingDir == "" {
		return
	}
	if err := os.RemoveAll(wctx.WorkingDir); err != nil {
		e.l.Warn("failed to remove working directory", "path", wctx.WorkingDir, "error", err)
	}
}

func (e *Engine) openRunLog(wctx *models.Context) *RunLog {
	rl, err := OpenRunLog(wctx.WorkingDir)
	if err != nil {
		e.l.Warn("run log unavailable", "error", err)
		return nil
	}
	return rl
}
