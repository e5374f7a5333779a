// Package batch runs a workflow across many projects with bounded
// concurrency and collects one result per project.
package batch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"tangled.sh/tangled.sh/automations/db"
	"tangled.sh/tangled.sh/automations/engine"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/hosting"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/registry"
	"tangled.sh/tangled.sh/automations/workflow"
)

type Status string

const (
	Succeeded        Status = "succeeded"
	SkippedFilter    Status = "skipped_filter"
	SkippedCondition Status = "skipped_condition"
	Failed           Status = "failed"
	Cancelled        Status = "cancelled"
)

var statuses = []Status{Succeeded, SkippedFilter, SkippedCondition, Failed, Cancelled}

type ProjectResult struct {
	Project     models.Project
	Status      Status
	Err         error
	StatePath   string
	PullRequest *models.PullRequest
	Duration    time.Duration
}

type Result struct {
	RunID    string
	Workflow string
	Started  time.Time
	Duration time.Duration
	Projects []ProjectResult
}

func (r *Result) Count(s Status) int {
	n := 0
	for _, p := range r.Projects {
		if p.Status == s {
			n++
		}
	}
	return n
}

// Failed reports whether any project failed.
func (r *Result) Failed() bool {
	return r.Count(Failed) > 0
}

type Options struct {
	Concurrency int
	FailFast    bool
	// StartFrom skips every project ordered before the one with this slug
	// or id.
	StartFrom string
}

type Runner interface {
	Run(ctx context.Context, def *workflow.Definition, p models.Project, repo *models.Repository) *engine.Outcome
}

type Hosting interface {
	Repository(ctx context.Context, p models.Project, identifier string) (*models.Repository, error)
	WorkflowStatus(ctx context.Context, repo *models.Repository) (string, error)
}

type Ledger interface {
	StartRun(r db.Run) error
	RecordProject(p db.ProjectResult) error
	FinishRun(id string, finished time.Time) error
}

type Controller struct {
	runner     Runner
	hosting    Hosting
	identifier string
	ledger     Ledger
	now        func() time.Time
	l          *slog.Logger
}

type ControllerOpt func(*Controller)

// WithHosting resolves each project's repository through its registry
// identifier before the project runs.
func WithHosting(h Hosting, identifier string) ControllerOpt {
	return func(c *Controller) {
		c.hosting = h
		c.identifier = identifier
	}
}

func WithLedger(l Ledger) ControllerOpt {
	return func(c *Controller) {
		c.ledger = l
	}
}

func WithClock(now func() time.Time) ControllerOpt {
	return func(c *Controller) {
		c.now = now
	}
}

func NewController(r Runner, l *slog.Logger, opts ...ControllerOpt) *Controller {
	c := &Controller{runner: r, now: time.Now, l: l}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var ErrNoRepository = errors.New("project has no repository")

// Order sorts projects by slug and drops those before startFrom. An
// unknown startFrom is ignored with a warning.
func (c *Controller) Order(projects []models.Project, startFrom string) []models.Project {
	sorted := slices.Clone(projects)
	slices.SortStableFunc(sorted, func(a, b models.Project) int {
		return cmp.Or(cmp.Compare(a.Slug, b.Slug), cmp.Compare(a.ID, b.ID))
	})
	if startFrom == "" {
		return sorted
	}

	i := slices.IndexFunc(sorted, func(p models.Project) bool {
		return p.Slug == startFrom || strconv.Itoa(p.ID) == startFrom
	})
	if i < 0 {
		c.l.Warn("start-from project not found, running all projects", "project", startFrom)
		return sorted
	}
	c.l.Info("starting from project", "project", sorted[i].Slug, "skipped", i)
	return sorted[i:]
}

// Run executes def against every project. In-flight projects always run
// to completion; with FailFast the ones not yet started are cancelled
// after the first failure.
func (c *Controller) Run(ctx context.Context, def *workflow.Definition, projects []models.Project, opts Options) *Result {
	targets := c.Order(projects, opts.StartFrom)
	res := &Result{
		RunID:    uuid.NewString(),
		Workflow: def.Slug(),
		Started:  c.now(),
		Projects: make([]ProjectResult, len(targets)),
	}
	l := c.l.With("run", res.RunID)
	l.Info("starting batch", "workflow", res.Workflow, "projects", len(targets), "concurrency", max(opts.Concurrency, 1))

	if c.ledger != nil {
		if err := c.ledger.StartRun(db.Run{ID: res.RunID, Workflow: res.Workflow, Targets: len(targets), Started: res.Started}); err != nil {
			l.Warn("failed to record run", "error", err)
		}
	}

	var stopped atomic.Bool
	q := NewQueue(len(targets))
	q.StartRunners(opts.Concurrency)

	for i, p := range targets {
		q.Enqueue(Job{
			Run: func() error {
				var r ProjectResult
				if stopped.Load() || ctx.Err() != nil {
					r = ProjectResult{Project: p, Status: Cancelled}
				} else {
					r = c.runProject(ctx, def, p)
				}
				res.Projects[i] = r
				c.record(res.RunID, r)
				if r.Status == Failed {
					return r.Err
				}
				return nil
			},
			OnFail: func(err error) {
				if opts.FailFast && stopped.CompareAndSwap(false, true) {
					l.Warn("stopping after failure", "project", p.Slug, "error", err)
				}
			},
		})
	}
	q.Close()

	res.Duration = c.now().Sub(res.Started)
	if c.ledger != nil {
		if err := c.ledger.FinishRun(res.RunID, res.Started.Add(res.Duration)); err != nil {
			l.Warn("failed to record run", "error", err)
		}
	}
	l.Info("batch finished",
		"succeeded", res.Count(Succeeded),
		"failed", res.Count(Failed),
		"skipped", res.Count(SkippedFilter)+res.Count(SkippedCondition),
		"cancelled", res.Count(Cancelled),
	)
	return res
}

func (c *Controller) runProject(ctx context.Context, def *workflow.Definition, p models.Project) (r ProjectResult) {
	start := c.now()
	r.Project = p
	defer func() {
		r.Duration = c.now().Sub(start)
	}()
	l := c.l.With("project", p.Slug)

	if !registry.Match(def.Filter, p, c.identifier, l) {
		l.Debug("project excluded by filter")
		r.Status, r.Err = SkippedFilter, failure.New(failure.FilterMismatch, "", errors.New("excluded by filter"))
		return
	}

	repo, err := c.repository(ctx, def, p)
	if err != nil {
		r.Status, r.Err = Failed, err
		return
	}

	if f := def.Filter; f != nil && len(f.ExcludeGitHubWorkflowStatus) > 0 && repo != nil {
		status, err := c.hosting.WorkflowStatus(ctx, repo)
		if err != nil {
			r.Status, r.Err = Failed, fmt.Errorf("checking workflow status: %w", err)
			return
		}
		if slices.Contains(f.ExcludeGitHubWorkflowStatus, status) {
			l.Info("project excluded by workflow status", "status", status)
			r.Status, r.Err = SkippedFilter, failure.Newf(failure.FilterMismatch, "", "workflow status %q", status)
			return
		}
	}

	out := c.runner.Run(ctx, def, p, repo)
	r.Err = out.Err
	r.PullRequest = out.PullRequest
	switch out.Status {
	case engine.Succeeded:
		r.Status = Succeeded
	case engine.SkippedCondition:
		r.Status = SkippedCondition
	default:
		r.Status = Failed
		if out.State != nil {
			r.StatePath = out.State.PreservedDirectoryPath
		}
	}
	return
}

func (c *Controller) repository(ctx context.Context, def *workflow.Definition, p models.Project) (*models.Repository, error) {
	var repo *models.Repository
	if c.hosting != nil {
		var err error
		repo, err = c.hosting.Repository(ctx, p, c.identifier)
		if err != nil && !errors.Is(err, hosting.ErrNoRepository) {
			return nil, err
		}
	}
	if repo == nil && def.Git.Clone {
		return nil, fmt.Errorf("%s: %w", p.Slug, ErrNoRepository)
	}
	return repo, nil
}

func (c *Controller) record(runID string, r ProjectResult) {
	if c.ledger == nil {
		return
	}
	row := db.ProjectResult{
		RunID:       runID,
		ProjectID:   r.Project.ID,
		ProjectSlug: r.Project.Slug,
		Status:      string(r.Status),
		StatePath:   r.StatePath,
		Duration:    r.Duration,
	}
	if r.Err != nil {
		row.Error = r.Err.Error()
	}
	if r.PullRequest != nil {
		row.PullRequest = r.PullRequest.URL
	}
	if err := c.ledger.RecordProject(row); err != nil {
		c.l.Warn("failed to record project result", "project", r.Project.Slug, "error", err)
	}
}
