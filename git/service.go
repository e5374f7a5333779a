package git

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

// Service performs the repository operations of a project pipeline on the
// clone inside the context's working directory.
type Service struct {
	token  string
	author Signature
	l      *slog.Logger
}

func NewService(token string, author Signature, l *slog.Logger) *Service {
	return &Service{token: token, author: author, l: l}
}

func (s *Service) auth(url string) transport.AuthMethod {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if s.token == "" {
			return nil
		}
		return &http.BasicAuth{Username: "x-access-token", Password: s.token}
	}
	if strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://") {
		a, err := gitssh.NewSSHAgentAuth("git")
		if err != nil {
			s.l.Warn("ssh agent unavailable, cloning without credentials", "error", err)
			return nil
		}
		return a
	}
	return nil
}

func cloneURL(wctx *models.Context) string {
	repo := wctx.Repository
	if wctx.Workflow.Git.CloneType == workflow.CloneTypeHTTP || repo.SSHURL == "" {
		return repo.CloneURL
	}
	return repo.SSHURL
}

// Clone checks the project's repository out into the working directory and
// returns the starting commit.
func (s *Service) Clone(ctx context.Context, wctx *models.Context) (string, error) {
	if wctx.Repository == nil {
		return "", fmt.Errorf("%s: no repository to clone", wctx.Project)
	}

	url := cloneURL(wctx)
	opts := CloneOptions{
		URL:    url,
		Branch: wctx.Workflow.Git.StartingBranch,
		Depth:  wctx.Workflow.Git.Depth,
	}
	if opts.Branch == "" {
		opts.Branch = wctx.Repository.DefaultBranch
	}

	s.l.Debug("cloning", "url", url, "branch", opts.Branch, "depth", opts.Depth)
	r, err := Clone(ctx, wctx.RepositoryDir(), opts, s.auth(url))
	if err != nil {
		return "", err
	}
	return r.Head()
}

func (s *Service) open(wctx *models.Context) (*Repo, error) {
	var auth transport.AuthMethod
	if wctx.Repository != nil {
		auth = s.auth(cloneURL(wctx))
	}
	return Open(wctx.RepositoryDir(), auth)
}

// CommitMessage is the message used for the changes of one action.
func CommitMessage(def *workflow.Definition, a workflow.Action) string {
	msg := fmt.Sprintf("automations: %s - %s", def.Name, a.Name)
	if a.CommitMessage != "" {
		msg += "\n\n" + a.CommitMessage
	}
	return msg
}

func (s *Service) authorFor(def *workflow.Definition) Signature {
	if def.Git.CommitAuthor == "" {
		return s.author
	}
	a, err := ParseAuthor(def.Git.CommitAuthor)
	if err != nil {
		s.l.Warn("ignoring workflow commit author", "error", err)
		return s.author
	}
	return a
}

// Commit records every pending change made by action a. It reports whether
// a commit was created.
func (s *Service) Commit(ctx context.Context, wctx *models.Context, a workflow.Action) (bool, error) {
	r, err := s.open(wctx)
	if err != nil {
		return false, err
	}
	hash, err := r.CommitAll(CommitMessage(wctx.Workflow, a), s.authorFor(wctx.Workflow))
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}
	s.l.Info("committed", "action", a.Name, "commit", hash[:8])
	return true, nil
}

func (s *Service) CreateBranch(ctx context.Context, wctx *models.Context, branch string) error {
	r, err := s.open(wctx)
	if err != nil {
		return err
	}
	return r.CreateBranch(branch)
}

// Push pushes the currently checked out branch.
func (s *Service) Push(ctx context.Context, wctx *models.Context, force bool) error {
	r, err := s.open(wctx)
	if err != nil {
		return err
	}
	branch, err := r.CurrentBranch()
	if err != nil {
		return err
	}
	return r.Push(ctx, branch, force)
}

func (s *Service) CommitsSince(ctx context.Context, wctx *models.Context, since string) ([]Commit, error) {
	r, err := s.open(wctx)
	if err != nil {
		return nil, err
	}
	return r.CommitsSince(since)
}
