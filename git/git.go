// Package git wraps the go-git operations a workflow run needs on its
// working clone.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var ErrCommitNotFound = errors.New("no matching commit")

type Signature struct {
	Name  string
	Email string
}

// ParseAuthor reads a "Name <email>" string.
func ParseAuthor(s string) (Signature, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return Signature{}, fmt.Errorf("invalid commit author %q: %w", s, err)
	}
	return Signature{Name: addr.Name, Email: addr.Address}, nil
}

type Commit struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// Subject is the first line of the message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

type Repo struct {
	r    *gogit.Repository
	dir  string
	auth transport.AuthMethod
}

type CloneOptions struct {
	URL    string
	Branch string
	Depth  int
}

func Clone(ctx context.Context, dir string, opts CloneOptions, auth transport.AuthMethod) (*Repo, error) {
	co := &gogit.CloneOptions{
		URL:          opts.URL,
		Auth:         auth,
		Depth:        opts.Depth,
		SingleBranch: opts.Branch != "",
	}
	if opts.Branch != "" {
		co.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}

	r, err := gogit.PlainCloneContext(ctx, dir, false, co)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", opts.URL, err)
	}
	return &Repo{r: r, dir: dir, auth: auth}, nil
}

func Open(dir string, auth transport.AuthMethod) (*Repo, error) {
	r, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	return &Repo{r: r, dir: dir, auth: auth}, nil
}

func (r *Repo) Head() (string, error) {
	ref, err := r.r.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.r.Head()
	if err != nil {
		return "", err
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", ref.Hash())
	}
	return ref.Name().Short(), nil
}

// CommitAll stages every change in the worktree and commits it. It returns
// "" when there is nothing to commit.
func (r *Repo) CommitAll(msg string, author Signature) (string, error) {
	wt, err := r.r.Worktree()
	if err != nil {
		return "", err
	}

	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	if status.IsClean() {
		return "", nil
	}

	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		All: true,
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// CreateBranch creates (or resets) name at HEAD and checks it out.
func (r *Repo) CreateBranch(name string) error {
	wt, err := r.r.Worktree()
	if err != nil {
		return err
	}
	head, err := r.r.Head()
	if err != nil {
		return err
	}

	ref := plumbing.NewBranchReferenceName(name)
	if err := r.r.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
		return err
	}
	return wt.Checkout(&gogit.CheckoutOptions{Branch: ref, Keep: true})
}

// Push sends branch to origin under the same name.
func (r *Repo) Push(ctx context.Context, branch string, force bool) error {
	spec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if force {
		spec = "+" + spec
	}
	err := r.r.PushContext(ctx, &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec(spec)},
		Auth:       r.auth,
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// CommitsSince lists commits reachable from HEAD, newest first, stopping
// at (and excluding) since.
func (r *Repo) CommitsSince(since string) ([]Commit, error) {
	head, err := r.r.Head()
	if err != nil {
		return nil, err
	}
	iter, err := r.r.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Commit
	for {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		if c.Hash.String() == since {
			break
		}
		out = append(out, toCommit(c))
	}
	return out, nil
}

func toCommit(c *object.Commit) Commit {
	return Commit{
		Hash:    c.Hash.String(),
		Message: c.Message,
		Author:  c.Author.Name,
		When:    c.Author.When,
	}
}

// FindCommit searches history, newest first, for commits whose message
// contains keyword. With first set the oldest match is returned, otherwise
// the newest.
func (r *Repo) FindCommit(keyword string, first bool) (*Commit, error) {
	head, err := r.r.Head()
	if err != nil {
		return nil, err
	}
	iter, err := r.r.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var found *Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if !strings.Contains(c.Message, keyword) {
			return nil
		}
		cc := toCommit(c)
		found = &cc
		if !first {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrCommitNotFound, keyword)
	}
	return found, nil
}

var errStop = errors.New("stop")

// Parent returns the first parent of hash.
func (r *Repo) Parent(hash string) (string, error) {
	c, err := r.r.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", err
	}
	if c.NumParents() == 0 {
		return "", fmt.Errorf("%s has no parent", hash)
	}
	p, err := c.Parent(0)
	if err != nil {
		return "", err
	}
	return p.Hash.String(), nil
}

// FileAt reads path as of commit hash.
func (r *Repo) FileAt(hash, path string) (string, error) {
	c, err := r.r.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", err
	}
	f, err := c.File(path)
	if err != nil {
		return "", fmt.Errorf("%s at %s: %w", path, hash[:min(len(hash), 8)], err)
	}
	return f.Contents()
}
