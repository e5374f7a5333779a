// Package hosting is a small GitHub REST client covering what workflows
// need: repository lookup, file contents, trees, pull requests,
// environments and workflow run status.
package hosting

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"tangled.sh/tangled.sh/automations/config"
	"tangled.sh/tangled.sh/automations/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoRepository = errors.New("project has no github repository")
)

type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: %s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	baseURL string
	token   string
	link    string
	http    *http.Client
	l       *slog.Logger

	attempts uint
	delay    time.Duration
}

type ClientOpt func(*Client)

func WithBaseURL(u string) ClientOpt {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithLink names the project link holding the repository URL, used when a
// project has no identifier.
func WithLink(name string) ClientOpt {
	return func(c *Client) {
		c.link = name
	}
}

func WithRetry(attempts uint, delay time.Duration) ClientOpt {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func New(cfg config.GitHub, l *slog.Logger, opts ...ClientOpt) *Client {
	c := &Client{
		baseURL:  cfg.BaseURL(),
		token:    cfg.Token,
		http:     &http.Client{Timeout: 30 * time.Second},
		l:        l,
		attempts: 3,
		delay:    time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	return retry.Do(func() error {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Unrecoverable(fmt.Errorf("%s %s: %w", method, path, ErrNotFound))
		case resp.StatusCode >= 300:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(b)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return se
			}
			return retry.Unrecoverable(se)
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.l.Warn("retrying github request", "path", path, "attempt", n+1, "error", err)
		}),
	)
}

func repoPath(repo *models.Repository, suffix string) string {
	return "/repos/" + repo.FullName + suffix
}

// Repository resolves the project's repository from its registry
// identifier.
// Repository resolves the project's repository by its identifier, falling
// back to the repository URL in the project's links.
func (c *Client) Repository(ctx context.Context, p models.Project, identifier string) (*models.Repository, error) {
	if id := p.Identifier(identifier); id != "" {
		var repo models.Repository
		err := c.do(ctx, http.MethodGet, "/repositories/"+url.PathEscape(id), nil, &repo)
		if err == nil {
			return &repo, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c.l.Debug("repository identifier not found, trying links", "project", p.Slug, "id", id)
	}

	if name, ok := linkedName(p.Links[c.link]); c.link != "" && ok {
		repo, err := c.RepositoryByName(ctx, name)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return repo, err
		}
	}
	return nil, fmt.Errorf("%s: %w", p.Slug, ErrNoRepository)
}

// RepositoryByName looks a repository up by its owner/name.
func (c *Client) RepositoryByName(ctx context.Context, fullName string) (*models.Repository, error) {
	owner, name, ok := strings.Cut(strings.Trim(fullName, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid repository name %q", fullName)
	}
	var repo models.Repository
	if err := c.do(ctx, http.MethodGet, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name), nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// linkedName extracts owner/name from a repository web URL.
func linkedName(link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"), true
}

type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// Contents fetches a file from the default branch. A missing file is not
// an error; found reports whether it exists. Directories exist but have
// no content.
func (c *Client) Contents(ctx context.Context, repo *models.Repository, path string) (content string, found bool, err error) {
	var raw json.RawMessage
	err = c.do(ctx, http.MethodGet, repoPath(repo, "/contents/"+strings.TrimPrefix(path, "/")), nil, &raw)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if len(raw) > 0 && raw[0] == '[' {
		return "", true, nil
	}

	var cr contentResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", false, err
	}
	if cr.Encoding != "base64" {
		return cr.Content, true, nil
	}
	b, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(cr.Content, "\n", ""))
	if err != nil {
		return "", false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return string(b), true, nil
}

// Tree lists every path on the default branch.
func (c *Client) Tree(ctx context.Context, repo *models.Repository) ([]string, error) {
	var resp struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := repoPath(repo, "/git/trees/"+url.PathEscape(repo.DefaultBranch)+"?recursive=1")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Truncated {
		c.l.Warn("repository tree truncated", "repository", repo.FullName)
	}

	out := make([]string, 0, len(resp.Tree))
	for _, e := range resp.Tree {
		out = append(out, e.Path)
	}
	return out, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, repo *models.Repository, title, body, head string) (*models.PullRequest, error) {
	req := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  repo.DefaultBranch,
	}
	var pr models.PullRequest
	if err := c.do(ctx, http.MethodPost, repoPath(repo, "/pulls"), req, &pr); err != nil {
		return nil, err
	}
	pr.Branch = head
	return &pr, nil
}

// WorkflowStatus is the conclusion of the latest Actions run on the
// default branch, its status while still running, or "" with no runs.
func (c *Client) WorkflowStatus(ctx context.Context, repo *models.Repository) (string, error) {
	var resp struct {
		Runs []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"workflow_runs"`
	}
	q := url.Values{"branch": {repo.DefaultBranch}, "per_page": {"1"}}
	if err := c.do(ctx, http.MethodGet, repoPath(repo, "/actions/runs?"+q.Encode()), nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Runs) == 0 {
		return "", nil
	}
	if resp.Runs[0].Conclusion != "" {
		return resp.Runs[0].Conclusion, nil
	}
	return resp.Runs[0].Status, nil
}

func (c *Client) Environments(ctx context.Context, repo *models.Repository) ([]string, error) {
	var resp struct {
		Environments []struct {
			Name string `json:"name"`
		} `json:"environments"`
	}
	err := c.do(ctx, http.MethodGet, repoPath(repo, "/environments"), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Environments))
	for _, e := range resp.Environments {
		out = append(out, e.Name)
	}
	return out, nil
}

func (c *Client) CreateEnvironment(ctx context.Context, repo *models.Repository, name string) error {
	return c.do(ctx, http.MethodPut, repoPath(repo, "/environments/"+url.PathEscape(name)), map[string]any{}, nil)
}

func (c *Client) DeleteEnvironment(ctx context.Context, repo *models.Repository, name string) error {
	return c.do(ctx, http.MethodDelete, repoPath(repo, "/environments/"+url.PathEscape(name)), nil, nil)
}

// RemoteFS exposes one repository's default branch to condition checks.
type RemoteFS struct {
	c    *Client
	repo *models.Repository
}

func (c *Client) RemoteFS(repo *models.Repository) *RemoteFS {
	return &RemoteFS{c: c, repo: repo}
}

func (r *RemoteFS) Tree(ctx context.Context) ([]string, error) {
	return r.c.Tree(ctx, r.repo)
}

func (r *RemoteFS) ReadFile(ctx context.Context, path string) (string, bool, error) {
	return r.c.Contents(ctx, r.repo, path)
}
