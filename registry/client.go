// Package registry talks to the Imbi project registry: project lookups,
// fact updates, and the metadata used to validate workflow filters.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"tangled.sh/tangled.sh/automations/config"
	"tangled.sh/tangled.sh/automations/models"
)

var ErrNotFound = errors.New("not found")

type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, e.Body)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	l       *slog.Logger

	attempts uint
	delay    time.Duration
}

type ClientOpt func(*Client)

func WithHTTPClient(h *http.Client) ClientOpt {
	return func(c *Client) {
		c.http = h
	}
}

func WithRetry(attempts uint, delay time.Duration) ClientOpt {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func WithBaseURL(u string) ClientOpt {
	return func(c *Client) {
		c.baseURL = u
	}
}

func NewClient(cfg config.Imbi, l *slog.Logger, opts ...ClientOpt) *Client {
	c := &Client{
		baseURL:  cfg.BaseURL(),
		apiKey:   cfg.APIKey,
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
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	u := c.baseURL + path
	return retry.Do(func() error {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Private-Token", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		}
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &StatusError{Method: method, URL: u, Code: resp.StatusCode, Body: string(b)}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.l.Warn("retrying imbi request", "path", path, "attempt", n+1, "error", err)
		}),
	)
}

func (c *Client) Project(ctx context.Context, id int) (*models.Project, error) {
	var p models.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+strconv.Itoa(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Projects lists every active project, optionally restricted to one
// project type.
func (c *Client) Projects(ctx context.Context, projectType string) ([]models.Project, error) {
	q := url.Values{}
	q.Set("include_archived", "false")
	if projectType != "" {
		q.Set("project_type_slug", projectType)
	}
	var out []models.Project
	if err := c.do(ctx, http.MethodGet, "/projects?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Environments(ctx context.Context) ([]models.Environment, error) {
	var out []models.Environment
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ProjectTypes(ctx context.Context) ([]ProjectType, error) {
	var out []ProjectType
	if err := c.do(ctx, http.MethodGet, "/project-types", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FactTypes(ctx context.Context) ([]FactType, error) {
	var out []FactType
	if err := c.do(ctx, http.MethodGet, "/project-fact-types", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FactTypeEnums(ctx context.Context) ([]FactTypeEnum, error) {
	var out []FactTypeEnum
	if err := c.do(ctx, http.MethodGet, "/project-fact-type-enums", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FactTypeRanges(ctx context.Context) ([]FactTypeRange, error) {
	var out []FactTypeRange
	if err := c.do(ctx, http.MethodGet, "/project-fact-type-ranges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type factUpdate struct {
	FactTypeID int `json:"fact_type_id"`
	Value      any `json:"value"`
}

// SetProjectFact records a single fact value on a project.
func (c *Client) SetProjectFact(ctx context.Context, projectID, factTypeID int, value any) error {
	path := fmt.Sprintf("/projects/%d/facts", projectID)
	return c.do(ctx, http.MethodPost, path, []factUpdate{{FactTypeID: factTypeID, Value: value}}, nil)
}
