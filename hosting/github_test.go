package hosting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/config"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
)

func testRepo() *models.Repository {
	return &models.Repository{FullName: "payments/billing-api", DefaultBranch: "main"}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOpt) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]ClientOpt{WithBaseURL(srv.URL), WithRetry(2, time.Millisecond)}, opts...)
	return New(config.GitHub{Token: "tok"}, log.Discard(), opts...)
}

func TestContents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/payments/billing-api/contents/setup.cfg":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":     "file",
				"encoding": "base64",
				"content":  base64.StdEncoding.EncodeToString([]byte("[metadata]\nname = billing\n")),
			})
		case "/repos/payments/billing-api/contents/src":
			_, _ = w.Write([]byte(`[{"name":"main.py"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	content, found, err := c.Contents(context.Background(), testRepo(), "setup.cfg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, content, "name = billing")

	_, found, err = c.Contents(context.Background(), testRepo(), "src")
	require.NoError(t, err)
	assert.True(t, found, "directories exist")

	_, found, err = c.Contents(context.Background(), testRepo(), "pyproject.toml")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTreeAndWorkflowStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/payments/billing-api/git/trees/main":
			assert.Equal(t, "1", r.URL.Query().Get("recursive"))
			_, _ = w.Write([]byte(`{"tree":[{"path":"setup.cfg","type":"blob"},{"path":"src/app.py","type":"blob"}]}`))
		case "/repos/payments/billing-api/actions/runs":
			_, _ = w.Write([]byte(`{"workflow_runs":[{"status":"completed","conclusion":"failure"}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	paths, err := c.Tree(context.Background(), testRepo())
	require.NoError(t, err)
	assert.Equal(t, []string{"setup.cfg", "src/app.py"}, paths)

	status, err := c.WorkflowStatus(context.Background(), testRepo())
	require.NoError(t, err)
	assert.Equal(t, "failure", status)
}

func TestCreatePullRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "automations/upgrade-ci", body["head"])
		assert.Equal(t, "main", body["base"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":17,"html_url":"https://github.com/payments/billing-api/pull/17"}`))
	})

	pr, err := c.CreatePullRequest(context.Background(), testRepo(), "Upgrade CI", "body", "automations/upgrade-ci")
	require.NoError(t, err)
	assert.Equal(t, 17, pr.Number)
	assert.Equal(t, "automations/upgrade-ci", pr.Branch)
}

func TestRepository(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repositories/99", "/repos/payments/billing-api":
			_, _ = w.Write([]byte(`{"id":99,"full_name":"payments/billing-api","default_branch":"main"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, WithLink("GitHub Repository"))

	tests := []struct {
		name    string
		project models.Project
		wantErr error
	}{
		{
			name:    "by identifier",
			project: models.Project{Identifiers: map[string]any{"github": float64(99)}},
		},
		{
			name:    "by link",
			project: models.Project{Links: map[string]string{"GitHub Repository": "https://github.com/payments/billing-api"}},
		},
		{
			name: "stale identifier falls back to link",
			project: models.Project{
				Identifiers: map[string]any{"github": float64(7)},
				Links:       map[string]string{"GitHub Repository": "https://github.com/payments/billing-api/"},
			},
		},
		{
			name:    "nothing to go on",
			project: models.Project{Slug: "x", Links: map[string]string{"Docs": "https://docs.example.com/x/y"}},
			wantErr: ErrNoRepository,
		},
		{
			name:    "link to a missing repository",
			project: models.Project{Slug: "x", Links: map[string]string{"GitHub Repository": "https://github.com/payments/gone"}},
			wantErr: ErrNoRepository,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, err := c.Repository(context.Background(), tt.project, "github")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "payments/billing-api", repo.FullName)
		})
	}
}

func TestRepositoryByName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/payments/billing-api", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":99,"full_name":"payments/billing-api","html_url":"https://github.com/payments/billing-api"}`))
	})

	repo, err := c.RepositoryByName(context.Background(), "payments/billing-api")
	require.NoError(t, err)
	assert.EqualValues(t, 99, repo.ID)

	for _, bad := range []string{"billing-api", "payments/", "a/b/c"} {
		_, err := c.RepositoryByName(context.Background(), bad)
		assert.Error(t, err, bad)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"environments":[{"name":"production"}]}`))
	})

	envs, err := c.Environments(context.Background(), testRepo())
	require.NoError(t, err)
	assert.Equal(t, []string{"production"}, envs)
	assert.Equal(t, 2, calls)
}
