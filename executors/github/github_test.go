package github

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
)

type fakeHost struct {
	envs    []string
	created []string
	deleted []string
	status  string
}

func (f *fakeHost) Environments(ctx context.Context, repo *models.Repository) ([]string, error) {
	return f.envs, nil
}

func (f *fakeHost) CreateEnvironment(ctx context.Context, repo *models.Repository, name string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeHost) DeleteEnvironment(ctx context.Context, repo *models.Repository, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeHost) WorkflowStatus(ctx context.Context, repo *models.Repository) (string, error) {
	return f.status, nil
}

func wctx() *models.Context {
	return &models.Context{
		Project: models.Project{Environments: []models.Environment{
			{Name: "Production", Slug: "production"},
			{Name: "Staging", Slug: "staging"},
		}},
		Repository: &models.Repository{FullName: "payments/billing-api"},
	}
}

func TestSyncEnvironments(t *testing.T) {
	tests := []struct {
		name        string
		prune       bool
		wantCreated []string
		wantDeleted []string
	}{
		{"create missing", false, []string{"Staging"}, nil},
		{"prune extra", true, []string{"Staging"}, []string{"Testing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{envs: []string{"Production", "Testing"}}
			_, err := New(host, log.Discard()).Execute(context.Background(), actions.Request{
				Params:  map[string]any{"command": "sync_environments", "prune": tt.prune},
				Context: wctx(),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, host.created)
			assert.Equal(t, tt.wantDeleted, host.deleted)
		})
	}
}

func TestWorkflowStatus(t *testing.T) {
	host := &fakeHost{status: "failure"}
	res, err := New(host, log.Discard()).Execute(context.Background(), actions.Request{
		Params:  map[string]any{"command": "workflow_status"},
		Context: wctx(),
	})
	require.NoError(t, err)
	assert.Equal(t, "failure", res.Variables["workflow_status"])
}

func TestRequiresRepository(t *testing.T) {
	_, err := New(&fakeHost{}, log.Discard()).Execute(context.Background(), actions.Request{
		Params:  map[string]any{"command": "sync_environments"},
		Context: &models.Context{},
	})
	assert.ErrorIs(t, err, ErrNoRepository)
}
