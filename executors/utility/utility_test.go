package utility

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/models"
)

func TestExecute(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		want    map[string]any
		wantErr bool
	}{
		{"log", map[string]any{"command": "log", "message": "hello", "level": "warn"}, nil, false},
		{"set variable", map[string]any{"command": "set_variable", "name": "target", "value": "3.12"}, map[string]any{"target": "3.12"}, false},
		{"set variable without name", map[string]any{"command": "set_variable"}, nil, true},
		{"unknown", map[string]any{"command": "sleep"}, nil, true},
	}
	e := New(log.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), actions.Request{Params: tt.params, Context: &models.Context{}})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, res)
				return
			}
			assert.Equal(t, tt.want, res.Variables)
		})
	}
}
