package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/automations/log"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		text    string
		want    *Result
		wantErr bool
	}{
		{
			name: "plan wrapped in prose",
			kind: Planning,
			text: "Here is the plan:\n```json\n{\"plan\": [\"bump version\"], \"analysis\": \"old pin\"}\n```",
			want: &Result{Plan: []string{"bump version"}, Analysis: "old pin"},
		},
		{
			name: "skip task",
			kind: Planning,
			text: `{"plan": [], "skip_task": true}`,
			want: &Result{Plan: []string{}, SkipTask: true},
		},
		{
			name: "validation failure",
			kind: Validation,
			text: `{"validated": false, "errors": ["tests are failing"]}`,
			want: &Result{Errors: []string{"tests are failing"}},
		},
		{
			name: "task prose",
			kind: Task,
			text: "  Updated the Dockerfile.  ",
			want: &Result{Message: "Updated the Dockerfile."},
		},
		{
			name:    "validation prose",
			kind:    Validation,
			text:    "looks fine to me",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.kind, tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func fakeBinary(t *testing.T, output string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCLIRun(t *testing.T) {
	bin := fakeBinary(t, `{"type":"result","subtype":"success","is_error":false,"result":"{\"validated\": true}"}`)
	c := NewCLI(bin, "", time.Minute, log.Discard())

	r, err := c.Run(context.Background(), Request{Kind: Validation, Prompt: "check", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, r.Validated)
}

func TestCLIRunReportsAgentErrors(t *testing.T) {
	bin := fakeBinary(t, `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"ran out of turns"}`)
	c := NewCLI(bin, "", time.Minute, log.Discard())

	_, err := c.Run(context.Background(), Request{Kind: Task, Prompt: "do", Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrAgentFailed)
}
