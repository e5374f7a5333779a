// Package resume preserves the working directory and progress of a failed
// project pipeline so a later run can continue from the failing action.
package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"tangled.sh/tangled.sh/automations/failure"
	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

const (
	Version   = 1
	StateFile = ".state"
)

var ErrNoStateFile = errors.New("no state file")

// State is the durable record of one failed project pipeline.
type State struct {
	Version int `msgpack:"version"`

	WorkflowSlug string `msgpack:"workflow_slug"`
	WorkflowPath string `msgpack:"workflow_path"`
	ProjectID    int    `msgpack:"project_id"`
	ProjectSlug  string `msgpack:"project_slug"`

	FailedActionIndex      int            `msgpack:"failed_action_index"`
	FailedActionName       string         `msgpack:"failed_action_name"`
	CompletedActionIndices []int          `msgpack:"completed_action_indices"`
	CurrentStage           workflow.Stage `msgpack:"current_stage"`
	FollowupCycle          int            `msgpack:"followup_cycle"`
	PushPending            bool           `msgpack:"push_pending"`

	StartingCommit       string         `msgpack:"starting_commit"`
	HasRepositoryChanges bool           `msgpack:"has_repository_changes"`
	Variables            map[string]any `msgpack:"variables"`

	PRNumber int    `msgpack:"pr_number"`
	PRURL    string `msgpack:"pr_url"`
	PRBranch string `msgpack:"pr_branch"`

	ErrorMessage   string    `msgpack:"error_message"`
	ErrorTimestamp time.Time `msgpack:"error_timestamp"`

	PreservedDirectoryPath string `msgpack:"preserved_directory_path"`
	ConfigurationHash      string `msgpack:"configuration_hash"`

	Project    models.Project     `msgpack:"project"`
	Repository *models.Repository `msgpack:"repository"`
}

// Point is where a restored pipeline picks up.
type Point struct {
	Stage         workflow.Stage
	ActionIndex   int
	FollowupCycle int
	PushPending   bool
}

func (s *State) Point() Point {
	return Point{
		Stage:         s.CurrentStage,
		ActionIndex:   s.FailedActionIndex,
		FollowupCycle: s.FollowupCycle,
		PushPending:   s.PushPending,
	}
}

func (s *State) PullRequest() *models.PullRequest {
	if s.PRNumber == 0 {
		return nil
	}
	return &models.PullRequest{Number: s.PRNumber, URL: s.PRURL, Branch: s.PRBranch}
}

func (s *State) Marshal() ([]byte, error) {
	return msgpack.Marshal(s)
}

// Write stores the state as dir/.state.
func (s *State) Write(dir string) error {
	b, err := s.Marshal()
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, StateFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, StateFile))
}

func statePath(path string) string {
	if filepath.Base(path) == StateFile {
		return path
	}
	return filepath.Join(path, StateFile)
}

// Load reads the state stored in dir (or the .state file itself). Anything
// unreadable or written by another schema version is StateCorruption.
func Load(path string) (*State, error) {
	b, err := os.ReadFile(statePath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, failure.New(failure.StateCorruption, "", fmt.Errorf("%w in %s", ErrNoStateFile, path))
	}
	if err != nil {
		return nil, failure.New(failure.StateCorruption, "", err)
	}

	var s State
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, failure.New(failure.StateCorruption, "", fmt.Errorf("decoding %s: %w", StateFile, err))
	}
	if s.Version != Version {
		return nil, failure.Newf(failure.StateCorruption, "", "state version %d, expected %d", s.Version, Version)
	}
	return &s, nil
}

// Dump decodes a state file into a generic map, for display.
func Dump(path string) (map[string]any, error) {
	b, err := os.ReadFile(statePath(path))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, failure.New(failure.StateCorruption, "", err)
	}
	return out, nil
}
