package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tangled.sh/tangled.sh/automations/workflow"
)

const RunLogFile = "automations.log"

// RunLog appends one JSON line per pipeline event to the working
// directory, so a preserved failure carries its own history.
type RunLog struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

type Event struct {
	Time   time.Time      `json:"time"`
	Stage  workflow.Stage `json:"stage,omitempty"`
	Action string         `json:"action,omitempty"`
	Event  string         `json:"event"`
	Error  string         `json:"error,omitempty"`
}

func OpenRunLog(workingDir string) (*RunLog, error) {
	f, err := os.OpenFile(filepath.Join(workingDir, RunLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	return &RunLog{file: f, encoder: json.NewEncoder(f)}, nil
}

func (r *RunLog) Record(stage workflow.Stage, action, event string, err error) {
	if r == nil {
		return
	}
	e := Event{Time: time.Now().UTC(), Stage: stage, Action: action, Event: event}
	if err != nil {
		e.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.encoder.Encode(e)
}

func (r *RunLog) Close() error {
	if r == nil {
		return nil
	}
	return r.file.Close()
}
