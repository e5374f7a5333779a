package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ActionType string

const (
	ActionFile     ActionType = "file"
	ActionGit      ActionType = "git"
	ActionShell    ActionType = "shell"
	ActionDocker   ActionType = "docker"
	ActionTemplate ActionType = "template"
	ActionCallable ActionType = "callable"
	ActionGitHub   ActionType = "github"
	ActionImbi     ActionType = "imbi"
	ActionClaude   ActionType = "claude"
	ActionUtility  ActionType = "utility"
)

var ActionTypes = []ActionType{
	ActionFile,
	ActionGit,
	ActionShell,
	ActionDocker,
	ActionTemplate,
	ActionCallable,
	ActionGitHub,
	ActionImbi,
	ActionClaude,
	ActionUtility,
}

func (t ActionType) Valid() bool {
	for _, v := range ActionTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Stage string

const (
	StagePrimary  Stage = "primary"
	StageFollowup Stage = "followup"
)

type ConditionType string

const (
	ConditionAll ConditionType = "all"
	ConditionAny ConditionType = "any"
)

type Action struct {
	Name          string        `yaml:"name"`
	Type          ActionType    `yaml:"type"`
	Stage         Stage         `yaml:"stage"`
	Committable   bool          `yaml:"committable"`
	CommitMessage string        `yaml:"commit_message"`
	OnFailure     string        `yaml:"on_failure"`
	ConditionType ConditionType `yaml:"condition_type"`
	Conditions    []Condition   `yaml:"conditions"`
	Timeout       Duration      `yaml:"timeout"`

	// ai-driven actions
	Prompt           string `yaml:"prompt"`
	PlanningPrompt   string `yaml:"planning_prompt"`
	ValidationPrompt string `yaml:"validation_prompt"`
	MaxCycles        int    `yaml:"max_cycles"`

	// everything else is handed to the executor untouched
	Params map[string]any `yaml:",inline"`
}

func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	type plain Action
	p := plain{
		Stage:         StagePrimary,
		Committable:   true,
		ConditionType: ConditionAll,
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Action(p)
	return nil
}

// Param returns a string parameter, or "" when absent.
func (a Action) Param(key string) string {
	v, ok := a.Params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type Condition struct {
	FileExists    string `yaml:"file_exists"`
	FileNotExists string `yaml:"file_not_exists"`
	FileContains  string `yaml:"file_contains"`
	File          string `yaml:"file"`

	RemoteFileExists    string `yaml:"remote_file_exists"`
	RemoteFileNotExists string `yaml:"remote_file_not_exists"`
	RemoteFileContains  string `yaml:"remote_file_contains"`
	RemoteFile          string `yaml:"remote_file"`

	When string `yaml:"when"`

	// Regex marks path patterns as regular expressions instead of globs.
	Regex bool `yaml:"regex"`
}

func (c Condition) IsRemote() bool {
	return c.RemoteFileExists != "" || c.RemoteFileNotExists != "" || c.RemoteFileContains != ""
}

func (c Condition) IsLocal() bool {
	return c.FileExists != "" || c.FileNotExists != "" || c.FileContains != "" || c.When != ""
}

// Duration accepts "90s" style strings as well as bare seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

var slugRe = regexp.MustCompile(`[^a-z0-9_-]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	return strings.Trim(slugRe.ReplaceAllString(s, ""), "-")
}
