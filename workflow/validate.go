package workflow

import (
	"errors"
	"fmt"
)

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins every error diagnostic, or returns nil.
func (d Diagnostics) Err() error {
	if !d.IsErr() {
		return nil
	}
	errs := make([]error, 0, len(d.Errors))
	for _, e := range d.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", e.Path, e.Error))
	}
	return errors.Join(errs...)
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	MissingName          error = errors.New("missing name")
	DuplicateAction      error = errors.New("duplicate action name")
	UnknownActionType    error = errors.New("unknown action type")
	UnknownStage         error = errors.New("unknown stage")
	UnknownConditionType error = errors.New("unknown condition type")
	InvalidOnFailure     error = errors.New("invalid on_failure target")
	MissingPrompt        error = errors.New("claude action requires a prompt")
	InvalidCycles        error = errors.New("cycle limit must be positive")
	EmptyCondition       error = errors.New("condition has no checks")
	MissingContainsFile  error = errors.New("file_contains requires file")
)

type WarningKind string

var (
	UnreachableStage     WarningKind = "unreachable stage"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// Validate checks the structural invariants a definition must hold before
// any project is touched.
func Validate(d *Definition) Diagnostics {
	var diag Diagnostics

	if d.Name == "" {
		diag.AddError("name", MissingName)
	}
	if d.MaxCycles < 1 {
		diag.AddError("max_cycles", InvalidCycles)
	}
	if d.MaxFollowupCycles < 1 {
		diag.AddError("max_followup_cycles", InvalidCycles)
	}
	if !d.ConditionType.valid() {
		diag.AddError("condition_type", fmt.Errorf("%w: %q", UnknownConditionType, d.ConditionType))
	}
	for i, c := range d.Conditions {
		validateCondition(&diag, fmt.Sprintf("conditions[%d]", i), c)
	}

	seen := make(map[string]int)
	for i, a := range d.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if a.Name == "" {
			diag.AddError(path+".name", MissingName)
		} else if prev, ok := seen[a.Name]; ok {
			diag.AddError(path+".name", fmt.Errorf("%w: %q also used by actions[%d]", DuplicateAction, a.Name, prev))
		} else {
			seen[a.Name] = i
		}

		if !a.Type.Valid() {
			diag.AddError(path+".type", fmt.Errorf("%w: %q", UnknownActionType, a.Type))
		}
		if a.Stage != StagePrimary && a.Stage != StageFollowup {
			diag.AddError(path+".stage", fmt.Errorf("%w: %q", UnknownStage, a.Stage))
		}
		if !a.ConditionType.valid() {
			diag.AddError(path+".condition_type", fmt.Errorf("%w: %q", UnknownConditionType, a.ConditionType))
		}
		for j, c := range a.Conditions {
			cpath := fmt.Sprintf("%s.conditions[%d]", path, j)
			validateCondition(&diag, cpath, c)
			if c.IsRemote() {
				diag.AddWarning(cpath, InvalidConfiguration, "remote checks on an action are evaluated against the local clone only")
			}
		}

		if a.Type == ActionClaude {
			if a.Prompt == "" {
				diag.AddError(path+".prompt", MissingPrompt)
			}
			if a.MaxCycles < 0 {
				diag.AddError(path+".max_cycles", InvalidCycles)
			}
		}

		if a.OnFailure != "" {
			target := d.IndexOf(a.OnFailure)
			switch {
			case target < 0:
				diag.AddError(path+".on_failure", fmt.Errorf("%w: no action named %q", InvalidOnFailure, a.OnFailure))
			case target > i:
				diag.AddError(path+".on_failure", fmt.Errorf("%w: %q comes after %q", InvalidOnFailure, a.OnFailure, a.Name))
			case d.Actions[target].Stage != a.Stage:
				diag.AddError(path+".on_failure", fmt.Errorf("%w: %q is in another stage", InvalidOnFailure, a.OnFailure))
			}
		}
	}

	if len(d.StageIndices(StageFollowup)) > 0 && !d.GitHub.CreatePullRequest {
		diag.AddWarning("github.create_pull_request", UnreachableStage, "followup actions only run after a pull request is opened")
	}
	if !d.Git.Clone {
		for i, c := range d.Conditions {
			if c.FileExists != "" || c.FileNotExists != "" || c.FileContains != "" {
				diag.AddWarning(fmt.Sprintf("conditions[%d]", i), InvalidConfiguration, "local file checks need git.clone enabled")
			}
		}
	}
	if d.Git.CloneType != CloneTypeSSH && d.Git.CloneType != CloneTypeHTTP {
		diag.AddError("git.clone_type", fmt.Errorf("unknown clone type %q", d.Git.CloneType))
	}

	return diag
}

func validateCondition(diag *Diagnostics, path string, c Condition) {
	if !c.IsLocal() && !c.IsRemote() {
		diag.AddError(path, EmptyCondition)
	}
	if c.FileContains != "" && c.File == "" {
		diag.AddError(path+".file", MissingContainsFile)
	}
	if c.RemoteFileContains != "" && c.RemoteFile == "" {
		diag.AddError(path+".remote_file", MissingContainsFile)
	}
}

func (t ConditionType) valid() bool {
	return t == ConditionAll || t == ConditionAny
}
