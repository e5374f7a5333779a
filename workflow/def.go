package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// - a workflow is a directory holding a workflow.yaml and any files its
//   actions reference (templates, prompts)
// - the actions of a workflow run against every project that passes the
//   filter and conditions, one clone per project
// - primary actions run once in order; followup actions run after a pull
//   request is opened and repeat while they keep producing commits

type (
	Definition struct {
		Name              string        `yaml:"name"`
		Description       string        `yaml:"description"`
		Filter            *Filter       `yaml:"filter"`
		Git               GitOpts       `yaml:"git"`
		GitHub            GitHubOpts    `yaml:"github"`
		ConditionType     ConditionType `yaml:"condition_type"`
		Conditions        []Condition   `yaml:"conditions"`
		Actions           []Action      `yaml:"actions"`
		MaxCycles         int           `yaml:"max_cycles"`
		MaxFollowupCycles int           `yaml:"max_followup_cycles"`

		Path string `yaml:"-"` // directory the definition was loaded from
		Raw  []byte `yaml:"-"`
	}

	Filter struct {
		ProjectIDs                  []int                  `yaml:"project_ids"`
		ProjectTypes                StringList             `yaml:"project_types"`
		ProjectFacts                map[string]any         `yaml:"project_facts"`
		ProjectEnvironments         StringList             `yaml:"project_environments"`
		RequiresGitHubIdentifier    bool                   `yaml:"requires_github_identifier"`
		ExcludeGitHubWorkflowStatus StringList             `yaml:"exclude_github_workflow_status"`
		Project                     map[string]FieldFilter `yaml:"project"`
	}

	// FieldFilter matches one project field. Exactly one operator is
	// expected to be set; the first set one in declaration order wins.
	FieldFilter struct {
		IsNull    *bool   `yaml:"is_null"`
		IsNotNull *bool   `yaml:"is_not_null"`
		IsEmpty   *bool   `yaml:"is_empty"`
		Equals    *string `yaml:"equals"`
		NotEquals *string `yaml:"not_equals"`
		Contains  *string `yaml:"contains"`
		Regex     *string `yaml:"regex"`
	}

	GitOpts struct {
		Clone          bool   `yaml:"clone"`
		Depth          int    `yaml:"depth"`
		StartingBranch string `yaml:"starting_branch"`
		CloneType      string `yaml:"clone_type"`
		CommitAuthor   string `yaml:"commit_author"`
	}

	GitHubOpts struct {
		CreatePullRequest bool `yaml:"create_pull_request"`
		ReplaceBranch     bool `yaml:"replace_branch"`
	}

	StringList []string
)

const (
	DefaultMaxCycles         = 3
	DefaultMaxFollowupCycles = 5

	CloneTypeSSH  = "ssh"
	CloneTypeHTTP = "http"
)

var definitionFiles = []string{"workflow.yaml", "workflow.yml"}

var ErrNoDefinition = errors.New("no workflow.yaml found")

func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	type plain Definition
	p := plain{
		ConditionType:     ConditionAll,
		MaxCycles:         DefaultMaxCycles,
		MaxFollowupCycles: DefaultMaxFollowupCycles,
		Git: GitOpts{
			Clone:     true,
			Depth:     1,
			CloneType: CloneTypeSSH,
		},
		GitHub: GitHubOpts{
			CreatePullRequest: true,
		},
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = Definition(p)
	return nil
}

// FromFile parses a definition. path is the directory the workflow lives in.
func FromFile(path string, contents []byte) (*Definition, error) {
	var d Definition

	err := yaml.Unmarshal(contents, &d)
	if err != nil {
		return nil, err
	}

	d.Path = path
	d.Raw = contents

	return &d, nil
}

// Load reads the definition stored in dir.
func Load(dir string) (*Definition, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	for _, name := range definitionFiles {
		contents, err := os.ReadFile(filepath.Join(abs, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		d, err := FromFile(abs, contents)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		return d, nil
	}

	return nil, fmt.Errorf("%s: %w", abs, ErrNoDefinition)
}

// Slug is the directory name of the workflow.
func (d *Definition) Slug() string {
	if d.Path == "" {
		return slugify(d.Name)
	}
	return filepath.Base(d.Path)
}

// Hash fingerprints the raw definition so a resumed run can tell whether
// the workflow changed since the state was captured.
func (d *Definition) Hash() string {
	sum := sha256.Sum256(d.Raw)
	return hex.EncodeToString(sum[:])
}

// IndexOf returns the position of the named action, or -1.
func (d *Definition) IndexOf(name string) int {
	return slices.IndexFunc(d.Actions, func(a Action) bool {
		return a.Name == name
	})
}

// StageIndices lists the positions of the actions in stage, in declared order.
func (d *Definition) StageIndices(stage Stage) []int {
	var out []int
	for i, a := range d.Actions {
		if a.Stage == stage {
			out = append(out, i)
		}
	}
	return out
}

// CyclesFor resolves the cycle budget of an AI action.
func (d *Definition) CyclesFor(a Action) int {
	if a.MaxCycles > 0 {
		return a.MaxCycles
	}
	if d.MaxCycles > 0 {
		return d.MaxCycles
	}
	return DefaultMaxCycles
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
