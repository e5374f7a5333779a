package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"tangled.sh/tangled.sh/automations/workflow"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

type Environment struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Project is a project record from the registry.
type Project struct {
	ID              int               `json:"id"`
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	Description     string            `json:"description"`
	Namespace       string            `json:"namespace"`
	NamespaceSlug   string            `json:"namespace_slug"`
	ProjectType     string            `json:"project_type"`
	ProjectTypeSlug string            `json:"project_type_slug"`
	Environments    []Environment     `json:"environments"`
	Facts           map[string]any    `json:"facts"`
	Identifiers     map[string]any    `json:"identifiers"`
	Links           map[string]string `json:"links"`
	URLs            map[string]string `json:"urls"`
	ImbiURL         string            `json:"imbi_url"`
}

func (p Project) String() string {
	return fmt.Sprintf("%s/%s (%d)", p.NamespaceSlug, p.Slug, p.ID)
}

// Identifier returns the project's identifier for an external system as a
// string, or "" when the project has none.
func (p Project) Identifier(name string) string {
	v, ok := p.Identifiers[name]
	if !ok || v == nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Repository is a repository on the code host.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	SSHURL        string `json:"ssh_url"`
	HTMLURL       string `json:"html_url"`
	Archived      bool   `json:"archived"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Branch string `json:"-"`
}

// Context is the mutable state of one project pipeline. It is owned by a
// single goroutine for its whole lifetime.
type Context struct {
	Workflow             *workflow.Definition
	Project              Project
	Repository           *Repository
	WorkingDir           string
	StartingCommit       string
	HasRepositoryChanges bool
	Variables            map[string]any
	PullRequest          *PullRequest
}

const (
	RepositoryDir = "repository"
	WorkflowLink  = "workflow"
	ExtractedDir  = "extracted"
)

func (c *Context) RepositoryDir() string {
	return filepath.Join(c.WorkingDir, RepositoryDir)
}

func (c *Context) WorkflowDir() string {
	return filepath.Join(c.WorkingDir, WorkflowLink)
}

func (c *Context) ExtractedDir() string {
	return filepath.Join(c.WorkingDir, ExtractedDir)
}

// SetVariable records a value for later template rendering.
func (c *Context) SetVariable(key string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[key] = value
}

// TemplateData is the data every template and `when` expression renders
// against.
func (c *Context) TemplateData() map[string]any {
	data := map[string]any{
		"project":           c.Project,
		"repository":        c.Repository,
		"working_directory": c.WorkingDir,
		"starting_commit":   c.StartingCommit,
		"variables":         c.Variables,
		"pull_request":      c.PullRequest,
		"has_changes":       c.HasRepositoryChanges,
	}
	if c.Workflow != nil {
		data["workflow"] = map[string]any{
			"name": c.Workflow.Name,
			"slug": c.Workflow.Slug(),
			"path": c.Workflow.Path,
		}
	}
	return data
}

// Normalize turns a name into something safe to use in a path.
func Normalize(name string) string {
	return strings.Trim(re.ReplaceAllString(name, "-"), "-")
}
