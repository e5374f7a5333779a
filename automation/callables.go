package automation

import (
	"context"
	"fmt"
	"os"
	"strings"

	"tangled.sh/tangled.sh/automations/actions"
	"tangled.sh/tangled.sh/automations/executors/callable"
	"tangled.sh/tangled.sh/automations/registry"
)

func registerCallables(e *callable.Executor) {
	e.Register("read_file", readFile)
	e.Register("project_fact", projectFact)
}

// readFile loads a file from the working directory into the "content"
// variable.
func readFile(ctx context.Context, req actions.Request, args map[string]any) (map[string]any, error) {
	p, _ := args["path"].(string)
	if p == "" {
		return nil, fmt.Errorf("%w: path", actions.ErrMissingParam)
	}
	path, err := actions.Resolve(req.Context, p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(b)
	if trim, _ := args["trim"].(bool); trim {
		content = strings.TrimSpace(content)
	}
	return map[string]any{"content": content}, nil
}

// projectFact looks up a project fact by name or slug.
func projectFact(ctx context.Context, req actions.Request, args map[string]any) (map[string]any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: name", actions.ErrMissingParam)
	}
	facts := req.Context.Project.Facts
	v, ok := facts[name]
	if !ok {
		v, ok = facts[registry.FactSlug(name)]
	}
	if !ok {
		v = args["default"]
	}
	return map[string]any{"value": v}, nil
}
