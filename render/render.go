// Package render expands Go templates in workflow parameters, prompts and
// template files.
package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

type Renderer struct {
	funcs template.FuncMap
}

func New() *Renderer {
	return &Renderer{funcs: sprig.TxtFuncMap()}
}

// Render expands text against data. Text without template actions is
// returned unchanged.
func (r *Renderer) Render(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("").Funcs(r.funcs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

func (r *Renderer) RenderFile(path string, data any) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return r.Render(string(contents), data)
}

// RenderParams walks params and renders every string value it finds.
func (r *Renderer) RenderParams(params map[string]any, data any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := r.renderValue(v, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func (r *Renderer) renderValue(v any, data any) (any, error) {
	switch v := v.(type) {
	case string:
		return r.Render(v, data)
	case map[string]any:
		return r.RenderParams(v, data)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			re, err := r.renderValue(e, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = re
		}
		return out, nil
	default:
		return v, nil
	}
}
