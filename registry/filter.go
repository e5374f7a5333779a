package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"tangled.sh/tangled.sh/automations/models"
	"tangled.sh/tangled.sh/automations/workflow"
)

// Match applies the static part of a workflow filter to a project. The
// workflow status exclusion needs the code host and is applied by the
// caller. A nil filter matches everything.
func Match(f *workflow.Filter, p models.Project, githubIdentifier string, l *slog.Logger) bool {
	if f == nil {
		return true
	}

	if f.RequiresGitHubIdentifier && p.Identifier(githubIdentifier) == "" {
		l.Debug("project has no github identifier", "project", p.Slug)
		return false
	}
	if len(f.ProjectIDs) > 0 && !slices.Contains(f.ProjectIDs, p.ID) {
		return false
	}
	if len(f.ProjectEnvironments) > 0 && !matchEnvironments(f.ProjectEnvironments, p.Environments) {
		return false
	}
	if len(f.ProjectFacts) > 0 && !matchFacts(f.ProjectFacts, p.Facts, l) {
		return false
	}
	if len(f.ProjectTypes) > 0 && !slices.Contains(f.ProjectTypes, p.ProjectTypeSlug) {
		return false
	}
	for field, ff := range f.Project {
		if !matchField(field, ff, p, l) {
			return false
		}
	}
	return true
}

// every filter environment must be present, by name or slug
func matchEnvironments(want []string, have []models.Environment) bool {
	for _, w := range want {
		found := slices.ContainsFunc(have, func(e models.Environment) bool {
			return e.Name == w || e.Slug == w
		})
		if !found {
			return false
		}
	}
	return true
}

// FactSlug is how the registry keys facts on a project record.
func FactSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func matchFacts(want map[string]any, have map[string]any, l *slog.Logger) bool {
	for name, value := range want {
		got, ok := have[FactSlug(name)]
		if !ok || fmt.Sprint(got) != fmt.Sprint(value) {
			l.Debug("project fact mismatch", "fact", name, "want", value, "got", got)
			return false
		}
	}
	return true
}

// projectField looks a field up by its json name.
func projectField(p models.Project, name string) (any, bool) {
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag != name {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Map, reflect.Slice:
			if fv.IsNil() {
				return nil, true
			}
		case reflect.String:
			if fv.String() == "" {
				return nil, true
			}
		}
		return fv.Interface(), true
	}
	return nil, false
}

func matchField(field string, ff workflow.FieldFilter, p models.Project, l *slog.Logger) bool {
	value, ok := projectField(p, field)
	if !ok {
		l.Warn("project field does not exist, skipping project", "field", field)
		return false
	}
	s, isString := value.(string)

	switch {
	case ff.IsNull != nil:
		return (value == nil) == *ff.IsNull
	case ff.IsNotNull != nil:
		return (value != nil) == *ff.IsNotNull
	case ff.IsEmpty != nil:
		empty := value == nil || (isString && strings.TrimSpace(s) == "")
		return empty == *ff.IsEmpty
	case ff.Equals != nil:
		return value != nil && fmt.Sprint(value) == *ff.Equals
	case ff.NotEquals != nil:
		return value == nil || fmt.Sprint(value) != *ff.NotEquals
	case ff.Contains != nil:
		return isString && strings.Contains(s, *ff.Contains)
	case ff.Regex != nil:
		if !isString {
			return false
		}
		re, err := regexp.Compile(*ff.Regex)
		if err != nil {
			l.Error("invalid regex in project filter", "field", field, "regex", *ff.Regex, "error", err)
			return false
		}
		return re.MatchString(s)
	}
	return true
}
