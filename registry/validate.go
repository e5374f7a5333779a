package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"tangled.sh/tangled.sh/automations/workflow"
)

var ErrInvalidFilter = errors.New("invalid workflow filter")

// ValidateFilter checks the filter's environments, fact names, fact values
// and project types against registry metadata before any project runs.
func ValidateFilter(f *workflow.Filter, md *Metadata) error {
	if f == nil {
		return nil
	}

	if err := checkSet("environment", f.ProjectEnvironments, md.EnvironmentNames()); err != nil {
		return err
	}

	names := make([]string, 0, len(f.ProjectFacts))
	for name := range f.ProjectFacts {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := checkSet("project fact type", names, md.FactTypeNames()); err != nil {
		return err
	}
	for _, name := range names {
		value := f.ProjectFacts[name]
		if md.ValidFactValue(name, value) {
			continue
		}
		if ft, ok := md.FactType(name); ok {
			return fmt.Errorf("%w: invalid value for fact type %s: %q (expected %s %s)",
				ErrInvalidFilter, name, fmt.Sprint(value), ft.DataType, ft.FactType)
		}
		return fmt.Errorf("%w: invalid value for fact type %s: %q", ErrInvalidFilter, name, fmt.Sprint(value))
	}

	return checkSet("project type", f.ProjectTypes, md.ProjectTypeSlugs())
}

// ValidateProjectType checks a project type slug given on the command line.
func ValidateProjectType(slug string, md *Metadata) error {
	if _, ok := md.ProjectTypeSlugs()[slug]; !ok {
		return fmt.Errorf("%w: invalid project type slug %q", ErrInvalidFilter, slug)
	}
	return nil
}

func checkSet(field string, values []string, known map[string]struct{}) error {
	var missing []string
	for _, v := range values {
		if _, ok := known[v]; !ok && !slices.Contains(missing, v) {
			missing = append(missing, v)
		}
	}
	switch len(missing) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%w: %s is not a valid %s", ErrInvalidFilter, missing[0], field)
	default:
		return fmt.Errorf("%w: %s are not valid %ss", ErrInvalidFilter, strings.Join(missing, ", "), field)
	}
}
