package registry

import (
	"strconv"
	"strings"

	"tangled.sh/tangled.sh/automations/models"
)

// ForRepository finds the project a code host repository belongs to, by
// identifier first and then by the link named link.
func ForRepository(projects []models.Project, repo *models.Repository, identifier, link string) (models.Project, bool) {
	id := strconv.FormatInt(repo.ID, 10)
	for _, p := range projects {
		if v := p.Identifier(identifier); v != "" && (v == id || strings.EqualFold(v, repo.FullName)) {
			return p, true
		}
	}

	want := canonicalURL(repo.HTMLURL)
	if want == "" || link == "" {
		return models.Project{}, false
	}
	for _, p := range projects {
		if canonicalURL(p.Links[link]) == want {
			return p, true
		}
	}
	return models.Project{}, false
}

func canonicalURL(u string) string {
	u = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(u), "/"), ".git")
	return strings.ToLower(u)
}
