package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary renders the result as a table followed by per-status totals.
func (r *Result) Summary() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Project", "Status", "Duration", "Details"})
	for _, p := range r.Projects {
		tw.AppendRow(table.Row{p.Project.Slug, p.Status, p.Duration.Round(100 * time.Millisecond), details(p)})
	}

	var totals []string
	for _, s := range statuses {
		if n := r.Count(s); n > 0 {
			totals = append(totals, fmt.Sprintf("%s %s", humanize.Comma(int64(n)), s))
		}
	}

	took := humanize.RelTime(r.Started, r.Started.Add(r.Duration), "", "")
	return fmt.Sprintf("%s (run %s, %s)\n%s\n%s\n", r.Workflow, r.RunID, strings.TrimSpace(took), tw.Render(), strings.Join(totals, ", "))
}

func details(p ProjectResult) string {
	switch {
	case p.StatePath != "":
		return fmt.Sprintf("%v (preserved in %s)", p.Err, p.StatePath)
	case p.Status == Failed:
		return fmt.Sprint(p.Err)
	case p.PullRequest != nil:
		return p.PullRequest.URL
	}
	return ""
}
