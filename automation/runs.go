package automation

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/automations/db"
)

func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "show past batch runs from the run ledger",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list recent runs",
				Action: ListRuns,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "number of runs to show",
						Value: 20,
					},
				},
			},
			{
				Name:      "show",
				Usage:     "show the project outcomes of one run",
				ArgsUsage: "<run-id>",
				Action:    ShowRun,
			},
		},
	}
}

func openRunLedger(ctx context.Context, cmd *cli.Command) (*db.DB, error) {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return db.Make(cfg.Runner.DBPath)
}

func ListRuns(ctx context.Context, cmd *cli.Command) error {
	d, err := openRunLedger(ctx, cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	runs, err := d.ListRuns(int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Workflow", "Projects", "Started", "Finished"})
	for _, r := range runs {
		finished := "running"
		if !r.Finished.IsZero() {
			finished = humanize.Time(r.Finished)
		}
		tw.AppendRow(table.Row{r.ID, r.Workflow, r.Targets, humanize.Time(r.Started), finished})
	}
	tw.Render()
	return nil
}

func ShowRun(ctx context.Context, cmd *cli.Command) error {
	d, err := openRunLedger(ctx, cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	run, err := d.GetRun(cmd.Args().First())
	if err != nil {
		return err
	}
	results, err := d.ProjectResults(run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s, started %s\n", run.ID, run.Workflow, humanize.Time(run.Started))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "Status", "Duration", "Pull request", "Error"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.ProjectSlug, r.Status, r.Duration, r.PullRequest, r.Error})
	}
	tw.Render()
	return nil
}
