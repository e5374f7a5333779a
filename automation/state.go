package automation

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/automations/resume"
)

func StateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "inspect preserved pipelines",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "print a preserved pipeline's state",
				ArgsUsage: "<state-dir>",
				Action:    ShowState,
			},
			{
				Name:      "discard",
				Usage:     "delete a preserved pipeline",
				ArgsUsage: "<state-dir>",
				Action:    DiscardState,
			},
		},
	}
}

func ShowState(ctx context.Context, cmd *cli.Command) error {
	m, err := resume.Dump(cmd.Args().First())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(m)
}

func DiscardState(ctx context.Context, cmd *cli.Command) error {
	l := logger(ctx, cmd)
	st, err := resume.Load(cmd.Args().First())
	if err != nil {
		return err
	}
	m := resume.NewManager("", "", l)
	if err := m.Discard(st); err != nil {
		return err
	}
	l.Info("discarded preserved pipeline", "project", st.ProjectSlug, "path", st.PreservedDirectoryPath)
	return nil
}
