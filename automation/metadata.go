package automation

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/automations/log"
	"tangled.sh/tangled.sh/automations/registry"
)

func MetadataCommand() *cli.Command {
	return &cli.Command{
		Name:  "metadata",
		Usage: "manage the cached registry metadata",
		Commands: []*cli.Command{
			{
				Name:   "refresh",
				Usage:  "fetch environments, project types and fact types from the registry",
				Action: RefreshMetadata,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "cache-dir",
						Usage: "directory for cached registry metadata",
					},
				},
			},
		},
	}
}

func RefreshMetadata(ctx context.Context, cmd *cli.Command) error {
	l := logger(ctx, cmd)
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	client := registry.NewClient(cfg.Imbi, log.SubLogger(l, "imbi"))
	cache := registry.NewMetadataCache(client, cfg.Runner.CacheDir, l)
	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing metadata: %w", err)
	}

	md := cache.Get(ctx)
	l.Info("metadata refreshed",
		"environments", len(md.Environments),
		"project_types", len(md.ProjectTypes),
		"fact_types", len(md.FactTypes),
	)
	return nil
}
