package main

import (
	"context"
	"os"

	"tangled.sh/tangled.sh/automations/automation"
	"tangled.sh/tangled.sh/automations/log"
)

func main() {
	cmd := automation.Command()

	ctx := context.Background()
	logger := log.New("automations")
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
