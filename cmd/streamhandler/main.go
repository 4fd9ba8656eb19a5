// Command streamhandler is the Lambda entry point that syncs committed
// link, installation and region changes to the asset graph.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/fieldops/app"
	"github.com/jacentio/fieldops/config"
)

func main() {
	path := os.Getenv("FIELDOPS_CONFIG")
	if path == "" {
		path = "/var/task/fieldops.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load configuration", "path", path, "error", err)
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to build service context", "error", err)
		os.Exit(1)
	}
	if a.Syncer == nil {
		a.Logger.Warn("asset sync is not configured; stream records will be acknowledged without syncing")
	}

	lambda.Start(a.Stream.HandleSyncEvents)
}
