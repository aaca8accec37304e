package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the gateway CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Market data streaming and order execution gateway",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serveCmd(ctx))
	root.AddCommand(migrateCmd(ctx))
	return root.ExecuteContext(ctx)
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
