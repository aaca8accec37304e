package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/optstream/gateway/internal/config"
	"github.com/optstream/gateway/internal/persistence"
)

func migrateCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			store, err := persistence.NewManager(persistence.Config{
				DSN:             cfg.Store.DSN,
				MaxOpenConns:    cfg.Store.MaxOpenConns,
				MaxIdleConns:    cfg.Store.MaxIdleConns,
				ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
				QueryTimeout:    cfg.Store.QueryTimeout,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return err
			}
			log.Info().Msg("Store schema applied")
			return nil
		},
	}
}
