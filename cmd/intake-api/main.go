// Package main provides the intake API service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-intake/internal/config"
	"github.com/drfirst/go-intake/internal/infrastructure/postgres"
	"github.com/drfirst/go-intake/internal/infrastructure/redpanda"
)

const serviceName = "intake-api"

// version is overridden at build time with -ldflags
var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Batch patient intake and diagnosis reconciliation API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the intake event, outbox and inbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.OutboxEnabled() {
				return fmt.Errorf("DATABASE_URL is required to migrate")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the intake topics if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs() {
					fmt.Printf("%s (partitions=%d)\n", t.Name, t.Partitions)
				}
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Println(t)
				}
				return nil
			})
		},
	}

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag for the draft consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for t := range lag {
					topics = append(topics, t)
				}
				sort.Strings(topics)
				for _, t := range topics {
					var total int64
					for _, l := range lag[t] {
						total += l
					}
					fmt.Printf("%s\t%d\n", t, total)
				}
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", "intake-api", "Consumer group to inspect")

	cmd.AddCommand(ensureCmd, listCmd, lagCmd)
	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, admin)
}
