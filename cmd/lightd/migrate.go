package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkglat/lightd/internal/config"
	"github.com/pkglat/lightd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "open the bbolt store and ensure its buckets exist, then exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger()

	backing, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backing.Close()

	logger.Info("store buckets provisioned", "path", cfg.DBPath)
	return nil
}
