package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/store/sqlite"
)

var dbPathFlag string

func resolveDBPath() (string, error) {
	if dbPathFlag != "" {
		return config.ExpandHome(dbPathFlag), nil
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.DatabasePath(), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}

	cmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "database path (default: database.path from config)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())

	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			path, err := resolveDBPath()
			if err != nil {
				return err
			}
			v, err := sqlite.Migrate(path)
			if err != nil {
				return err
			}
			slog.Info("migration complete", "path", path, "version", v)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDBPath()
			if err != nil {
				return err
			}
			v, dirty, err := sqlite.Version(path)
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}
