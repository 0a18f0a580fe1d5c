package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"channel_relay/migrations"
)

var descriptions = map[string]string{
	"up":      "Migrate to the latest version",
	"up-one":  "Migrate one version up",
	"down":    "Roll back one version",
	"status":  "Show migration status",
	"version": "Show current version",
	"reset":   "Roll back all migrations",
}

var dbPath string

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the relay database schema",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/relay.db"), "path to sqlite database")
	for _, name := range migrations.Commands {
		rootCmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: descriptions[name],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(name)
			},
		})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrate(command string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	return migrations.Exec(db, command)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
