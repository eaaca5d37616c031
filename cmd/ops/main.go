package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "codequest-ops",
	Short:         "Maintenance commands for a codequest data directory",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("codequest-ops: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd, drillCmd, migrateCmd)

	backupCmd.Flags().String("data-dir", "data", "path to data directory")
	backupCmd.Flags().String("out", "", "output archive path (.tar.gz); defaults to backups/codequest-<timestamp>.tar.gz")

	restoreCmd.Flags().String("archive", "", "input backup archive (.tar.gz)")
	restoreCmd.Flags().String("target-dir", "data-restored", "restore target directory")
	_ = restoreCmd.MarkFlagRequired("archive")

	drillCmd.Flags().String("data-dir", "data", "path to data directory")
	drillCmd.Flags().String("work-dir", os.TempDir(), "temporary workspace for drill artifacts")

	migrateCmd.Flags().String("database", "", "SQLite database path; defaults to CODEQUEST_DATABASE_PATH")
}
