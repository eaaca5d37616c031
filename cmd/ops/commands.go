package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/ops"
	"github.com/BlackStone8960/codequest-backend/internal/storage/sqlite"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive the data directory into a .tar.gz with a checksum manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		out, _ := cmd.Flags().GetString("out")

		now := time.Now().UTC()
		if strings.TrimSpace(out) == "" {
			out = filepath.Join("backups", "codequest-"+now.Format("20060102T150405Z")+".tar.gz")
		}
		man, err := ops.BackupDataDir(cmd.Context(), dataDir, out, now)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d files)\n", out, len(man.Files))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Extract a backup archive and verify it against its manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, _ := cmd.Flags().GetString("archive")
		target, _ := cmd.Flags().GetString("target-dir")

		man, err := ops.RestoreDataDir(archive, target)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if man.CreatedAt.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s into %s (no manifest, unverified)\n", archive, target)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %d files from %s taken %s\n",
			len(man.Files), archive, man.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var drillCmd = &cobra.Command{
	Use:   "drill",
	Short: "Back up, restore and check the data directory end to end",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		workDir, _ := cmd.Flags().GetString("work-dir")

		rep, err := ops.Drill(cmd.Context(), dataDir, workDir, time.Now())
		if err != nil {
			return fmt.Errorf("drill: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the SQLite database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("database")
		if strings.TrimSpace(path) == "" {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			path = cfg.DatabasePath
		}

		applied, err := sqlite.Migrate(cmd.Context(), path)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema up to date\n", path)
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %s\n", path, name)
		}
		return nil
	},
}
