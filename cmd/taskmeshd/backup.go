// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
}

func backupManager() (*backup.Manager, func(), error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	dir := viper.GetString("backup.dir")
	if dir == "" {
		dir = filepath.Join(filepath.Dir(viper.GetString("db")), "backups")
	}
	mgr, err := backup.NewManager(store.DB, store.Path, backup.Config{
		Dir:            dir,
		RetentionCount: viper.GetInt("backup.retention"),
		Compression:    viper.GetBool("backup.compression"),
	}, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return mgr, func() { store.Close() }, nil
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the database now",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := backupManager()
		if err != nil {
			return err
		}
		defer done()
		info, err := mgr.CreateBackup(cmd.Context(), "manual")
		if err != nil {
			return err
		}
		fmt.Printf("Backup written: %s (%d bytes)\n", info.Path, info.Size)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := backupManager()
		if err != nil {
			return err
		}
		defer done()
		backups, err := mgr.ListBackups(cmd.Context())
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  %-10s  %10d bytes  %s\n",
				b.CreatedAt.Format("2006-01-02 15:04:05"), b.Reason, b.Size, b.Path)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Restore the database from a backup",
	Long: `Restore the database from a backup file.

The daemon must not be running; the database file is replaced in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := backupManager()
		if err != nil {
			return err
		}
		// Close the handle before replacing the file underneath it.
		done()
		if err := mgr.RestoreBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Database restored.")
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := backupManager()
		if err != nil {
			return err
		}
		defer done()
		if args[0] == "" {
			return errors.New("backup path required")
		}
		if err := mgr.DeleteBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Backup deleted.")
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupDeleteCmd)
	rootCmd.AddCommand(backupCmd)
}
