// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/backup"
	"github.com/taskmesh/taskmesh/synchost"
)

var pairOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync host",
	Long: `Run the sync host and accept connections from paired devices.

With --pair, a one-time pairing PIN is printed at startup; enter it on
the connecting device within five minutes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("secret")
		if secret == "" {
			return errors.New("a token signing secret is required (config key 'secret' or TASKMESH_SECRET)")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		server, err := synchost.NewServer(store, synchost.Config{
			Addr:                 viper.GetString("addr"),
			DeviceName:           viper.GetString("device_name"),
			Secret:               secret,
			AbortOnBackupFailure: viper.GetBool("backup.abort_sync_on_failure"),
		}, logger)
		if err != nil {
			return err
		}

		if dir := viper.GetString("backup.dir"); dir != "" {
			mgr, err := backup.NewManager(store.DB, store.Path, backup.Config{
				Dir:            dir,
				RetentionCount: viper.GetInt("backup.retention"),
				Compression:    viper.GetBool("backup.compression"),
			}, logger)
			if err != nil {
				return err
			}
			server.SetBackupCoordinator(mgr)
		}

		if pairOnStart {
			pin, expiresAt, err := server.Authority().GeneratePIN(5 * time.Minute)
			if err != nil {
				return err
			}
			fmt.Printf("Pairing PIN: %s (valid until %s)\n", pin, expiresAt.Format(time.Kitchen))
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.ListenAndServe(ctx)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		authority, err := synchost.NewAuthority(store, "listing-only", logger)
		if err != nil {
			return err
		}
		devices, err := authority.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No paired devices.")
			return nil
		}
		for _, d := range devices {
			status := "paired"
			if d.Revoked {
				status = "revoked"
			}
			lastSeen := "never"
			if d.LastSeen > 0 {
				lastSeen = time.UnixMilli(d.LastSeen).Format(time.RFC3339)
			}
			fmt.Printf("%s  %-20s  %s  last seen %s\n", d.DeviceID, d.DeviceName, status, lastSeen)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove acknowledged entries from the change log",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := store.ClearSyncedChanges(cmd.Context())
		if err != nil {
			return err
		}
		remaining, err := store.UnsyncedCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d synced entries; %d still awaiting sync.\n", removed, remaining)
		return nil
	},
}

var unpairAll bool

var unpairCmd = &cobra.Command{
	Use:   "unpair [device-id]",
	Short: "Revoke a paired device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !unpairAll && len(args) == 0 {
			return errors.New("a device id (or --all) is required")
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		authority, err := synchost.NewAuthority(store, "revocation-only", logger)
		if err != nil {
			return err
		}
		if unpairAll {
			if err := authority.UnpairAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All devices unpaired.")
			return nil
		}
		if err := authority.UnpairDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Device %s unpaired.\n", args[0])
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&pairOnStart, "pair", false, "print a pairing PIN at startup")
	serveCmd.Flags().String("addr", "", "listen address")
	viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))

	unpairCmd.Flags().BoolVar(&unpairAll, "all", false, "revoke every paired device")

	rootCmd.AddCommand(serveCmd, devicesCmd, unpairCmd, pruneCmd)
}
