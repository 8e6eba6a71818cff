// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/merge"
	"github.com/taskmesh/taskmesh/syncclient"
	"github.com/taskmesh/taskmesh/syncwire"
)

var (
	syncPIN    string
	syncPrefer string
	syncYes    bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync this device against a host",
	Long: `Connect to a sync host and run one sync flow.

On first use, pair with --pin using the PIN shown on the host. Later
runs reuse the stored token. Conflicts are resolved by the --prefer
policy: local, remote, or latest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostURL := viper.GetString("host")
		if hostURL == "" {
			return errors.New("a host url is required (config key 'host', e.g. ws://desktop:8484/sync)")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := syncclient.NewClient(store, syncclient.Config{
			URL:         hostURL,
			DeviceName:  viper.GetString("device_name"),
			Fingerprint: viper.GetString("host_fingerprint"),
		}, logger)
		if err != nil {
			return err
		}

		resolver, err := resolverFor(syncPrefer)
		if err != nil {
			return err
		}
		client.SetResolver(resolver)
		if !syncYes {
			client.SetConfirmHandler(confirmPreview)
		}

		ctx := cmd.Context()
		if syncPIN != "" {
			err = client.Pair(ctx, syncPIN)
		} else {
			err = client.Connect(ctx)
			if errors.Is(err, syncclient.ErrNotPaired) {
				return errors.New("not paired with this host yet; rerun with --pin")
			}
		}
		if err != nil {
			return err
		}
		defer client.Disconnect()

		if err := client.Sync(ctx); err != nil {
			if errors.Is(err, syncclient.ErrSyncDeclined) {
				fmt.Println("Sync declined.")
				return nil
			}
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

func resolverFor(prefer string) (merge.PolicyFunc, error) {
	switch prefer {
	case "local":
		return merge.PreferLocal, nil
	case "remote":
		return merge.PreferRemote, nil
	case "latest":
		return merge.PreferLatest, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q (want local, remote, or latest)", prefer)
	}
}

func confirmPreview(summary syncwire.SyncSummary) bool {
	fmt.Printf("Will send %d and receive %d changes (%d conflicts). Continue? [y/N] ",
		summary.ToSend.Total(), summary.ToReceive.Total(), summary.Conflicts)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

func init() {
	syncCmd.Flags().StringVar(&syncPIN, "pin", "", "pairing PIN shown on the host (first sync only)")
	syncCmd.Flags().StringVar(&syncPrefer, "prefer", "latest", "conflict policy: local, remote, or latest")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "skip the preview confirmation")
	syncCmd.Flags().String("host", "", "host websocket url")
	viper.BindPFlag("host", syncCmd.Flags().Lookup("host"))

	rootCmd.AddCommand(syncCmd)
}
