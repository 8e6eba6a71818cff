// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

// taskmeshd is the device sync daemon and its management CLI.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskmesh/taskmesh/syncdb"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskmeshd",
	Short: "Peer-to-peer task database synchronization",
	Long: `taskmeshd keeps task databases on multiple devices in sync.

One device runs the host (taskmeshd serve); other devices pair with it
using a one-time PIN shown on the host, then sync over a direct
connection. No cloud service is involved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		logger = buildLogger()
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.taskmesh/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("db", "", "path to the task database")
	rootCmd.PersistentFlags().String("device-name", "", "display name for this device")
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("device_name", rootCmd.PersistentFlags().Lookup("device-name"))
}

func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(filepath.Join(home, ".taskmesh"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("TASKMESH")
	viper.AutomaticEnv()

	viper.SetDefault("db", defaultDBPath())
	viper.SetDefault("device_name", hostname())
	viper.SetDefault("addr", ":8484")
	viper.SetDefault("backup.retention", 10)
	viper.SetDefault("backup.compression", true)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && (errors.As(err, &notFound) || os.IsNotExist(err)) {
			return nil // no config file is fine, defaults apply
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if logFile := viper.GetString("log.file"); logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskmesh.db"
	}
	return filepath.Join(home, ".taskmesh", "taskmesh.db")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "taskmesh-device"
	}
	return name
}

func openStore() (*syncdb.Store, error) {
	path := viper.GetString("db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return syncdb.Open(path, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
