// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the CLI front end: a cobra root command bound to
// cfg.Config via spf13/pflag + spf13/viper, mirroring the teacher's own
// cmd/root.go split between flag definitions (cfg.BindFlags) and the
// RunE that resolves, validates and then mounts.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/razorfs/razorfs/cfg"
	"github.com/razorfs/razorfs/internal/fs"
	"github.com/razorfs/razorfs/internal/logger"
)

var (
	cfgFile string
	bindErr error
)

// Execute runs the root command; main.go's sole job is calling this and
// setting the process exit code (spec.md §6.6).
func Execute() error {
	return rootCmd.Execute()
}

var rootCmd = &cobra.Command{
	Use:   "razorfs <mountpoint> [--flag=value]...",
	Short: "Mount RAZORFS, an in-memory 16-ary tree filesystem backed by a WAL",
	Long: `RAZORFS exposes a POSIX-like directory hierarchy through the host's
userspace-filesystem bridge. Metadata and small file payloads live in a
shared-memory-backed arena; a write-ahead log on durable storage makes the
mount survive a process crash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}

		mountConfig, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("resolving config: %w", err)
		}

		logger.InitLogFile(mountConfig.Logging.FilePath, mountConfig.Logging.Format, mountConfig.Logging.Severity, logger.RotateConfig{
			MaxFileSizeMB:   mountConfig.Logging.LogRotate.MaxFileSizeMb,
			BackupFileCount: mountConfig.Logging.LogRotate.BackupFileCount,
			Compress:        mountConfig.Logging.LogRotate.Compress,
		})

		mountpoint := args[0]
		logger.Infof("mounting razorfs at %s (region=%s, wal=%s)", mountpoint, mountConfig.Engine.RegionName, mountConfig.Engine.WalPath)

		mounted, err := fs.Mount(mountpoint, mountConfig)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}

		waitForUnmount(mounted)
		return nil
	},
}

// resolveConfig layers flags/env/config-file through viper the way the
// teacher's root.go does, then validates the result (cfg.Config.Validate).
func resolveConfig() (cfg.Config, error) {
	mountConfig := cfg.Config{
		Engine:     cfg.GetDefaultEngineConfig(),
		FileSystem: cfg.GetDefaultFileSystemConfig(),
		Logging:    cfg.GetDefaultLoggingConfig(),
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return mountConfig, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	tagName := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()), tagName); err != nil {
		return mountConfig, fmt.Errorf("unmarshalling config: %w", err)
	}

	if mountConfig.Engine.WalPath == "" {
		mountConfig.Engine.WalPath = defaultWalPath(mountConfig.Engine.RegionName)
	}

	if err := mountConfig.Validate(); err != nil {
		return mountConfig, err
	}
	return mountConfig, nil
}

func defaultWalPath(regionName string) string {
	if dir := os.Getenv("RAZORFS_RUNTIME_DIR"); dir != "" {
		return dir + "/" + regionName + ".wal"
	}
	return "/var/lib/razorfs/" + regionName + ".wal"
}

// waitForUnmount blocks until the bridge's mount loop exits, either because
// the host unmounted it (fusermount -u) or because this process caught an
// interrupt/term signal and is unmounting it itself (spec.md §6.6:
// "Unmount is signalled via the bridge's standard mechanism"). Once Join
// returns, the region and WAL are released so the shutdown is clean.
func waitForUnmount(m *fs.Mounted) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		if err := m.RequestUnmount(); err != nil {
			logger.Errorf("unmount on signal: %v", err)
		}
	}()

	if err := m.MFS.Join(context.Background()); err != nil {
		logger.Errorf("fuse server exited with error: %v", err)
	}
	m.Close()
}

func init() {
	flagSet := rootCmd.PersistentFlags()
	flagSet.StringVarP(&cfgFile, "config-file", "c", "", "Path to a YAML config file overlaying defaults and other flags.")
	bindErr = cfg.BindFlags(flagSet)
}
