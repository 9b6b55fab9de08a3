// Copyright 2024 Google LLC
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

// Package cfg is RAZORFS's typed configuration surface: a YAML-tagged
// Config struct populated from flags (spf13/pflag), environment and an
// optional config file (spf13/viper), the way the teacher's generated
// cfg/config.go binds its own Config via BindFlags.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of options a mount needs. Nested by
// concern, matching the teacher's own DebugConfig/FileSystemConfig split.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	FileSystem FileSystemConfig `yaml:"file-system"`
	Logging    LoggingConfig    `yaml:"logging"`
	Debug      DebugConfig      `yaml:"debug"`
}

// EngineConfig sizes C1-C7: the string table, the node arena, the WAL and
// the block compressor (spec.md §6.5).
type EngineConfig struct {
	NodeCapacity         int    `yaml:"node-capacity"`
	StringCapacity       int    `yaml:"string-capacity"`
	CompressionThreshold int    `yaml:"compression-threshold"`
	RegionName           string `yaml:"region-name"`
	WalPath              string `yaml:"wal-path"`
	RebalanceInterval    uint64 `yaml:"rebalance-interval"`
}

// FileSystemConfig covers the POSIX-facing knobs every inode shares: a
// single uid/gid and default permission bits, mirroring the teacher's
// FileSystemConfig (FileMode/Uid) generalized to RAZORFS's single-owner
// model (spec.md has no per-file ownership).
type FileSystemConfig struct {
	FilePerm Octal `yaml:"file-perm"`
	DirPerm  Octal `yaml:"dir-perm"`
	Uid      int   `yaml:"uid"`
	Gid      int   `yaml:"gid"`
}

// LoggingConfig configures internal/logger (SPEC_FULL.md A.2).
type LoggingConfig struct {
	Format    string          `yaml:"format"`
	Severity  string          `yaml:"severity"`
	FilePath  string          `yaml:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

// LogRotateConfig mirrors the teacher's LogRotateLoggingConfig, the knobs
// internal/logger.RotateConfig forwards straight to lumberjack.
type LogRotateConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// DebugConfig carries the teacher's always-on debug knobs: whether to
// abort on a detected invariant violation (spec.md §8.1) rather than limp
// on with corrupted metadata, and whether to trace acquisition and release
// of the tree's rebalance lock.
type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
	LogMutex                 bool `yaml:"log-mutex"`
}

// BindFlags registers every Config field as a pflag and binds it into
// viper under the matching dotted key, the way the teacher's generated
// BindFlags does for its own (much larger) Config.
func BindFlags(flagSet *pflag.FlagSet) error {
	eng := GetDefaultEngineConfig()
	fsys := GetDefaultFileSystemConfig()
	logging := GetDefaultLoggingConfig()

	flagSet.IntP("node-capacity", "", eng.NodeCapacity, "Maximum number of live nodes the tree can hold.")
	flagSet.IntP("string-capacity", "", eng.StringCapacity, "Byte size of the interned-name string table.")
	flagSet.IntP("compression-threshold", "", eng.CompressionThreshold, "Minimum payload size, in bytes, before a block is compressed.")
	flagSet.StringP("region-name", "", eng.RegionName, "Base name of the shared-memory backing region file.")
	flagSet.StringP("wal-path", "", "", "Path to the write-ahead log file. Defaults to <region-name>.wal under $RAZORFS_RUNTIME_DIR, or under /var/lib/razorfs when that is unset.")
	flagSet.Uint64P("rebalance-interval", "", eng.RebalanceInterval, "Mutations between automatic tree rebalances; 0 disables automatic rebalancing.")

	flagSet.StringP("file-perm", "", fsys.FilePerm.String(), "Default permission bits for new files, in octal.")
	flagSet.StringP("dir-perm", "", fsys.DirPerm.String(), "Default permission bits for new directories, in octal.")
	flagSet.IntP("uid", "", fsys.Uid, "UID reported as the owner of every inode. -1 uses the mounting process's uid.")
	flagSet.IntP("gid", "", fsys.Gid, "GID reported as the owner of every inode. -1 uses the mounting process's gid.")

	flagSet.StringP("log-format", "", logging.Format, "Log output format: text or json.")
	flagSet.StringP("log-severity", "", logging.Severity, "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	flagSet.StringP("log-file", "", logging.FilePath, "Path to a rotated log file. Empty logs to stderr.")
	flagSet.IntP("log-max-size-mb", "", logging.LogRotate.MaxFileSizeMb, "Log file size, in MB, that triggers rotation.")
	flagSet.IntP("log-backup-count", "", logging.LogRotate.BackupFileCount, "Number of rotated log files to retain.")
	flagSet.BoolP("log-compress", "", logging.LogRotate.Compress, "Gzip rotated log files.")

	flagSet.BoolP("debug_invariants", "", false, "Check the tree invariants after every rebalance and panic on a violation. When off, no invariant check runs.")
	flagSet.BoolP("debug_mutex", "", false, "Log acquisition and release of the tree's rebalance lock at TRACE severity.")

	binds := []func() error{
		func() error { return viper.BindPFlag("engine.node-capacity", flagSet.Lookup("node-capacity")) },
		func() error { return viper.BindPFlag("engine.string-capacity", flagSet.Lookup("string-capacity")) },
		func() error {
			return viper.BindPFlag("engine.compression-threshold", flagSet.Lookup("compression-threshold"))
		},
		func() error { return viper.BindPFlag("engine.region-name", flagSet.Lookup("region-name")) },
		func() error { return viper.BindPFlag("engine.wal-path", flagSet.Lookup("wal-path")) },
		func() error {
			return viper.BindPFlag("engine.rebalance-interval", flagSet.Lookup("rebalance-interval"))
		},
		func() error { return viper.BindPFlag("file-system.file-perm", flagSet.Lookup("file-perm")) },
		func() error { return viper.BindPFlag("file-system.dir-perm", flagSet.Lookup("dir-perm")) },
		func() error { return viper.BindPFlag("file-system.uid", flagSet.Lookup("uid")) },
		func() error { return viper.BindPFlag("file-system.gid", flagSet.Lookup("gid")) },
		func() error { return viper.BindPFlag("logging.format", flagSet.Lookup("log-format")) },
		func() error { return viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")) },
		func() error { return viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")) },
		func() error {
			return viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-max-size-mb"))
		},
		func() error {
			return viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-backup-count"))
		},
		func() error { return viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-compress")) },
		func() error {
			return viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
		},
		func() error { return viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex")) },
	}

	for _, bind := range binds {
		if err := bind(); err != nil {
			return err
		}
	}
	return nil
}
