// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds every mount-time setting, bindable from flags, a YAML config
// file, or CYANFS_-prefixed environment variables via viper.
type Config struct {
	MetadataPath   string `mapstructure:"metadata-path"`
	DataPath       string `mapstructure:"data-path"`
	BlockCacheSize int    `mapstructure:"block-cache-size"`
	InodeCacheSize int    `mapstructure:"inode-cache-size"`
	Uid            uint32 `mapstructure:"uid"`
	Gid            uint32 `mapstructure:"gid"`
	FileMode       uint32 `mapstructure:"file-mode"`
	DirMode        uint32 `mapstructure:"dir-mode"`
	Foreground     bool   `mapstructure:"foreground"`
	LogFormat      string `mapstructure:"log-format"`
	LogLevel       string `mapstructure:"log-level"`
	LogFile        string `mapstructure:"log-file"`
}

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   Config
)

var rootCmd = &cobra.Command{
	Use:   "cyanfs [flags] mount_point",
	Short: "Mount a userspace POSIX-like filesystem backed by a KV metadata store and a raw block device",
	Long: `cyanfs is a FUSE filesystem that keeps inode metadata in an embedded
key-value store and file contents as fixed-size blocks on a raw backing
file, exposed to the kernel through a FUSE mount point.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := validateConfig(); err != nil {
			return err
		}

		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}
		return mountAndJoin(mountPoint, &MountConfig)
	},
}

func validateConfig() error {
	if MountConfig.MetadataPath == "" {
		return fmt.Errorf("metadata-path is required")
	}
	if MountConfig.DataPath == "" {
		return fmt.Errorf("data-path is required")
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	flags.String("metadata-path", "", "Path to the bbolt metadata store")
	flags.String("data-path", "", "Path to the raw block device or backing file")
	flags.Int("block-cache-size", 1024, "Number of blocks kept in the write-back block cache")
	flags.Int("inode-cache-size", 4096, "Number of inodes kept in the write-back inode cache")
	flags.Uint32("uid", 0, "Owner uid for the root inode")
	flags.Uint32("gid", 0, "Owner gid for the root inode")
	flags.Uint32("file-mode", 0o644, "File permission bits stored in the server config (not applied: new files take the mode of the create request)")
	flags.Uint32("dir-mode", 0o755, "Directory permission bits stored in the server config (not applied: new directories take the mode of the mkdir request)")
	flags.Bool("foreground", false, "Accepted but has no effect: the process always runs in the foreground")
	flags.String("log-format", "text", "Log output format: text or json")
	flags.String("log-level", "INFO", "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	flags.String("log-file", "", "Path to a log file; empty logs to stderr")

	bindErr = viper.BindPFlags(flags)
	viper.SetEnvPrefix("CYANFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig)
		return
	}

	path, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig)
}
