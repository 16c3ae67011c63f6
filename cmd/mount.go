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
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/NickCao/cyanfs/internal/block"
	"github.com/NickCao/cyanfs/internal/fs"
	"github.com/NickCao/cyanfs/internal/kv"
	"github.com/NickCao/cyanfs/internal/logger"
	"github.com/jacobsa/fuse"
	"gopkg.in/natefinch/lumberjack.v2"
)

// mountAndJoin opens the metadata store and backing device named in cfg,
// builds the dispatcher, mounts it at mountPoint, and blocks until the
// kernel or a SIGINT unmounts it.
func mountAndJoin(mountPoint string, cfg *Config) (err error) {
	configureLogging(cfg)

	store, err := kv.Open(cfg.MetadataPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	dev, err := block.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("opening backing device: %w", err)
	}
	defer dev.Close()

	logger.Infof("building dispatcher over %q / %q", cfg.MetadataPath, cfg.DataPath)
	server, err := fs.NewServer(fs.Config{
		KV:             store,
		Dev:            dev,
		BlockCacheSize: cfg.BlockCacheSize,
		InodeCacheSize: cfg.InodeCacheSize,
		Uid:            cfg.Uid,
		Gid:            cfg.Gid,
		FilePerm:       uint16(cfg.FileMode),
		DirPerm:        uint16(cfg.DirMode),
	})
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "cyanfs",
		Subtype:    "cyanfs",
		VolumeName: "cyanfs",
		// Allows the kernel to issue LookUpInode and ReadDir concurrently;
		// the dispatcher's single coarse lock still serializes each op.
		EnableParallelDirOps: true,
	}

	logger.Infof("mounting %q...", mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSIGINTHandler(mountPoint)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	return nil
}

// registerSIGINTHandler lets the user unmount with Ctrl-C instead of having
// to find and run fusermount -u themselves.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, attempting to unmount...")

			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("successfully unmounted in response to SIGINT")
				return
			}
		}
	}()
}

// configureLogging points the package logger at cfg's format/level/file
// settings, wrapping a rotating file sink in an AsyncLogger when one is
// configured.
func configureLogging(cfg *Config) {
	if cfg.LogFile == "" {
		logger.Init(os.Stderr, cfg.LogFormat, cfg.LogLevel)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    512, // megabytes
		MaxBackups: 3,
		Compress: true,
	}
	logger.Init(logger.NewAsyncLogger(rotator, 4096), cfg.LogFormat, cfg.LogLevel)
}
