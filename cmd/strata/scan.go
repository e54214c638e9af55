// Copyright (c) the strata authors
// Licensed under the MIT license

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/engine"
)

var (
	scanOut      string
	scanConfig   string
	scanWorkers  int
	scanCacheDir string
	scanOnError  string
	scanEnable   []string
	scanDisable  []string
)

var scanCmd = &cobra.Command{
	Use:   "scan INPUT",
	Short: "Scan a file or directory into a result tree",
	Long: `Scan analyzes INPUT recursively: formats are recognized, their
children unpacked and queued in turn, and unclaimed ranges carved into
siblings, until every byte sits in some node of the result tree.

INPUT may be a directory; every regular file under it becomes a
top-level child of the scan root. Interrupting a scan lets in-flight
analyses finish their node writes, so the partial tree stays readable.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(scanConfig)
		if err != nil {
			fail(err)
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers = scanWorkers
		}
		if cmd.Flags().Changed("cache-dir") {
			cfg.CacheDir = scanCacheDir
		}
		if cmd.Flags().Changed("on-error") {
			cfg.OnError = scanOnError
		}
		cfg.Formats.Enable = append(cfg.Formats.Enable, scanEnable...)
		cfg.Formats.Disable = append(cfg.Formats.Disable, scanDisable...)

		stats, err := engine.Run(ctx, engine.Options{Input: args[0], OutDir: scanOut, Config: cfg})
		if err != nil {
			fail(err)
		}
		fmt.Printf("%d nodes in %s\n", stats.Nodes, stats.Elapsed.Round(time.Millisecond))
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOut, "out", "o", "", "result tree directory (required)")
	scanCmd.MarkFlagRequired("out")
	scanCmd.Flags().StringVar(&scanConfig, "config", "", "YAML config file")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 0, "worker pool size (default: number of CPUs)")
	scanCmd.Flags().StringVar(&scanCacheDir, "cache-dir", "", "persistent format-hint cache directory")
	scanCmd.Flags().StringVar(&scanOnError, "on-error", "", "fatal fault policy: subtree or abort")
	scanCmd.Flags().StringSliceVar(&scanEnable, "enable", nil, "format name patterns to enable")
	scanCmd.Flags().StringSliceVar(&scanDisable, "disable", nil, "format name patterns to disable")
	rootCmd.AddCommand(scanCmd)
}
