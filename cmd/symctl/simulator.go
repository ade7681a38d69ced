package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"symmirror/services/simulator"
)

func newSimulatorCommand(a *app) *cobra.Command {
	var (
		cacheDir string
		budget   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "extract-simulator",
		Short: "Publish symbols from locally installed CoreSimulator runtimes",
		Long: `Scans the local CoreSimulator dyld cache tree, derives a bundle id per
runtime cache and publishes debug symbols for every cache not yet in the
symbol tree. Simulator runtimes never enter the catalog document.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulator(cmd.Context(), a, cacheDir, budget, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "CoreSimulator dyld cache directory (default ~/Library/Developer/CoreSimulator/Caches/dyld)")
	cmd.Flags().DurationVar(&budget, "budget", 0, "Wall-clock budget; the pass stops between caches once spent")
	return cmd
}

func runSimulator(ctx context.Context, a *app, cacheDir string, budget time.Duration, out io.Writer) error {
	blob, _, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	extractor, err := a.newExtractor()
	if err != nil {
		return err
	}
	if extractor == nil {
		return errors.New("extractor command is not configured")
	}
	publisher, err := a.newPublisher(blob)
	if err != nil {
		return err
	}

	opts := simulator.Options{
		CacheDir: cacheDir,
		WorkDir:  a.cfg.WorkDir,
		Budget:   budget,
	}
	if opts.CacheDir == "" {
		opts.CacheDir = a.cfg.SimulatorCacheDir
	}

	report, err := simulator.Run(ctx, extractor, publisher, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "caches found=%d published=%d skipped=%d empty=%d failed=%d\n",
		report.Found, report.Published, report.Skipped, report.Empty, report.Failed)
	if report.Stopped {
		fmt.Fprintln(out, "stopped early: time budget exhausted")
	}
	return nil
}
