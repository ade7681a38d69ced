package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"symmirror/pkg/render"
	"symmirror/services/mirror"
	"symmirror/services/reconcile"
	"symmirror/services/symbols"
)

func newMirrorCommand(a *app) *cobra.Command {
	var (
		budget  time.Duration
		workers int
	)

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Download queued artifacts into the mirror and publish their symbols",
		Long: `Processes the work queue recorded in the metadata document: downloads
each queued payload, verifies it against its declared digest, uploads it
into the mirror layout and, when an extractor is configured, publishes its
debug symbols. Run sync-metadata first to pick up new releases.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMirror(cmd.Context(), a, budget, workers, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&budget, "budget", 0, "Wall-clock budget for this run (default from settings, then 5h45m0s)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent item workers (default from settings, then 1)")
	return cmd
}

func runMirror(ctx context.Context, a *app, budget time.Duration, workers int, out io.Writer) error {
	blob, store, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	events, err := a.eventBus()
	if err != nil {
		return err
	}
	defer events.Close()

	extractor, err := a.newExtractor()
	if err != nil {
		return err
	}
	var publisher *symbols.Publisher
	if extractor != nil {
		if publisher, err = a.newPublisher(blob); err != nil {
			return err
		}
	}

	cfg := mirror.Config{
		Budget:          a.cfg.Budget,
		Workers:         a.cfg.Workers,
		AttemptCap:      a.cfg.AttemptCap,
		MaxPayloadSize:  a.cfg.MaxPayloadSize,
		ItemCostFloor:   a.cfg.ItemCostFloor,
		DownloadRetries: a.cfg.DownloadRetries,
		PublishRetries:  a.cfg.PublishRetries,
		BackoffBase:     a.cfg.BackoffBase,
		WorkDir:         a.cfg.WorkDir,
	}
	if budget > 0 {
		cfg.Budget = budget
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	pipe, err := mirror.New(mirror.Deps{
		Store:     store,
		Blob:      blob,
		Extractor: extractor,
		Publisher: publisher,
		Events:    events,
	}, cfg)
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		stop := startDebugListener(ctx, a.cfg.MetricsAddr, a.traceMW)
		defer stop()
	}

	snap, _, err := store.Load(ctx)
	if err != nil {
		return err
	}
	queue := reconcile.Queue(snap)

	report, err := pipe.Run(ctx, "", queue)
	if err != nil {
		return err
	}
	return printRunReport(out, report)
}

func printRunReport(out io.Writer, report *mirror.Report) error {
	eng, err := render.New()
	if err != nil {
		return err
	}
	text, err := eng.Render("report.tmpl", render.RunView{
		RunID:           report.RunID,
		Duration:        report.FinishedAt.Sub(report.StartedAt).Round(time.Second).String(),
		Queued:          report.Queued,
		Started:         report.Started,
		Mirrored:        report.Mirrored,
		Bundles:         report.Bundles,
		Skipped:         report.Skipped,
		NotApplicable:   report.NotApplicable,
		Failed:          report.Failed,
		Parked:          report.Parked,
		BytesDownloaded: report.BytesDownloaded,
		BytesUploaded:   report.BytesUploaded,
		BudgetExhausted: report.BudgetExhausted,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}
