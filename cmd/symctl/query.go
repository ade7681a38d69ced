package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/render"
	"symmirror/services/catalog"
)

func newQueryCommand(a *app) *cobra.Command {
	var (
		asJSON   bool
		fetchURL bool
		fetchTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query-metadata [artifact-id]",
		Short: "Summarize the catalog or inspect one record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runQuery(cmd.Context(), a, id, asJSON, fetchURL, fetchTTL, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	cmd.Flags().BoolVar(&fetchURL, "fetch-url", false, "Include a presigned download URL for the mirrored payload")
	cmd.Flags().DurationVar(&fetchTTL, "fetch-ttl", 15*time.Minute, "Lifetime of the presigned URL")
	return cmd
}

func runQuery(ctx context.Context, a *app, id string, asJSON, fetchURL bool, ttl time.Duration, out io.Writer) error {
	blob, store, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	snap, _, err := store.Load(ctx)
	if err != nil {
		return err
	}

	if id == "" {
		return writeStats(out, snap, asJSON)
	}

	rec, ok := snap.Get(id)
	if !ok {
		return fmt.Errorf("unknown artifact %q", id)
	}

	signedURL := ""
	if fetchURL {
		if !rec.Mirrored() {
			return fmt.Errorf("artifact %q is not mirrored", id)
		}
		signer, ok := blob.(blobstore.URLSigner)
		if !ok {
			return errors.New("store does not support presigned URLs")
		}
		if signedURL, err = signer.PresignGet(ctx, rec.StoragePath, ttl); err != nil {
			return fmt.Errorf("presign %q: %w", rec.StoragePath, err)
		}
	}

	if asJSON {
		return json.NewEncoder(out).Encode(struct {
			*catalog.Artifact
			FetchURL string `json:"fetch_url,omitempty"`
		}{rec, signedURL})
	}

	eng, err := render.New()
	if err != nil {
		return err
	}
	text, err := eng.Render("artifact.tmpl", artifactView(rec, signedURL))
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}

func writeStats(out io.Writer, snap *catalog.Snapshot, asJSON bool) error {
	stats := snap.Stats()
	if asJSON {
		return json.NewEncoder(out).Encode(stats)
	}

	view := render.StatsView{
		Total:     stats.Total,
		UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339),
	}

	platforms := make([]string, 0, len(stats.Matrix))
	for p := range stats.Matrix {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		row := stats.Matrix[p]
		view.Rows = append(view.Rows, render.StatsRow{
			Platform:  p,
			Pending:   row[catalog.StatusPending],
			Mirrored:  row[catalog.StatusMirrored],
			Failed:    row[catalog.StatusFailed],
			Parked:    row[catalog.StatusPermanentlyFailed],
			Duplicate: row[catalog.StatusDuplicate],
			Retired:   row[catalog.StatusRetired],
			Total:     stats.ByPlatform[p],
		})
	}

	names := make([]string, 0, len(stats.BySymbolStatus))
	for s := range stats.BySymbolStatus {
		names = append(names, string(s))
	}
	sort.Strings(names)
	for _, name := range names {
		view.Symbols = append(view.Symbols, render.Count{
			Name:  name,
			Count: stats.BySymbolStatus[catalog.SymbolStatus(name)],
		})
	}

	eng, err := render.New()
	if err != nil {
		return err
	}
	text, err := eng.Render("stats.tmpl", view)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}

func artifactView(rec *catalog.Artifact, fetchURL string) render.ArtifactView {
	v := render.ArtifactView{
		ID:            rec.ID,
		Platform:      rec.Platform,
		Version:       rec.Version,
		Build:         rec.Build,
		Kind:          rec.Kind,
		Status:        string(rec.Status),
		LastError:     rec.LastError,
		Attempts:      rec.AttemptCount,
		SymbolStatus:  string(rec.SymbolStatus),
		Size:          rec.Size,
		Hash:          rec.Hash,
		StoragePath:   rec.StoragePath,
		LayoutVersion: rec.LayoutVersion,
		FetchURL:      fetchURL,
	}
	if !rec.ReleasedAt.IsZero() {
		v.ReleasedAt = rec.ReleasedAt.UTC().Format("2006-01-02")
	}
	if rec.MirroredAt != nil {
		v.MirroredAt = rec.MirroredAt.UTC().Format(time.RFC3339)
	}
	return v
}
