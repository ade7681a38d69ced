package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"symmirror/pkg/logger"
	"symmirror/services/catalog"
	"symmirror/services/origin"
	"symmirror/services/reconcile"
)

func newSyncCommand(a *app) *cobra.Command {
	var (
		originURL string
		platforms []string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "sync-metadata",
		Short: "Reconcile the origin catalog into the metadata document",
		Long: `Fetches the vendor catalog for each selected platform, compares its
fingerprint against the stored checkpoint and reconciles changed platforms
into the metadata document. Unchanged platforms are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), a, originURL, platforms, force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&originURL, "origin", "", "Origin catalog base URL (defaults to origin_url in settings)")
	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "Limit the sync to these platforms (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "Reconcile even when the origin catalog fingerprint is unchanged")
	return cmd
}

func runSync(ctx context.Context, a *app, originURL string, platforms []string, force bool, out io.Writer) error {
	_, store, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	base := originURL
	if base == "" {
		base = a.cfg.OriginURL
	}
	if base == "" {
		return errors.New("origin URL is required (--origin or origin_url in settings)")
	}
	index, err := origin.NewHTTPIndex(origin.HTTPIndexConfig{
		BaseURL:     base,
		PageRetries: a.cfg.PageRetries,
		BackoffBase: a.cfg.BackoffBase,
	})
	if err != nil {
		return err
	}

	selected, err := selectPlatforms(platforms, a.cfg.Platforms)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	ctx = logger.WithKV(ctx, "run_id", runID)

	state, stateGen, err := store.LoadSyncState(ctx)
	if err != nil {
		return err
	}

	var descriptors []origin.Descriptor
	var changed []string
	for _, platform := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := index.FetchCatalog(ctx, []string{platform})
		if err != nil {
			return fmt.Errorf("fetch %s catalog: %w", platform, err)
		}
		fingerprint := origin.Fingerprint(page)
		if !force && state.Fingerprints[platform] == fingerprint {
			logger.InfoKV(ctx, "origin catalog unchanged", "platform", platform, "entries", len(page))
			continue
		}
		state.Fingerprints[platform] = fingerprint
		descriptors = append(descriptors, page...)
		changed = append(changed, platform)
	}

	if len(changed) == 0 {
		fmt.Fprintln(out, "origin catalogs unchanged; nothing to reconcile")
		return nil
	}

	plan, err := reconcile.ApplyScoped(ctx, store, descriptors, changed, runID)
	if err != nil {
		return err
	}

	if err := store.SaveSyncState(ctx, state, stateGen); err != nil {
		if !errors.Is(err, catalog.ErrConcurrentModification) {
			return err
		}
		logger.WarnKV(ctx, "sync checkpoint raced another run; fingerprints not saved")
	}

	fmt.Fprintf(out, "reconciled %d platform(s): created=%d refreshed=%d retired=%d duplicates=%d updated=%d queued=%d\n",
		len(changed), plan.Created, plan.Refreshed, plan.Retired, plan.Duplicates, plan.Updated, len(plan.Queue))
	return nil
}

// selectPlatforms resolves the platform set: the flag wins over settings,
// and an empty selection means every supported platform.
func selectPlatforms(flag, configured []string) ([]string, error) {
	selected := flag
	if len(selected) == 0 {
		selected = configured
	}
	if len(selected) == 0 {
		selected = catalog.Platforms
	}

	out := make([]string, 0, len(selected))
	for _, p := range selected {
		normalized := catalog.NormalizePlatform(p)
		if !catalog.KnownPlatform(normalized) {
			return nil, fmt.Errorf("unsupported platform %q", p)
		}
		out = append(out, normalized)
	}
	return out, nil
}
