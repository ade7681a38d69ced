package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/bus"
	"symmirror/pkg/logger"
	"symmirror/services/catalog"
	"symmirror/services/symbols"
)

// errStaleQueueItem marks work done against a record the origin replaced
// while the run was in flight. The work is dropped; the next reconcile
// requeues the build from its fresh catalog entry.
var errStaleQueueItem = errors.New("record changed since the queue was built")

// processItem walks one record through download, verification, upload and
// symbol extraction, then lands the result in the metadata document with a
// single conditional update. Item-level trouble is recorded on the record
// and does not abort the run; only context and metadata-store failures
// propagate.
func (p *Pipeline) processItem(ctx context.Context, runID string, queued *catalog.Artifact, report *Report) error {
	ctx = logger.WithKV(ctx, "run_id", runID, "artifact", queued.ID)

	scratch, err := os.MkdirTemp(p.cfg.WorkDir, "symmirror-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	// The scratch dir outlives every step below, so partially processed
	// payloads never survive past the record update.
	defer os.RemoveAll(scratch)

	a := queued.Clone()
	var (
		payloadPath  string
		mirroredNow  bool
		publishedNow bool
		bundleKey    string
	)

	needPayload := !a.Mirrored()
	if !needPayload {
		ok, statErr := blobstore.Exists(ctx, p.blob, a.StoragePath)
		if statErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.failItem(ctx, runID, a, report, fmt.Errorf("stat mirrored payload: %w", statErr))
		}
		if !ok {
			logger.WarnKV(ctx, "mirrored payload missing from storage, re-mirroring", "key", a.StoragePath)
			needPayload = true
		}
	}

	if needPayload {
		got, fetchErr := p.fetchOrigin(ctx, a, scratch)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.failItem(ctx, runID, a, report, fetchErr)
		}
		report.record(func(r *Report) { r.BytesDownloaded += got.size })
		bytesTotal.WithLabelValues("download").Add(float64(got.size))

		key, keyErr := catalog.MirrorKey(p.cfg.LayoutVersion, a)
		if keyErr != nil {
			return p.failItem(ctx, runID, a, report, keyErr)
		}
		uploaded, upErr := p.uploadPayload(ctx, key, got)
		if upErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.failItem(ctx, runID, a, report, fmt.Errorf("upload payload: %w", upErr))
		}
		report.record(func(r *Report) { r.BytesUploaded += uploaded })
		bytesTotal.WithLabelValues("upload").Add(float64(uploaded))

		now := p.now().UTC()
		a.MirroredAt = &now
		a.StoragePath = key
		a.LayoutVersion = p.cfg.LayoutVersion
		payloadPath = got.path
		mirroredNow = true
		logger.InfoKV(ctx, "payload mirrored", "key", key, "bytes", got.size)
	}

	symStatus := a.SymbolStatus
	var symErrText string
	if p.extractor != nil && symStatus == catalog.SymbolsPending {
		if payloadPath == "" {
			var readErr error
			payloadPath, readErr = p.fetchMirror(ctx, a, scratch)
			var integrity *IntegrityError
			switch {
			case readErr == nil:
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.As(readErr, &integrity):
				// The mirror copy is unusable. Drop the mirror fields so the
				// next attempt downloads from the origin again.
				logger.WarnKV(ctx, "mirror copy failed verification, scheduling re-mirror",
					"key", a.StoragePath, "error", readErr)
				a.MirroredAt = nil
				a.StoragePath = ""
				a.LayoutVersion = 0
				return p.failItem(ctx, runID, a, report, readErr)
			default:
				return p.failItem(ctx, runID, a, report, fmt.Errorf("fetch mirror copy: %w", readErr))
			}
		}

		objects, exErr := p.extractor.Extract(ctx, payloadPath, scratch)
		switch {
		case exErr == nil:
			res, pubErr := p.publishBundle(ctx, a, objects)
			if pubErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return p.failItem(ctx, runID, a, report, fmt.Errorf("publish symbols: %w", pubErr))
			}
			symStatus = catalog.SymbolsExtracted
			publishedNow = true
			bundleKey = res.BundleKey
			report.record(func(r *Report) { r.BytesUploaded += res.BytesUploaded })
			bytesTotal.WithLabelValues("upload").Add(float64(res.BytesUploaded))
			bundlesTotal.Inc()
			symbolOutcomes.WithLabelValues("extracted").Inc()
			logger.InfoKV(ctx, "symbol bundle published",
				"bundle_key", res.BundleKey, "objects", len(res.Objects),
				"uploaded", res.Uploaded, "deduplicated", res.Deduplicated)
		case errors.Is(exErr, symbols.ErrNoDebugObjects):
			symStatus = catalog.SymbolsNotApplicable
			symbolOutcomes.WithLabelValues("not_applicable").Inc()
			logger.InfoKV(ctx, "payload carries no debug objects")
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// Extraction trouble is isolated from the mirror outcome: the
			// payload stays mirrored and extraction is not retried until the
			// build changes upstream.
			symStatus = catalog.SymbolsFailed
			symErrText = clampError(exErr)
			symbolOutcomes.WithLabelValues("failed").Inc()
			logger.ErrorKV(ctx, "symbol extraction failed", "error", exErr)
		}
	}

	if !mirroredNow && symStatus == queued.SymbolStatus {
		// Nothing moved, typically because extraction is not configured.
		// Leave the record untouched instead of churning its timestamps.
		report.record(func(r *Report) { r.Skipped++ })
		itemsTotal.WithLabelValues("skipped").Inc()
		logger.DebugKV(ctx, "nothing to do for item")
		return nil
	}

	action := "mirrored"
	if !mirroredNow {
		action = "symbols"
	}
	_, err = p.store.UpdateArtifact(ctx, runID, a.ID, action, func(rec *catalog.Artifact) error {
		if !strings.EqualFold(rec.Hash, queued.Hash) {
			return errStaleQueueItem
		}
		rec.Status = catalog.StatusMirrored
		rec.MirroredAt = a.MirroredAt
		rec.StoragePath = a.StoragePath
		rec.LayoutVersion = a.LayoutVersion
		rec.SymbolStatus = symStatus
		rec.AttemptCount = 0
		rec.LastError = symErrText
		return nil
	})
	switch {
	case errors.Is(err, errStaleQueueItem), errors.Is(err, catalog.ErrUnknownArtifact):
		report.record(func(r *Report) { r.Skipped++ })
		itemsTotal.WithLabelValues("skipped").Inc()
		logger.WarnKV(ctx, "record changed mid-run, dropping result", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("update record %s: %w", a.ID, err)
	}

	report.record(func(r *Report) {
		if mirroredNow {
			r.Mirrored++
		}
		if publishedNow {
			r.Bundles++
		}
		if symStatus == catalog.SymbolsNotApplicable && queued.SymbolStatus == catalog.SymbolsPending {
			r.NotApplicable++
		}
	})
	itemsTotal.WithLabelValues("mirrored").Inc()

	if mirroredNow {
		if pubErr := p.events.Publish(ctx, bus.SubjectArtifactMirrored, bus.ArtifactEvent{
			RunID: runID, ArtifactID: a.ID,
			Platform: a.Platform, Version: a.Version, Build: a.Build,
			Status: string(catalog.StatusMirrored),
		}); pubErr != nil {
			logger.DebugKV(ctx, "artifact event not published", "error", pubErr)
		}
	}
	if publishedNow {
		if pubErr := p.events.Publish(ctx, bus.SubjectSymbolsPublished, bus.ArtifactEvent{
			RunID: runID, ArtifactID: a.ID,
			Platform: a.Platform, Version: a.Version, Build: a.Build,
			BundleKey: bundleKey,
		}); pubErr != nil {
			logger.DebugKV(ctx, "artifact event not published", "error", pubErr)
		}
	}
	return nil
}

// failItem records a failed attempt on the record. Reaching the attempt cap
// parks the record as permanently failed; it stays parked until the origin
// entry changes and the reconciler resets it.
func (p *Pipeline) failItem(ctx context.Context, runID string, a *catalog.Artifact, report *Report, cause error) error {
	logger.ErrorKV(ctx, "mirror attempt failed", "error", cause)

	parked := false
	updated, err := p.store.UpdateArtifact(ctx, runID, a.ID, "mirror_failed", func(rec *catalog.Artifact) error {
		if !strings.EqualFold(rec.Hash, a.Hash) {
			return errStaleQueueItem
		}
		rec.AttemptCount++
		rec.LastError = clampError(cause)
		rec.MirroredAt = a.MirroredAt
		rec.StoragePath = a.StoragePath
		rec.LayoutVersion = a.LayoutVersion
		if rec.AttemptCount >= p.cfg.AttemptCap {
			rec.Status = catalog.StatusPermanentlyFailed
		} else {
			rec.Status = catalog.StatusFailed
		}
		parked = rec.Status == catalog.StatusPermanentlyFailed
		return nil
	})
	switch {
	case errors.Is(err, errStaleQueueItem), errors.Is(err, catalog.ErrUnknownArtifact):
		report.record(func(r *Report) { r.Skipped++ })
		itemsTotal.WithLabelValues("skipped").Inc()
		return nil
	case err != nil:
		return fmt.Errorf("record failure for %s: %w", a.ID, err)
	}

	if parked {
		report.record(func(r *Report) { r.Parked++ })
		itemsTotal.WithLabelValues("permanently_failed").Inc()
		logger.WarnKV(ctx, "attempt cap reached, parking record", "attempts", updated.AttemptCount)
	} else {
		report.record(func(r *Report) { r.Failed++ })
		itemsTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

// publishBundle pushes the extracted objects through the symbol publisher,
// retrying transient storage trouble. Publishing is idempotent, so a retry
// after a partial upload turns the finished objects into dedup hits.
func (p *Pipeline) publishBundle(ctx context.Context, a *catalog.Artifact, objects []symbols.DebugObject) (*symbols.PublishResult, error) {
	info := symbols.BundleInfo{
		BundleID:  a.ID,
		Platform:  a.Platform,
		OSVersion: a.Version,
		Build:     a.Build,
	}

	backoff := retry.WithCappedDuration(30*time.Second,
		retry.WithMaxRetries(p.cfg.PublishRetries, retry.NewExponential(p.cfg.BackoffBase)))

	var res *symbols.PublishResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := p.publisher.Publish(ctx, info, objects)
		if err != nil {
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	return res, err
}

func clampError(err error) string {
	msg := err.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
