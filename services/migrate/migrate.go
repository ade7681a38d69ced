// Package migrate relocates mirrored payloads to a new storage layout
// without re-fetching anything from the origin. Each record is moved
// copy-then-switch-then-delete: the payload is copied to its new key, the
// record's storage path is switched under the catalog's conditional-write
// discipline, and only then is the old object removed. A crash at any point
// leaves either the old or both objects in place, never neither.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/logger"
	"symmirror/services/catalog"
)

// errRecordMoved marks a record another run relocated while this one held
// a stale snapshot of it.
var errRecordMoved = errors.New("record moved during migration")

// Report summarizes one migration pass.
type Report struct {
	Examined int
	Migrated int
	Skipped  int
	Failed   int
}

// Run migrates every mirrored record from the old layout to the new one.
// Records already tagged with the target layout are skipped, which makes
// re-running a completed migration a no-op; for those records any object
// left behind by an interrupted earlier pass is cleaned up.
func Run(ctx context.Context, store *catalog.Store, blob blobstore.Store, from, to int, runID string) (*Report, error) {
	if store == nil || blob == nil {
		return nil, errors.New("nil store")
	}
	if from == to {
		return nil, fmt.Errorf("source and target layout are both %d", from)
	}

	snap, _, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, rec := range snap.Sorted() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !rec.Mirrored() {
			continue
		}
		report.Examined++
		ctx := logger.WithKV(ctx, "artifact", rec.ID)

		if rec.LayoutVersion == to {
			cleanupOld(ctx, blob, from, rec)
			report.Skipped++
			continue
		}

		oldKey := rec.StoragePath
		newKey, keyErr := catalog.MirrorKey(to, rec)
		if keyErr != nil {
			report.Failed++
			logger.ErrorKV(ctx, "cannot derive target key", "error", keyErr)
			continue
		}

		if newKey != oldKey {
			if copyErr := blob.Copy(ctx, oldKey, newKey); copyErr != nil {
				report.Failed++
				logger.ErrorKV(ctx, "copy to new layout failed", "from", oldKey, "to", newKey, "error", copyErr)
				continue
			}
		}

		_, updErr := store.UpdateArtifact(ctx, runID, rec.ID, "migrated", func(a *catalog.Artifact) error {
			if !a.Mirrored() || a.StoragePath != oldKey {
				return errRecordMoved
			}
			a.StoragePath = newKey
			a.LayoutVersion = to
			return nil
		})
		switch {
		case errors.Is(updErr, errRecordMoved), errors.Is(updErr, catalog.ErrUnknownArtifact):
			report.Skipped++
			logger.WarnKV(ctx, "record changed underneath migration, leaving it alone")
			continue
		case updErr != nil:
			return report, fmt.Errorf("switch record %s: %w", rec.ID, updErr)
		}

		if newKey != oldKey {
			if delErr := blob.Delete(ctx, oldKey); delErr != nil {
				logger.WarnKV(ctx, "old object not removed", "key", oldKey, "error", delErr)
			}
		}
		report.Migrated++
		logger.InfoKV(ctx, "payload relocated", "from", oldKey, "to", newKey)
	}

	logger.InfoKV(ctx, "migration finished",
		"run_id", runID, "examined", report.Examined, "migrated", report.Migrated,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// cleanupOld removes the object an interrupted earlier pass switched away
// from but did not delete.
func cleanupOld(ctx context.Context, blob blobstore.Store, from int, rec *catalog.Artifact) {
	oldKey, err := catalog.MirrorKey(from, rec)
	if err != nil || oldKey == rec.StoragePath {
		return
	}
	ok, err := blobstore.Exists(ctx, blob, oldKey)
	if err != nil || !ok {
		return
	}
	if err := blob.Delete(ctx, oldKey); err != nil {
		logger.WarnKV(ctx, "stale object not removed", "key", oldKey, "error", err)
		return
	}
	logger.InfoKV(ctx, "removed stale object from previous layout", "key", oldKey)
}
