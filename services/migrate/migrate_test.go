package migrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"symmirror/pkg/blobstore"
	"symmirror/services/catalog"
)

var seedTime = time.Date(2023, 9, 18, 12, 0, 0, 0, time.UTC)

func hexDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newStore(t *testing.T) (*catalog.Store, *blobstore.Memory) {
	t.Helper()
	mem := blobstore.NewMemory()
	return catalog.NewStore(mem, catalog.StoreConfig{}), mem
}

// seedMirrored creates a mirrored record with its payload stored under the
// given layout and returns the record.
func seedMirrored(t *testing.T, store *catalog.Store, mem *blobstore.Memory, platform, version, build string, layout int) *catalog.Artifact {
	t.Helper()
	ctx := context.Background()
	body := bytes.Repeat([]byte(build+"|"), 32)
	hash := hexDigest(body)

	rec := &catalog.Artifact{
		ID:            catalog.MakeID(platform, version, build),
		Platform:      platform,
		Version:       version,
		Build:         build,
		ReleasedAt:    seedTime,
		SourceURL:     "https://updates.example.com/" + platform + "/" + build + ".ipsw",
		Hash:          hash,
		HashAlgorithm: "sha256",
		Size:          int64(len(body)),
		DiscoveredAt:  seedTime,
		Status:        catalog.StatusMirrored,
		SymbolStatus:  catalog.SymbolsExtracted,
	}
	key, err := catalog.MirrorKey(layout, rec)
	require.NoError(t, err)
	mirroredAt := seedTime.Add(time.Hour)
	rec.MirroredAt = &mirroredAt
	rec.StoragePath = key
	rec.LayoutVersion = layout

	_, err = mem.Write(ctx, key, bytes.NewReader(body), blobstore.WriteOptions{ContentSHA256: hash})
	require.NoError(t, err)
	_, err = store.Update(ctx, func(snap *catalog.Snapshot) error {
		snap.Put(rec.Clone())
		return nil
	})
	require.NoError(t, err)
	return rec
}

func loadRecord(t *testing.T, store *catalog.Store, id string) *catalog.Artifact {
	t.Helper()
	snap, _, err := store.Load(context.Background())
	require.NoError(t, err)
	a, ok := snap.Get(id)
	require.True(t, ok)
	return a
}

func readObject(t *testing.T, mem *blobstore.Memory, key string) []byte {
	t.Helper()
	rc, _, err := mem.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestMigrateRelocatesMirroredRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mem := newStore(t)

	a := seedMirrored(t, store, mem, "ios", "17.0", "21A329", catalog.LayoutFlat)
	b := seedMirrored(t, store, mem, "macos", "14.1", "23B74", catalog.LayoutFlat)
	already := seedMirrored(t, store, mem, "tvos", "17.0", "21J354", catalog.LayoutHierarchical)

	// A record that never mirrored has nothing to move.
	_, err := store.Update(ctx, func(snap *catalog.Snapshot) error {
		snap.Put(&catalog.Artifact{
			ID:       "watchos_10.0_21R355",
			Platform: "watchos", Version: "10.0", Build: "21R355",
			SourceURL:    "https://updates.example.com/watchos/21R355.ipsw",
			Hash:         hexDigest([]byte("pending")),
			Status:       catalog.StatusPending,
			SymbolStatus: catalog.SymbolsPending,
		})
		return nil
	})
	require.NoError(t, err)

	report, err := Run(ctx, store, mem, catalog.LayoutFlat, catalog.LayoutHierarchical, "migrate-1")
	require.NoError(t, err)
	require.Equal(t, 3, report.Examined)
	require.Equal(t, 2, report.Migrated)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Failed)

	for _, seeded := range []*catalog.Artifact{a, b} {
		rec := loadRecord(t, store, seeded.ID)
		require.Equal(t, catalog.LayoutHierarchical, rec.LayoutVersion)
		wantKey, err := catalog.MirrorKey(catalog.LayoutHierarchical, rec)
		require.NoError(t, err)
		require.Equal(t, wantKey, rec.StoragePath)
		body := bytes.Repeat([]byte(seeded.Build+"|"), 32)
		require.Equal(t, body, readObject(t, mem, wantKey), "payload content survives the move")

		ok, err := blobstore.Exists(ctx, mem, seeded.StoragePath)
		require.NoError(t, err)
		require.False(t, ok, "old object must be removed")
	}

	rec := loadRecord(t, store, already.ID)
	require.Equal(t, already.StoragePath, rec.StoragePath)
}

func TestMigrateRerunIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mem := newStore(t)
	seedMirrored(t, store, mem, "ios", "17.0", "21A329", catalog.LayoutFlat)

	_, err := Run(ctx, store, mem, catalog.LayoutFlat, catalog.LayoutHierarchical, "migrate-1")
	require.NoError(t, err)

	_, genBefore, err := store.Load(ctx)
	require.NoError(t, err)

	report, err := Run(ctx, store, mem, catalog.LayoutFlat, catalog.LayoutHierarchical, "migrate-2")
	require.NoError(t, err)
	require.Zero(t, report.Migrated)
	require.Equal(t, 1, report.Skipped)

	_, genAfter, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, genBefore, genAfter, "a completed migration must not rewrite the document")
}

func TestMigrateFinishesInterruptedSwitch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mem := newStore(t)
	rec := seedMirrored(t, store, mem, "ios", "17.0", "21A329", catalog.LayoutHierarchical)

	// Simulate a crash after the switch: the old-layout object is still there.
	oldKey, err := catalog.MirrorKey(catalog.LayoutFlat, rec)
	require.NoError(t, err)
	_, err = mem.Write(ctx, oldKey, bytes.NewReader([]byte("leftover")), blobstore.WriteOptions{
		ContentSHA256: hexDigest([]byte("leftover")),
	})
	require.NoError(t, err)

	report, err := Run(ctx, store, mem, catalog.LayoutFlat, catalog.LayoutHierarchical, "migrate-1")
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)

	ok, err := blobstore.Exists(ctx, mem, oldKey)
	require.NoError(t, err)
	require.False(t, ok, "leftover object from the interrupted pass is removed")
}

func TestMigrateSourceMissingIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mem := newStore(t)
	rec := seedMirrored(t, store, mem, "ios", "17.0", "21A329", catalog.LayoutFlat)
	require.NoError(t, mem.Delete(ctx, rec.StoragePath))
	healthy := seedMirrored(t, store, mem, "macos", "14.1", "23B74", catalog.LayoutFlat)

	report, err := Run(ctx, store, mem, catalog.LayoutFlat, catalog.LayoutHierarchical, "migrate-1")
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Migrated, "other records still migrate")

	stuck := loadRecord(t, store, rec.ID)
	require.Equal(t, catalog.LayoutFlat, stuck.LayoutVersion)
	require.Equal(t, rec.StoragePath, stuck.StoragePath)

	moved := loadRecord(t, store, healthy.ID)
	require.Equal(t, catalog.LayoutHierarchical, moved.LayoutVersion)
}

func TestMigrateRejectsSameLayout(t *testing.T) {
	t.Parallel()

	store, mem := newStore(t)
	_, err := Run(context.Background(), store, mem, catalog.LayoutFlat, catalog.LayoutFlat, "migrate-1")
	require.Error(t, err)
}
