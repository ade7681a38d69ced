package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"symmirror/pkg/blobstore"
	"symmirror/services/catalog"
	"symmirror/services/origin"
)

var baseTime = time.Date(2023, 9, 18, 12, 0, 0, 0, time.UTC)

func desc(platform, version, build, hash string, released time.Time) origin.Descriptor {
	return origin.Descriptor{
		Platform:      platform,
		Version:       version,
		Build:         build,
		ReleasedAt:    released,
		URL:           "https://updates.example.com/" + platform + "/" + build + ".ipsw",
		Hash:          hash,
		HashAlgorithm: "sha256",
		Size:          2048,
	}
}

func newStore(t *testing.T) (*catalog.Store, *blobstore.Memory) {
	t.Helper()
	mem := blobstore.NewMemory()
	return catalog.NewStore(mem, catalog.StoreConfig{}), mem
}

func queueIDs(plan *Plan) []string {
	ids := make([]string, 0, len(plan.Queue))
	for _, a := range plan.Queue {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestApplyCreatesRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	descriptors := []origin.Descriptor{
		desc("ios", "17.0", "21A329", "aa11", baseTime),
		desc("macos", "14.1", "23B74", "bb22", baseTime.Add(24*time.Hour)),
	}

	plan, err := Apply(ctx, store, descriptors, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, plan.Created)
	require.True(t, plan.Changed())
	require.Equal(t, []string{"macos_14.1_23B74", "ios_17.0_21A329"}, queueIDs(plan))

	a, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusPending, a.Status)
	require.Equal(t, catalog.SymbolsPending, a.SymbolStatus)
	require.False(t, a.DiscoveredAt.IsZero())
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mem := newStore(t)

	descriptors := []origin.Descriptor{desc("ios", "17.0", "21A329", "aa11", baseTime)}

	_, err := Apply(ctx, store, descriptors, "run-1")
	require.NoError(t, err)

	_, genBefore, err := store.Load(ctx)
	require.NoError(t, err)
	writesBefore := mem.Len()

	plan, err := Apply(ctx, store, descriptors, "run-2")
	require.NoError(t, err)
	require.False(t, plan.Changed())
	require.Zero(t, plan.Created)

	_, genAfter, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, genBefore, genAfter)
	require.Equal(t, writesBefore, mem.Len())
}

func TestQueueRetriesBeforeFresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	older := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{older}, "run-1")
	require.NoError(t, err)

	// A fresher build appears while the first one is still pending. The
	// retry candidate keeps its place at the head of the queue.
	newer := desc("ios", "17.1", "21B74", "bb22", baseTime.Add(30*24*time.Hour))
	plan, err := Apply(ctx, store, []origin.Descriptor{older, newer}, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Created)
	require.Equal(t, 1, plan.Requeued)
	require.Equal(t, []string{"ios_17.0_21A329", "ios_17.1_21B74"}, queueIDs(plan))
}

func TestQueueNewestFirstWithinClass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	descriptors := []origin.Descriptor{
		desc("ios", "17.0", "21A329", "aa11", baseTime),
		desc("ios", "17.2", "21C52", "cc33", baseTime.Add(60*24*time.Hour)),
		desc("ios", "17.1", "21B74", "bb22", baseTime.Add(30*24*time.Hour)),
	}

	plan, err := Apply(ctx, store, descriptors, "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"ios_17.2_21C52", "ios_17.1_21B74", "ios_17.0_21A329"}, queueIDs(plan))
}

func TestStaleContentRefreshed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	d := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{d}, "run-1")
	require.NoError(t, err)

	// The pipeline mirrors it.
	mirroredAt := baseTime.Add(time.Hour)
	_, err = store.UpdateArtifact(ctx, "run-1", d.ID(), "mirror", func(a *catalog.Artifact) error {
		a.Status = catalog.StatusMirrored
		a.MirroredAt = &mirroredAt
		a.StoragePath = "mirror/ios/17.0/21A329/21A329.ipsw"
		a.LayoutVersion = 2
		a.SymbolStatus = catalog.SymbolsExtracted
		a.AttemptCount = 1
		return nil
	})
	require.NoError(t, err)

	// Origin republishes the build with different content.
	d.Hash = "ff99"
	d.URL = "https://updates.example.com/ios/21A329-respin.ipsw"
	plan, err := Apply(ctx, store, []origin.Descriptor{d}, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Refreshed)
	require.Equal(t, []string{"ios_17.0_21A329"}, queueIDs(plan))

	a, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusPending, a.Status)
	require.Equal(t, catalog.SymbolsPending, a.SymbolStatus)
	require.Nil(t, a.MirroredAt)
	require.Empty(t, a.StoragePath)
	require.Zero(t, a.AttemptCount)
	require.Equal(t, "ff99", a.Hash)
	// The earlier publication stays reachable.
	require.Equal(t, []string{"mirror/ios/17.0/21A329/21A329.ipsw"}, a.SupersededPaths)
}

func TestVanishedRecordRetired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	d := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{d}, "run-1")
	require.NoError(t, err)

	plan, err := Apply(ctx, store, nil, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Retired)
	require.Empty(t, plan.Queue)

	a, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusRetired, a.Status)
}

func TestRetiredRecordReappears(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	d := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{d}, "run-1")
	require.NoError(t, err)
	_, err = Apply(ctx, store, nil, "run-2")
	require.NoError(t, err)

	plan, err := Apply(ctx, store, []origin.Descriptor{d}, "run-3")
	require.NoError(t, err)

	a, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusPending, a.Status)
	require.Equal(t, []string{"ios_17.0_21A329"}, queueIDs(plan))
}

func TestDuplicateContentDetected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	first := desc("ios", "17.0", "21A327", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{first}, "run-1")
	require.NoError(t, err)

	// The same payload reappears under a new build number.
	respin := desc("ios", "17.0", "21A329", "AA11", baseTime.Add(48*time.Hour))
	plan, err := Apply(ctx, store, []origin.Descriptor{first, respin}, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Duplicates)
	require.Zero(t, plan.Created)

	dup, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusDuplicate, dup.Status)
	require.Equal(t, catalog.SymbolsNotApplicable, dup.SymbolStatus)
	require.Equal(t, []string{"ios_17.0_21A327"}, queueIDs(plan))
}

func TestPermanentlyFailedExcludedUntilContentChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	d := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{d}, "run-1")
	require.NoError(t, err)

	_, err = store.UpdateArtifact(ctx, "run-1", d.ID(), "fail", func(a *catalog.Artifact) error {
		a.Status = catalog.StatusPermanentlyFailed
		a.AttemptCount = 3
		a.LastError = "download kept timing out"
		return nil
	})
	require.NoError(t, err)

	plan, err := Apply(ctx, store, []origin.Descriptor{d}, "run-2")
	require.NoError(t, err)
	require.Empty(t, plan.Queue)

	// A content change resets the record and schedules it again.
	d.Hash = "bb22"
	plan, err = Apply(ctx, store, []origin.Descriptor{d}, "run-3")
	require.NoError(t, err)
	require.Equal(t, []string{"ios_17.0_21A329"}, queueIDs(plan))

	a, _ := plan.Snapshot.Get(d.ID())
	require.Equal(t, catalog.StatusPending, a.Status)
	require.Zero(t, a.AttemptCount)
	require.Empty(t, a.LastError)
}

func TestMirroredAwaitingSymbolsRequeued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	d := desc("ios", "17.0", "21A329", "aa11", baseTime)
	_, err := Apply(ctx, store, []origin.Descriptor{d}, "run-1")
	require.NoError(t, err)

	mirroredAt := baseTime.Add(time.Hour)
	_, err = store.UpdateArtifact(ctx, "run-1", d.ID(), "mirror", func(a *catalog.Artifact) error {
		a.Status = catalog.StatusMirrored
		a.MirroredAt = &mirroredAt
		a.StoragePath = "mirror/ios/17.0/21A329/21A329.ipsw"
		return nil
	})
	require.NoError(t, err)

	plan, err := Apply(ctx, store, []origin.Descriptor{d}, "run-2")
	require.NoError(t, err)
	require.Equal(t, []string{"ios_17.0_21A329"}, queueIDs(plan), "mirrored but unsymbolicated records resume")

	// Once extraction lands the record leaves the queue for good.
	_, err = store.UpdateArtifact(ctx, "run-2", d.ID(), "extract", func(a *catalog.Artifact) error {
		a.SymbolStatus = catalog.SymbolsExtracted
		return nil
	})
	require.NoError(t, err)

	plan, err = Apply(ctx, store, []origin.Descriptor{d}, "run-3")
	require.NoError(t, err)
	require.Empty(t, plan.Queue)
}

// racingBlob lets a competing reconcile commit first, exactly once, to force
// the diff to recompute.
type racingBlob struct {
	blobstore.Store
	mu      sync.Mutex
	key     string
	fired   bool
	compete func(blobstore.Store)
}

func (r *racingBlob) Write(ctx context.Context, key string, body io.Reader, opts blobstore.WriteOptions) (*blobstore.ObjectInfo, error) {
	r.mu.Lock()
	fire := !r.fired && key == r.key && opts.IfGenerationMatch != nil
	if fire {
		r.fired = true
	}
	r.mu.Unlock()

	if fire {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		r.compete(r.Store)
		return r.Store.Write(ctx, key, strings.NewReader(string(data)), opts)
	}
	return r.Store.Write(ctx, key, body, opts)
}

func TestApplyRecomputesAfterConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := blobstore.NewMemory()

	competitorRecord := &catalog.Artifact{
		ID:           "macos_14.1_23B74",
		Platform:     "macos",
		Version:      "14.1",
		Build:        "23B74",
		Hash:         "cc33",
		Status:       catalog.StatusPending,
		SymbolStatus: catalog.SymbolsPending,
	}

	blob := &racingBlob{
		Store: mem,
		key:   catalog.DefaultDocumentKey,
		compete: func(s blobstore.Store) {
			snap := catalog.NewSnapshot()
			snap.Put(competitorRecord)
			data, err := json.Marshal(snap)
			if err != nil {
				panic(err)
			}
			if _, err := s.Write(context.Background(), catalog.DefaultDocumentKey, strings.NewReader(string(data)), blobstore.WriteOptions{}); err != nil {
				panic(err)
			}
		},
	}
	store := catalog.NewStore(blob, catalog.StoreConfig{})

	plan, err := Apply(ctx, store, []origin.Descriptor{desc("ios", "17.0", "21A329", "aa11", baseTime)}, "run-1")
	require.NoError(t, err)

	// The committed snapshot holds both the competitor's record and ours.
	_, ok := plan.Snapshot.Get("macos_14.1_23B74")
	require.True(t, ok)
	_, ok = plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
}

func TestScopedApplyLeavesOtherPlatformsAlone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	_, err := Apply(ctx, store, []origin.Descriptor{
		desc("ios", "17.0", "21A329", "aa11", baseTime),
		desc("macos", "14.1", "23B74", "bb22", baseTime),
	}, "run-1")
	require.NoError(t, err)

	// An ios-only sync returns an empty ios catalog. The macos record is out
	// of scope and must survive.
	plan, err := ApplyScoped(ctx, store, nil, []string{"ios"}, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Retired)

	iosRec, ok := plan.Snapshot.Get("ios_17.0_21A329")
	require.True(t, ok)
	require.Equal(t, catalog.StatusRetired, iosRec.Status)

	macRec, ok := plan.Snapshot.Get("macos_14.1_23B74")
	require.True(t, ok)
	require.Equal(t, catalog.StatusPending, macRec.Status)
}

func TestQueueFromStoredDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	_, err := Apply(ctx, store, []origin.Descriptor{
		desc("ios", "17.0", "21A329", "aa11", baseTime.Add(time.Hour)),
		desc("macos", "14.1", "23B74", "bb22", baseTime),
	}, "run-1")
	require.NoError(t, err)

	snap, _, err := store.Load(ctx)
	require.NoError(t, err)

	queue := Queue(snap)
	require.Len(t, queue, 2)
	require.Equal(t, "ios_17.0_21A329", queue[0].ID, "newest release first")

	// Queue entries are clones of the stored records.
	queue[0].Status = catalog.StatusFailed
	fresh, _ := snap.Get("ios_17.0_21A329")
	require.Equal(t, catalog.StatusPending, fresh.Status)
}
