// Package reconcile joins the origin catalog against the metadata document
// and produces the ordered work queue for the mirror pipeline. All document
// mutations go through the catalog store's conditional-write loop, so a
// conflicting run forces a fresh diff instead of a blind retry.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"symmirror/pkg/logger"
	"symmirror/services/catalog"
	"symmirror/services/origin"
)

// Plan is the outcome of one reconcile: the committed snapshot plus the
// ordered queue of records that still need pipeline work. Queue entries are
// clones; workers read them without touching the shared snapshot.
type Plan struct {
	RunID    string
	Snapshot *catalog.Snapshot
	Queue    []*catalog.Artifact

	Created    int
	Refreshed  int
	Retired    int
	Duplicates int
	Updated    int
	Requeued   int

	// created tracks ids first seen in this reconcile so the queue can
	// schedule retries ahead of fresh discoveries.
	created map[string]bool
}

// Changed reports whether the reconcile mutated the document.
func (p *Plan) Changed() bool {
	return p.Created+p.Refreshed+p.Retired+p.Duplicates+p.Updated > 0
}

// Apply reconciles the descriptor set into the store and returns the work
// queue. The descriptor set is taken as the complete origin catalog: records
// absent from it are retired. On concurrent modification the diff is
// recomputed against the fresh document; the returned plan always reflects
// the committed state.
func Apply(ctx context.Context, store *catalog.Store, descriptors []origin.Descriptor, runID string) (*Plan, error) {
	return ApplyScoped(ctx, store, descriptors, nil, runID)
}

// ApplyScoped reconciles like Apply but limits retirement to records of the
// given platforms, so a sync that fetched only part of the origin catalog
// cannot retire platforms it never looked at. A nil scope covers the whole
// document.
func ApplyScoped(ctx context.Context, store *catalog.Store, descriptors []origin.Descriptor, platforms []string, runID string) (*Plan, error) {
	descriptors = dedupe(ctx, descriptors)
	scope := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		scope[catalog.NormalizePlatform(p)] = true
	}

	var plan *Plan
	snap, err := store.Update(ctx, func(snap *catalog.Snapshot) error {
		plan = apply(snap, descriptors, scope, runID, time.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	// The last apply invocation ran against the snapshot that actually
	// committed (or was found unchanged); rebuild the queue from it so queue
	// entries reflect stored state.
	plan.Snapshot = snap
	plan.Queue = buildQueue(snap, plan.created)
	plan.Requeued = len(plan.Queue) - len(plan.created)
	return plan, nil
}

// Queue builds the ordered work queue for the document as stored, without
// reconciling against the origin. The mirror command uses it to pick up
// where the last sync left off.
func Queue(snap *catalog.Snapshot) []*catalog.Artifact {
	return buildQueue(snap, nil)
}

// apply mutates snap to match the descriptor set and records what changed.
func apply(snap *catalog.Snapshot, descriptors []origin.Descriptor, scope map[string]bool, runID string, now time.Time) *Plan {
	plan := &Plan{RunID: runID, created: make(map[string]bool)}

	seen := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		id := d.ID()
		seen[id] = true

		existing, ok := snap.Get(id)
		if !ok {
			record := newRecord(d, now)
			if sibling := findContentSibling(snap, d); sibling != nil {
				record.Status = catalog.StatusDuplicate
				record.SymbolStatus = catalog.SymbolsNotApplicable
				snap.Put(record)
				snap.RecordAudit(runID, id, "duplicate", "content already tracked as "+sibling.ID)
				plan.Duplicates++
				continue
			}
			snap.Put(record)
			snap.RecordAudit(runID, id, "discovered", "")
			plan.created[id] = true
			plan.Created++
			continue
		}

		if !equalHash(existing.Hash, d.Hash) {
			refresh(existing, d, now)
			snap.RecordAudit(runID, id, "refreshed", "origin content changed")
			plan.Refreshed++
			continue
		}

		if existing.Status == catalog.StatusRetired {
			if existing.Mirrored() {
				existing.Status = catalog.StatusMirrored
			} else {
				existing.Status = catalog.StatusPending
			}
			existing.UpdatedAt = now
			snap.RecordAudit(runID, id, "reappeared", "present in origin catalog again")
			plan.Updated++
		}
		if syncDescriptorFields(existing, d, now) {
			plan.Updated++
		}
	}

	for id, record := range snap.Artifacts {
		if seen[id] || record.Status == catalog.StatusRetired {
			continue
		}
		if len(scope) > 0 && !scope[record.Platform] {
			continue
		}
		record.Status = catalog.StatusRetired
		record.UpdatedAt = now
		snap.RecordAudit(runID, id, "retired", "absent from origin catalog")
		plan.Retired++
	}

	return plan
}

// newRecord seeds a catalog record from a descriptor.
func newRecord(d origin.Descriptor, now time.Time) *catalog.Artifact {
	return &catalog.Artifact{
		ID:            d.ID(),
		Platform:      catalog.NormalizePlatform(d.Platform),
		Version:       d.Version,
		Build:         d.Build,
		Kind:          d.Kind,
		ReleasedAt:    d.ReleasedAt,
		SourceURL:     d.URL,
		Hash:          d.Hash,
		HashAlgorithm: d.HashAlgorithm,
		Size:          d.Size,
		DiscoveredAt:  now,
		SymbolStatus:  catalog.SymbolsPending,
		Status:        catalog.StatusPending,
		UpdatedAt:     now,
	}
}

// refresh resets a record whose origin content changed. The old publication
// stays in the mirror; only the record's mirror fields start over.
func refresh(a *catalog.Artifact, d origin.Descriptor, now time.Time) {
	if a.StoragePath != "" {
		a.SupersededPaths = append(a.SupersededPaths, a.StoragePath)
	}
	a.SourceURL = d.URL
	a.Hash = d.Hash
	a.HashAlgorithm = d.HashAlgorithm
	a.Size = d.Size
	a.ReleasedAt = d.ReleasedAt
	a.Kind = d.Kind
	a.MirroredAt = nil
	a.StoragePath = ""
	a.LayoutVersion = 0
	a.SymbolStatus = catalog.SymbolsPending
	a.Status = catalog.StatusPending
	a.AttemptCount = 0
	a.LastError = ""
	a.UpdatedAt = now
}

// syncDescriptorFields folds in metadata-only origin changes (new URL for the
// same content, corrected sizes or release dates) and reports whether
// anything moved.
func syncDescriptorFields(a *catalog.Artifact, d origin.Descriptor, now time.Time) bool {
	changed := false
	if a.SourceURL != d.URL {
		a.SourceURL = d.URL
		changed = true
	}
	if a.Size != d.Size {
		a.Size = d.Size
		changed = true
	}
	if !d.ReleasedAt.IsZero() && !a.ReleasedAt.Equal(d.ReleasedAt) {
		a.ReleasedAt = d.ReleasedAt
		changed = true
	}
	if changed {
		a.UpdatedAt = now
	}
	return changed
}

// findContentSibling looks for an existing record of the same platform and
// version that already tracks this exact content under a different build.
// Origins republish beta builds this way.
func findContentSibling(snap *catalog.Snapshot, d origin.Descriptor) *catalog.Artifact {
	platform := catalog.NormalizePlatform(d.Platform)
	for _, a := range snap.Artifacts {
		if a.Platform != platform || a.Version != d.Version || a.Build == d.Build {
			continue
		}
		if equalHash(a.Hash, d.Hash) && a.Status != catalog.StatusDuplicate {
			return a
		}
	}
	return nil
}

// buildQueue orders schedulable records: retry candidates first, then fresh
// discoveries, each newest release first.
func buildQueue(snap *catalog.Snapshot, created map[string]bool) []*catalog.Artifact {
	var retries, fresh []*catalog.Artifact
	for id, a := range snap.Artifacts {
		if !schedulable(a) {
			continue
		}
		if created[id] {
			fresh = append(fresh, a.Clone())
		} else {
			retries = append(retries, a.Clone())
		}
	}
	sortNewestFirst(retries)
	sortNewestFirst(fresh)
	return append(retries, fresh...)
}

// schedulable reports whether the pipeline still owes this record work.
func schedulable(a *catalog.Artifact) bool {
	switch a.Status {
	case catalog.StatusPending, catalog.StatusFailed:
		return true
	case catalog.StatusMirrored:
		return !a.SymbolStatus.Terminal()
	default:
		return false
	}
}

func sortNewestFirst(items []*catalog.Artifact) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ReleasedAt.Equal(items[j].ReleasedAt) {
			return items[i].ReleasedAt.After(items[j].ReleasedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func equalHash(a, b string) bool {
	return strings.EqualFold(a, b)
}

// dedupe drops repeated descriptor ids, keeping the first occurrence.
func dedupe(ctx context.Context, descriptors []origin.Descriptor) []origin.Descriptor {
	seen := make(map[string]bool, len(descriptors))
	out := descriptors[:0:0]
	dropped := 0
	for _, d := range descriptors {
		id := d.ID()
		if seen[id] {
			dropped++
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	if dropped > 0 {
		logger.WarnKV(ctx, "dropped repeated catalog descriptors", "count", dropped)
	}
	return out
}
