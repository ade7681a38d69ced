package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"symmirror/pkg/blobstore"
)

var (
	// ErrConcurrentModification is returned when another run committed the
	// metadata document between a load and the matching conditional write.
	ErrConcurrentModification = errors.New("concurrent metadata modification")
	// ErrUnknownArtifact is returned when a mutation targets an id that is
	// not present in the document.
	ErrUnknownArtifact = errors.New("unknown artifact")
)

const (
	// DefaultDocumentKey is where the metadata document lives in the store.
	DefaultDocumentKey = "meta/artifacts.json"
	// DefaultSyncStateKey is where the origin sync checkpoint lives.
	DefaultSyncStateKey = "meta/origin_state.json"
	// DefaultCASAttempts bounds reload-reapply loops on contention.
	DefaultCASAttempts = 5
)

// StoreConfig tunes document placement and retry policy. Zero values fall
// back to the defaults above.
type StoreConfig struct {
	DocumentKey  string
	SyncStateKey string
	CASAttempts  int
}

// Store persists the metadata document through the blob store using
// generation-conditional writes. All catalog mutations go through it.
type Store struct {
	blob     blobstore.Store
	docKey   string
	syncKey  string
	attempts int
}

// NewStore wires a Store over the given blob store.
func NewStore(blob blobstore.Store, cfg StoreConfig) *Store {
	if cfg.DocumentKey == "" {
		cfg.DocumentKey = DefaultDocumentKey
	}
	if cfg.SyncStateKey == "" {
		cfg.SyncStateKey = DefaultSyncStateKey
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = DefaultCASAttempts
	}
	return &Store{
		blob:     blob,
		docKey:   cfg.DocumentKey,
		syncKey:  cfg.SyncStateKey,
		attempts: cfg.CASAttempts,
	}
}

// Load fetches the current document and its generation. An absent document
// yields an empty snapshot with the zero generation, so the first
// CompareAndSwap becomes a create-if-absent write.
func (s *Store) Load(ctx context.Context) (*Snapshot, blobstore.Generation, error) {
	if s == nil {
		return nil, "", errors.New("nil store")
	}
	rc, info, err := s.blob.Read(ctx, s.docKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return NewSnapshot(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load metadata document: %w", err)
	}
	defer rc.Close()

	snap := NewSnapshot()
	if err := json.NewDecoder(rc).Decode(snap); err != nil {
		return nil, "", fmt.Errorf("decode metadata document: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, "", fmt.Errorf("metadata document schema %d is newer than supported %d", snap.SchemaVersion, SchemaVersion)
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}
	if snap.Artifacts == nil {
		snap.Artifacts = make(map[string]*Artifact)
	}
	return snap, info.Generation, nil
}

// CompareAndSwap writes the document only while the stored generation still
// equals expected. It returns the new generation on success and
// ErrConcurrentModification when another writer got there first.
func (s *Store) CompareAndSwap(ctx context.Context, snap *Snapshot, expected blobstore.Generation) (blobstore.Generation, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode metadata document: %w", err)
	}

	info, err := s.blob.Write(ctx, s.docKey, bytes.NewReader(data), blobstore.WriteOptions{
		IfGenerationMatch: &expected,
		ContentLength:     int64(len(data)),
	})
	if errors.Is(err, blobstore.ErrPreconditionFailed) {
		return "", ErrConcurrentModification
	}
	if err != nil {
		return "", fmt.Errorf("write metadata document: %w", err)
	}
	return info.Generation, nil
}

// Update runs a bounded reload-reapply loop: load the document, apply the
// mutation, write conditionally, and on contention start over against the
// fresh document. A mutation that changes nothing skips the write.
func (s *Store) Update(ctx context.Context, apply func(*Snapshot) error) (*Snapshot, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		snap, gen, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}

		before, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("encode metadata document: %w", err)
		}
		if err := apply(snap); err != nil {
			return nil, fmt.Errorf("apply metadata update: %w", err)
		}
		after, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("encode metadata document: %w", err)
		}
		if bytes.Equal(before, after) {
			return snap, nil
		}

		if _, err := s.CompareAndSwap(ctx, snap, gen); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return snap, nil
	}
	return nil, fmt.Errorf("metadata update after %d attempts: %w", s.attempts, lastErr)
}

// UpdateArtifact mutates a single record under the store's CAS discipline and
// stamps the record and audit trail. The mutation must tolerate re-execution
// against a freshly loaded record.
func (s *Store) UpdateArtifact(ctx context.Context, runID, id, action string, mutate func(*Artifact) error) (*Artifact, error) {
	var updated *Artifact
	_, err := s.Update(ctx, func(snap *Snapshot) error {
		a, ok := snap.Get(id)
		if !ok {
			return fmt.Errorf("%q: %w", id, ErrUnknownArtifact)
		}
		if err := mutate(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		a.LastRunID = runID
		snap.RecordAudit(runID, id, action, "")
		updated = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SyncState is the origin sync checkpoint: one catalog fingerprint per
// platform, recorded after a successful reconcile so unchanged catalogs can
// be skipped on the next sync.
type SyncState struct {
	UpdatedAt    time.Time         `json:"updated_at"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// LoadSyncState fetches the checkpoint document and its generation. Absent
// checkpoints yield an empty state with the zero generation.
func (s *Store) LoadSyncState(ctx context.Context) (*SyncState, blobstore.Generation, error) {
	rc, info, err := s.blob.Read(ctx, s.syncKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return &SyncState{Fingerprints: make(map[string]string)}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load sync state: %w", err)
	}
	defer rc.Close()

	state := &SyncState{}
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return nil, "", fmt.Errorf("decode sync state: %w", err)
	}
	if state.Fingerprints == nil {
		state.Fingerprints = make(map[string]string)
	}
	return state, info.Generation, nil
}

// SaveSyncState writes the checkpoint conditionally. The checkpoint is
// advisory; callers may treat ErrConcurrentModification as non-fatal.
func (s *Store) SaveSyncState(ctx context.Context, state *SyncState, expected blobstore.Generation) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	_, err = s.blob.Write(ctx, s.syncKey, bytes.NewReader(data), blobstore.WriteOptions{
		IfGenerationMatch: &expected,
		ContentLength:     int64(len(data)),
	})
	if errors.Is(err, blobstore.ErrPreconditionFailed) {
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
