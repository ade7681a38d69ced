// Package catalog defines the artifact metadata document and the store that
// keeps it consistent across overlapping runs. The document is the single
// source of truth for what has been discovered, mirrored and symbolicated.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status tracks the mirroring lifecycle of one artifact record.
type Status string

const (
	// StatusPending marks records waiting for a mirror attempt.
	StatusPending Status = "pending"
	// StatusDuplicate marks records whose content is already mirrored under
	// another build of the same platform and version.
	StatusDuplicate Status = "duplicate"
	// StatusMirrored marks records whose payload is verified in the mirror.
	StatusMirrored Status = "mirrored"
	// StatusFailed marks records whose last attempt failed; they are retried
	// until the attempt cap is reached.
	StatusFailed Status = "failed"
	// StatusPermanentlyFailed marks records past the attempt cap. They are
	// skipped until the origin catalog entry changes.
	StatusPermanentlyFailed Status = "permanently_failed"
	// StatusRetired marks records that vanished from the origin catalog.
	// They are kept for history and excluded from scheduling.
	StatusRetired Status = "retired"
)

// SymbolStatus tracks debug-symbol extraction for one artifact record.
type SymbolStatus string

const (
	SymbolsPending       SymbolStatus = "pending"
	SymbolsExtracted     SymbolStatus = "extracted"
	SymbolsFailed        SymbolStatus = "failed"
	SymbolsNotApplicable SymbolStatus = "not_applicable"
)

// Terminal reports whether the extraction status will not advance further.
func (s SymbolStatus) Terminal() bool {
	return s == SymbolsExtracted || s == SymbolsFailed || s == SymbolsNotApplicable
}

// Platforms lists the operating systems the pipeline understands.
var Platforms = []string{
	"ios", "ipados", "macos", "tvos", "watchos", "audioos", "visionos", "bridgeos",
}

// KnownPlatform reports whether p (after normalization) is a supported platform.
func KnownPlatform(p string) bool {
	p = NormalizePlatform(p)
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// NormalizePlatform lowercases and trims a platform name.
func NormalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// MakeID builds the canonical record id for a build.
func MakeID(platform, version, build string) string {
	return fmt.Sprintf("%s_%s_%s", NormalizePlatform(platform), version, build)
}

// Artifact is one record of the metadata document.
type Artifact struct {
	ID            string       `json:"id"`
	Platform      string       `json:"platform"`
	Version       string       `json:"version"`
	Build         string       `json:"build"`
	Kind          string       `json:"kind,omitempty"`
	ReleasedAt    time.Time    `json:"released_at"`
	SourceURL     string       `json:"source_url"`
	Hash          string       `json:"hash"`
	HashAlgorithm string       `json:"hash_algorithm"`
	Size          int64        `json:"size"`
	DiscoveredAt  time.Time    `json:"discovered_at"`
	MirroredAt    *time.Time   `json:"mirrored_at,omitempty"`
	SymbolStatus  SymbolStatus `json:"symbol_status"`
	StoragePath   string       `json:"storage_path,omitempty"`
	LayoutVersion int          `json:"layout_version,omitempty"`
	AttemptCount  int          `json:"attempt_count"`
	Status        Status       `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	// SupersededPaths keeps the mirror paths of earlier publications of this
	// build alive after the origin replaced its content.
	SupersededPaths []string  `json:"superseded_paths,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastRunID       string    `json:"last_run_id,omitempty"`
}

// Mirrored reports whether the payload is verified and present in the mirror.
func (a *Artifact) Mirrored() bool {
	return a != nil && a.MirroredAt != nil && a.StoragePath != ""
}

// Terminal reports whether the record needs no further scheduling.
func (a *Artifact) Terminal() bool {
	if a == nil {
		return true
	}
	switch a.Status {
	case StatusDuplicate, StatusRetired, StatusPermanentlyFailed:
		return true
	}
	return a.Mirrored() && a.SymbolStatus.Terminal()
}

// FileName derives the payload file name from the source URL.
func (a *Artifact) FileName() string {
	if a == nil || a.SourceURL == "" {
		return ""
	}
	trimmed := strings.TrimRight(a.SourceURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// Clone returns a deep copy of the record.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	clone := *a
	if a.MirroredAt != nil {
		t := *a.MirroredAt
		clone.MirroredAt = &t
	}
	if len(a.SupersededPaths) > 0 {
		clone.SupersededPaths = append([]string(nil), a.SupersededPaths...)
	}
	return &clone
}

// AuditEntry records one accepted mutation of the document.
type AuditEntry struct {
	At         time.Time `json:"at"`
	RunID      string    `json:"run_id,omitempty"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Action     string    `json:"action"`
	Note       string    `json:"note,omitempty"`
}

// maxAuditEntries bounds the trail so the document stays small.
const maxAuditEntries = 500

// SchemaVersion identifies the current document layout.
const SchemaVersion = 1

// Snapshot is the full metadata document as stored at the fixed key.
type Snapshot struct {
	SchemaVersion int                  `json:"schema_version"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Artifacts     map[string]*Artifact `json:"artifacts"`
	Audit         []AuditEntry         `json:"audit,omitempty"`
}

// NewSnapshot returns an empty document at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Artifacts:     make(map[string]*Artifact),
	}
}

// Get returns the record for id.
func (s *Snapshot) Get(id string) (*Artifact, bool) {
	a, ok := s.Artifacts[id]
	return a, ok
}

// Put inserts or replaces a record.
func (s *Snapshot) Put(a *Artifact) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]*Artifact)
	}
	s.Artifacts[a.ID] = a
}

// RecordAudit appends an audit entry, trimming the trail to its bound.
func (s *Snapshot) RecordAudit(runID, artifactID, action, note string) {
	s.Audit = append(s.Audit, AuditEntry{
		At:         time.Now().UTC(),
		RunID:      runID,
		ArtifactID: artifactID,
		Action:     action,
		Note:       note,
	})
	if len(s.Audit) > maxAuditEntries {
		s.Audit = s.Audit[len(s.Audit)-maxAuditEntries:]
	}
}

// Clone returns a deep copy of the document.
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{
		SchemaVersion: s.SchemaVersion,
		UpdatedAt:     s.UpdatedAt,
		Artifacts:     make(map[string]*Artifact, len(s.Artifacts)),
	}
	for id, a := range s.Artifacts {
		clone.Artifacts[id] = a.Clone()
	}
	if len(s.Audit) > 0 {
		clone.Audit = append([]AuditEntry(nil), s.Audit...)
	}
	return clone
}

// Sorted returns all records ordered by platform, then version, then build.
func (s *Snapshot) Sorted() []*Artifact {
	out := make([]*Artifact, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Build < out[j].Build
	})
	return out
}

// Stats summarizes the document for reporting.
type Stats struct {
	Total          int
	ByPlatform     map[string]int
	ByStatus       map[Status]int
	BySymbolStatus map[SymbolStatus]int
	// Matrix counts records per platform and status.
	Matrix map[string]map[Status]int
}

// Stats computes summary counts over all records.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		ByPlatform:     make(map[string]int),
		ByStatus:       make(map[Status]int),
		BySymbolStatus: make(map[SymbolStatus]int),
		Matrix:         make(map[string]map[Status]int),
	}
	for _, a := range s.Artifacts {
		st.Total++
		st.ByPlatform[a.Platform]++
		st.ByStatus[a.Status]++
		st.BySymbolStatus[a.SymbolStatus]++
		row, ok := st.Matrix[a.Platform]
		if !ok {
			row = make(map[Status]int)
			st.Matrix[a.Platform] = row
		}
		row[a.Status]++
	}
	return st
}
