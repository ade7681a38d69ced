// Package origin queries the vendor catalog for currently published
// artifacts. It is a pure read seam: nothing here mutates the metadata
// document or the bucket.
package origin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrIndexUnavailable is returned when the catalog cannot be fetched within
// the retry budget. Callers treat it as a systemic failure of the run.
var ErrIndexUnavailable = errors.New("origin index unavailable")

// Descriptor is one catalog entry as published by the origin.
type Descriptor struct {
	Platform      string    `json:"platform"`
	Version       string    `json:"version"`
	Build         string    `json:"build"`
	Kind          string    `json:"kind,omitempty"`
	ReleasedAt    time.Time `json:"released_at"`
	URL           string    `json:"url"`
	Hash          string    `json:"hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	Size          int64     `json:"size"`
}

// ID returns the canonical record id for the descriptor.
func (d Descriptor) ID() string {
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(strings.TrimSpace(d.Platform)), d.Version, d.Build)
}

// Valid reports whether the descriptor carries everything the pipeline needs.
func (d Descriptor) Valid() bool {
	return d.Platform != "" && d.Version != "" && d.Build != "" && d.URL != "" && d.Hash != ""
}

// Index fetches the current origin catalog. Implementations must be safe to
// call repeatedly; a fetch observes one consistent catalog state.
type Index interface {
	FetchCatalog(ctx context.Context, platforms []string) ([]Descriptor, error)
}

// Static is an Index over a fixed descriptor set. Tests and dry runs use it
// in place of a live catalog.
type Static struct {
	Descriptors []Descriptor
	Err         error
}

// FetchCatalog returns the fixed set, filtered by platform when requested.
func (s Static) FetchCatalog(_ context.Context, platforms []string) ([]Descriptor, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if len(platforms) == 0 {
		return append([]Descriptor(nil), s.Descriptors...), nil
	}
	want := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		want[strings.ToLower(strings.TrimSpace(p))] = true
	}
	var out []Descriptor
	for _, d := range s.Descriptors {
		if want[strings.ToLower(d.Platform)] {
			out = append(out, d)
		}
	}
	return out, nil
}

// Fingerprint condenses a descriptor set into a stable digest. Sync runs use
// it to detect catalogs that have not changed since the last reconcile.
func Fingerprint(descriptors []Descriptor) string {
	lines := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		lines = append(lines, d.ID()+"|"+strings.ToLower(d.Hash)+"|"+d.URL)
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
