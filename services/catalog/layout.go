package catalog

import (
	"fmt"
	"path"
	"strings"
)

// Layout versions for mirrored payload keys. Records remember the version
// their payload was written under so the tree can be migrated incrementally.
//
// Both layouts qualify the key with a fragment of the declared content hash:
// a re-released build lands beside its predecessor instead of overwriting
// it, which keeps symbol lookups for already distributed payloads working.
const (
	// LayoutFlat stores payloads under mirror/<id>/<hash8>/<file>.
	LayoutFlat = 1
	// LayoutHierarchical stores payloads under
	// mirror/<platform>/<version>/<build>/<hash8>/<file>.
	LayoutHierarchical = 2
)

// CurrentLayout is the layout new mirror uploads are written under.
const CurrentLayout = LayoutHierarchical

// MirrorKey returns the object key for a record's payload under the given
// layout version.
func MirrorKey(layout int, a *Artifact) (string, error) {
	if a == nil {
		return "", fmt.Errorf("nil artifact")
	}
	name := a.FileName()
	if name == "" {
		return "", fmt.Errorf("artifact %s has no payload file name", a.ID)
	}
	fragment := strings.ToLower(strings.TrimSpace(a.Hash))
	if len(fragment) < 8 {
		return "", fmt.Errorf("artifact %s has no usable content hash", a.ID)
	}
	fragment = fragment[:8]

	switch layout {
	case LayoutFlat:
		return path.Join("mirror", a.ID, fragment, name), nil
	case LayoutHierarchical:
		return path.Join("mirror", a.Platform, a.Version, a.Build, fragment, name), nil
	default:
		return "", fmt.Errorf("unknown storage layout %d", layout)
	}
}
