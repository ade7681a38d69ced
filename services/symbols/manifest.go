package symbols

import (
	"time"

	"gopkg.in/yaml.v3"
)

// manifestVersion identifies the bundle manifest layout.
const manifestVersion = "1"

// BundleManifest is the signed index written next to a bundle's objects. It
// lists every debug object the bundle contributed, including ones that were
// already present from earlier bundles.
type BundleManifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	BundleID         string         `yaml:"bundle_id"`
	Platform         string         `yaml:"platform"`
	OSVersion        string         `yaml:"os_version,omitempty"`
	Build            string         `yaml:"build,omitempty"`
	Compression      string         `yaml:"compression,omitempty"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Objects          []BundleObject `yaml:"objects"`
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m BundleManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// BundleObject describes one stored debug object referenced by the bundle.
type BundleObject struct {
	DebugID string `yaml:"debug_id"`
	Name    string `yaml:"name"`
	Arch    string `yaml:"arch,omitempty"`
	// Key is the object's location in the symbol tree.
	Key string `yaml:"key"`
	// Size and SHA256 describe the stored (compressed) object.
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
	// UncompressedSize is the size of the raw debug object.
	UncompressedSize int64 `yaml:"uncompressed_size,omitempty"`
}
