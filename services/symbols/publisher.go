package symbols

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/logger"
)

const (
	symbolTreePrefix = "symbols"
	compressionName  = "zstd"
)

// ObjectKey returns the location of a debug object in the symbol tree.
func ObjectKey(platform, debugID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", symbolTreePrefix, platform, debugID[:2], debugID[2:], name)
}

// BundleKey returns the location of a bundle manifest in the symbol tree.
func BundleKey(platform, bundleID string) string {
	return fmt.Sprintf("%s/%s/bundles/%s", symbolTreePrefix, platform, bundleID)
}

// BundleInfo identifies the bundle a set of debug objects belongs to.
type BundleInfo struct {
	BundleID  string
	Platform  string
	OSVersion string
	Build     string
}

// PublishResult reports what one Publish call moved.
type PublishResult struct {
	BundleKey     string
	Uploaded      int
	Deduplicated  int
	BytesUploaded int64
	Objects       []BundleObject
}

// Publisher writes debug objects and bundle manifests into the symbol tree.
// Objects are deduplicated by existence: a debug id already published by an
// earlier bundle is referenced, never uploaded again.
type Publisher struct {
	blob   blobstore.Store
	signer *Signer
}

// NewPublisher wires a Publisher. A nil signer publishes unsigned manifests.
func NewPublisher(blob blobstore.Store, signer *Signer) *Publisher {
	return &Publisher{blob: blob, signer: signer}
}

// HasBundle reports whether the bundle manifest is already published.
func (p *Publisher) HasBundle(ctx context.Context, platform, bundleID string) (bool, error) {
	if p == nil {
		return false, errors.New("nil publisher")
	}
	return blobstore.Exists(ctx, p.blob, BundleKey(strings.ToLower(platform), bundleID))
}

// Publish uploads the given objects (zstd-compressed, skipping ones already
// stored) and writes the bundle manifest last. Safe to re-run: completed
// uploads turn into dedup hits.
func (p *Publisher) Publish(ctx context.Context, info BundleInfo, objects []DebugObject) (*PublishResult, error) {
	if p == nil {
		return nil, errors.New("nil publisher")
	}
	if info.BundleID == "" || info.Platform == "" {
		return nil, errors.New("bundle id and platform are required")
	}
	if len(objects) == 0 {
		return nil, ErrNoDebugObjects
	}

	platform := strings.ToLower(strings.TrimSpace(info.Platform))
	result := &PublishResult{BundleKey: BundleKey(platform, info.BundleID)}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		debugID, err := NormalizeDebugID(obj.DebugID)
		if err != nil {
			return nil, err
		}
		name := obj.Name
		if name == "" {
			name = "debuginfo"
		}
		key := ObjectKey(platform, debugID, name)

		entry := BundleObject{
			DebugID:          debugID,
			Name:             name,
			Arch:             obj.Arch,
			Key:              key,
			UncompressedSize: obj.Size,
		}

		existing, err := p.blob.Stat(ctx, key)
		switch {
		case err == nil:
			entry.Size = existing.Size
			entry.SHA256 = existing.SHA256
			result.Deduplicated++
			logger.DebugKV(ctx, "debug object already published", "key", key)
		case errors.Is(err, blobstore.ErrNotFound):
			size, sum, err := p.uploadCompressed(ctx, key, obj.Path)
			if err != nil {
				return nil, fmt.Errorf("upload debug object %s: %w", debugID, err)
			}
			entry.Size = size
			entry.SHA256 = sum
			result.Uploaded++
			result.BytesUploaded += size
		default:
			return nil, fmt.Errorf("stat debug object %s: %w", debugID, err)
		}

		result.Objects = append(result.Objects, entry)
	}

	sort.Slice(result.Objects, func(i, j int) bool {
		if result.Objects[i].DebugID != result.Objects[j].DebugID {
			return result.Objects[i].DebugID < result.Objects[j].DebugID
		}
		return result.Objects[i].Name < result.Objects[j].Name
	})

	manifest := BundleManifest{
		Version:     manifestVersion,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		BundleID:    info.BundleID,
		Platform:    platform,
		OSVersion:   info.OSVersion,
		Build:       info.Build,
		Compression: compressionName,
		Objects:     result.Objects,
	}
	if p.signer != nil {
		manifest.Signer = p.signer.Recipient()
		manifest.SigningPublicKey = p.signer.PublicKeyBase64()

		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for signing: %w", err)
		}
		sig, err := p.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	digest := sha256.Sum256(data)
	if _, err := p.blob.Write(ctx, result.BundleKey, bytes.NewReader(data), blobstore.WriteOptions{
		ContentSHA256: hex.EncodeToString(digest[:]),
		ContentLength: int64(len(data)),
	}); err != nil {
		return nil, fmt.Errorf("write bundle manifest: %w", err)
	}

	return result, nil
}

// uploadCompressed zstd-compresses the file at path into a temp file and
// uploads it with checksum metadata.
func (p *Publisher) uploadCompressed(ctx context.Context, key, path string) (int64, string, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", path, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".compress-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	encoder, err := zstd.NewWriter(io.MultiWriter(tmp, hash))
	if err != nil {
		return 0, "", fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(encoder, src); err != nil {
		encoder.Close()
		return 0, "", fmt.Errorf("compress %q: %w", path, err)
	}
	if err := encoder.Close(); err != nil {
		return 0, "", fmt.Errorf("flush compressed object: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, "", err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if _, err := p.blob.Write(ctx, key, tmp, blobstore.WriteOptions{
		ContentSHA256: sum,
		ContentLength: size,
	}); err != nil {
		return 0, "", err
	}
	return size, sum, nil
}
