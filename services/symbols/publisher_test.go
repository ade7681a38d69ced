package symbols

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"symmirror/pkg/blobstore"
)

func debugObject(t *testing.T, dir, debugID, content string) DebugObject {
	t.Helper()
	path := filepath.Join(dir, debugID)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return DebugObject{
		DebugID: debugID,
		Name:    "debuginfo",
		Arch:    "arm64e",
		Path:    path,
		Size:    int64(len(content)),
	}
}

func readManifest(t *testing.T, store *blobstore.Memory, key string) BundleManifest {
	t.Helper()
	rc, _, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	var m BundleManifest
	require.NoError(t, yaml.Unmarshal(data, &m))
	return m
}

func TestPublishWritesObjectsAndManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobstore.NewMemory()
	pub := NewPublisher(store, nil)
	dir := t.TempDir()

	objects := []DebugObject{
		debugObject(t, dir, "aabbccddeeff0011", "dyld cache symbols"),
		debugObject(t, dir, "112233445566aabb", "kernel symbols"),
	}

	result, err := pub.Publish(ctx, BundleInfo{
		BundleID:  "17.0_21A329_arm64e",
		Platform:  "iOS",
		OSVersion: "17.0",
		Build:     "21A329",
	}, objects)
	require.NoError(t, err)
	require.Equal(t, 2, result.Uploaded)
	require.Zero(t, result.Deduplicated)
	require.Equal(t, "symbols/ios/bundles/17.0_21A329_arm64e", result.BundleKey)

	// Stored object decompresses back to the original bytes.
	rc, _, err := store.Read(ctx, "symbols/ios/aa/bbccddeeff0011/debuginfo")
	require.NoError(t, err)
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	require.NoError(t, err)
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, "dyld cache symbols", string(raw))

	m := readManifest(t, store, result.BundleKey)
	require.Equal(t, "1", m.Version)
	require.Equal(t, "ios", m.Platform)
	require.Equal(t, "zstd", m.Compression)
	require.Len(t, m.Objects, 2)
	// Manifest order is stable by debug id.
	require.Equal(t, "112233445566aabb", m.Objects[0].DebugID)
	require.Equal(t, "aabbccddeeff0011", m.Objects[1].DebugID)
	require.Empty(t, m.Signature)
}

func TestPublishDeduplicatesAcrossBundles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobstore.NewMemory()
	pub := NewPublisher(store, nil)

	shared := "shared dyld cache"
	first := pubObjects(t, shared)
	result1, err := pub.Publish(ctx, BundleInfo{BundleID: "17.0_21A329_arm64e", Platform: "ios"}, first)
	require.NoError(t, err)
	require.Equal(t, 1, result1.Uploaded)

	// A different artifact carries the identical debug object.
	second := pubObjects(t, shared)
	result2, err := pub.Publish(ctx, BundleInfo{BundleID: "17.0.1_21A340_arm64e", Platform: "ios"}, second)
	require.NoError(t, err)
	require.Zero(t, result2.Uploaded)
	require.Equal(t, 1, result2.Deduplicated)

	// Exactly one stored object, referenced from both manifests.
	m1 := readManifest(t, store, result1.BundleKey)
	m2 := readManifest(t, store, result2.BundleKey)
	require.Equal(t, m1.Objects[0].Key, m2.Objects[0].Key)
	require.Equal(t, m1.Objects[0].SHA256, m2.Objects[0].SHA256)
	require.Equal(t, 3, store.Len(), "one object plus two manifests")
}

// pubObjects builds a fresh on-disk copy of the same logical debug object.
func pubObjects(t *testing.T, content string) []DebugObject {
	t.Helper()
	return []DebugObject{debugObject(t, t.TempDir(), "ffeeddccbbaa9988", content)}
}

func TestRepublishIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobstore.NewMemory()
	pub := NewPublisher(store, nil)

	info := BundleInfo{BundleID: "14.1_23B74_arm64e", Platform: "macos"}

	_, err := pub.Publish(ctx, info, pubObjects(t, "cache"))
	require.NoError(t, err)
	objectsBefore := store.Len()

	result, err := pub.Publish(ctx, info, pubObjects(t, "cache"))
	require.NoError(t, err)
	require.Zero(t, result.Uploaded)
	require.Equal(t, 1, result.Deduplicated)
	require.Equal(t, objectsBefore, store.Len())

	ok, err := pub.HasBundle(ctx, "macos", "14.1_23B74_arm64e")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPublishSignsManifest(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	t.Setenv(envAgeSecretKey, identity.String())
	t.Setenv(envAgePublicKey, "")

	signer, err := NewSignerFromEnv()
	require.NoError(t, err)

	ctx := context.Background()
	store := blobstore.NewMemory()
	pub := NewPublisher(store, signer)

	result, err := pub.Publish(ctx, BundleInfo{BundleID: "17.0_21A329_arm64e", Platform: "ios"}, pubObjects(t, "cache"))
	require.NoError(t, err)

	m := readManifest(t, store, result.BundleKey)
	require.NotEmpty(t, m.Signature)
	require.NotEmpty(t, m.SigningPublicKey)

	payload, err := m.SigningBytes()
	require.NoError(t, err)
	require.NoError(t, signer.Verify(payload, m.Signature, m.SigningPublicKey))
}

func TestPublishRequiresObjects(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(blobstore.NewMemory(), nil)
	_, err := pub.Publish(context.Background(), BundleInfo{BundleID: "x", Platform: "ios"}, nil)
	require.ErrorIs(t, err, ErrNoDebugObjects)
}
