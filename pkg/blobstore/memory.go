package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local dry runs. It applies
// the same generation semantics as the S3 backend, including checksum
// enforcement on write.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	gen     uint64
}

type memObject struct {
	data []byte
	info ObjectInfo
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// Read returns the stored body and metadata for key.
func (m *Memory) Read(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := obj.info
	return io.NopCloser(bytes.NewReader(obj.data)), &info, nil
}

// Stat returns metadata for key.
func (m *Memory) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	info := obj.info
	return &info, nil
}

// Write stores the body under key, enforcing generation conditions and the
// declared checksum.
func (m *Memory) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	computed := hex.EncodeToString(digest[:])
	if opts.ContentSHA256 != "" && !strings.EqualFold(opts.ContentSHA256, computed) {
		return nil, fmt.Errorf("checksum mismatch for %q: declared %s computed %s", key, opts.ContentSHA256, computed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.objects[key]
	if opts.IfGenerationMatch != nil {
		switch {
		case *opts.IfGenerationMatch == "" && exists:
			return nil, ErrPreconditionFailed
		case *opts.IfGenerationMatch != "" && !exists:
			return nil, ErrPreconditionFailed
		case *opts.IfGenerationMatch != "" && current.info.Generation != *opts.IfGenerationMatch:
			return nil, ErrPreconditionFailed
		}
	}

	m.gen++
	info := ObjectInfo{
		Key:        key,
		Size:       int64(len(data)),
		Generation: Generation(strconv.FormatUint(m.gen, 10)),
		SHA256:     computed,
		UpdatedAt:  time.Now().UTC(),
	}
	m.objects[key] = memObject{data: data, info: info}
	return &info, nil
}

// List walks stored objects under prefix in key order.
func (m *Memory) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		obj, ok := m.objects[k]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(obj.info); err != nil {
			return err
		}
	}
	return nil
}

// Copy duplicates src to dst with a fresh generation.
func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[src]
	if !ok {
		return ErrNotFound
	}
	m.gen++
	info := obj.info
	info.Key = dst
	info.Generation = Generation(strconv.FormatUint(m.gen, 10))
	info.UpdatedAt = time.Now().UTC()
	m.objects[dst] = memObject{data: append([]byte(nil), obj.data...), info: info}
	return nil
}

// Delete removes key if present.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// PresignGet returns a synthetic URL; useful for exercising URL plumbing in
// tests without a real backend.
func (m *Memory) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("mem://%s?expires=%ds", key, int(ttl.Seconds())), nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
