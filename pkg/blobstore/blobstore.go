// Package blobstore provides uniform access to the object store that holds
// mirrored payloads, published symbols and the catalog metadata document.
// Writes can be made conditional on an object generation so that concurrent
// runs detect lost updates instead of silently clobbering each other.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned when a conditional write loses a
	// race: the stored generation no longer matches the expectation, or an
	// if-absent write found the key already present.
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// Generation identifies one committed version of an object. The zero value
// means "object absent"; conditional writes against it only succeed when the
// key does not exist yet.
type Generation string

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key        string
	Size       int64
	Generation Generation
	SHA256     string
	UpdatedAt  time.Time
}

// WriteOptions controls conditional behaviour and checksum metadata of a Write.
type WriteOptions struct {
	// IfGenerationMatch makes the write succeed only while the stored
	// generation still equals this value. A zero Generation requires the
	// key to be absent (create-if-absent).
	IfGenerationMatch *Generation
	// ContentSHA256 is the hex digest of the body. When set it is recorded
	// as checksum metadata and enforced by backends that support it.
	ContentSHA256 string
	// ContentLength must be set for streaming bodies whose size is known.
	ContentLength int64
}

// Store is the only seam through which the pipeline touches an object store.
type Store interface {
	// Read opens the object at key. The caller must close the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	// Stat returns object metadata without fetching the body.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	// Write stores the body at key, honouring the conditions in opts, and
	// returns the info of the committed object.
	Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) (*ObjectInfo, error)
	// List walks all objects under prefix in key order, invoking fn per
	// object. Returning an error from fn stops the walk.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
	// Copy duplicates src to dst server-side where the backend allows it.
	Copy(ctx context.Context, src, dst string) error
	// Delete removes the object at key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// URLSigner is implemented by stores that can mint short-lived fetch URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Exists reports whether key is present in the store.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Location is a parsed store URI such as "s3://bucket/prefix" or "mem://".
type Location struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseLocation splits a store URI into scheme, bucket and optional key prefix.
func ParseLocation(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return Location{}, fmt.Errorf("store uri %q missing scheme", uri)
	}

	loc := Location{Scheme: scheme}
	switch scheme {
	case "mem":
		return loc, nil
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("store uri %q missing bucket", uri)
		}
		loc.Bucket = bucket
		loc.Prefix = strings.Trim(prefix, "/")
		return loc, nil
	default:
		return Location{}, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}

// Open returns a Store for the given URI. S3 stores read their credentials
// and endpoint from the environment.
func Open(ctx context.Context, uri string) (Store, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "mem":
		return NewMemory(), nil
	case "s3":
		return OpenS3(ctx, loc)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", loc.Scheme)
	}
}
