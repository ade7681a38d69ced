package mirror

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/logger"
	"symmirror/services/catalog"
)

// IntegrityError reports a payload that does not match what the origin
// catalog declared. Payloads that fail this check are never uploaded.
type IntegrityError struct {
	ArtifactID string
	Reason     string
	Declared   string
	Computed   string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity check failed for %s: %s", e.ArtifactID, e.Reason)
	if e.Declared != "" || e.Computed != "" {
		msg += fmt.Sprintf(" (declared %s, computed %s)", e.Declared, e.Computed)
	}
	return msg
}

// transfer is a verified payload sitting in scratch space.
type transfer struct {
	path string
	size int64
	// sha256 of the payload, independent of the declared algorithm. Used as
	// the upload checksum.
	sha256 string
}

// fetchOrigin downloads the payload from the vendor origin into scratch
// space and verifies it. Network trouble is retried with backoff; integrity
// mismatches are final for this attempt.
func (p *Pipeline) fetchOrigin(ctx context.Context, a *catalog.Artifact, scratch string) (*transfer, error) {
	if a.SourceURL == "" {
		return nil, fmt.Errorf("artifact %s has no source url", a.ID)
	}
	if _, err := newDigest(a.HashAlgorithm); err != nil {
		return nil, err
	}
	dst := filepath.Join(scratch, payloadName(a))

	backoff := retry.WithCappedDuration(30*time.Second,
		retry.WithMaxRetries(p.cfg.DownloadRetries, retry.NewExponential(p.cfg.BackoffBase)))

	var out *transfer
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := p.downloadOnce(ctx, a, dst)
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("download %q: %w", a.SourceURL, err)
	}
	return out, nil
}

func (p *Pipeline) downloadOnce(ctx context.Context, a *catalog.Artifact, dst string) (*transfer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.SourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.RetryableError(fmt.Errorf("origin returned %s", resp.Status))
	default:
		return nil, fmt.Errorf("origin returned %s", resp.Status)
	}

	if resp.ContentLength > p.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("payload is %d bytes, over the %d byte ceiling", resp.ContentLength, p.cfg.MaxPayloadSize)
	}
	if a.Size > 0 && resp.ContentLength > 0 && resp.ContentLength != a.Size {
		return nil, &IntegrityError{
			ArtifactID: a.ID,
			Reason:     fmt.Sprintf("origin reports %d bytes, catalog declares %d", resp.ContentLength, a.Size),
		}
	}

	declared, err := newDigest(a.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	sum := sha256.New()

	f, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	n, copyErr := io.Copy(io.MultiWriter(f, declared, sum), io.LimitReader(resp.Body, p.cfg.MaxPayloadSize+1))
	closeErr := f.Close()
	if copyErr != nil {
		return nil, retry.RetryableError(fmt.Errorf("stream payload: %w", copyErr))
	}
	if closeErr != nil {
		return nil, closeErr
	}

	if n > p.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("payload is over the %d byte ceiling", p.cfg.MaxPayloadSize)
	}
	if a.Size > 0 && n != a.Size {
		return nil, &IntegrityError{
			ArtifactID: a.ID,
			Reason:     fmt.Sprintf("received %d bytes, catalog declares %d", n, a.Size),
		}
	}
	if a.Hash != "" {
		got := hex.EncodeToString(declared.Sum(nil))
		if !strings.EqualFold(got, a.Hash) {
			return nil, &IntegrityError{
				ArtifactID: a.ID,
				Reason:     "payload digest mismatch",
				Declared:   strings.ToLower(a.Hash),
				Computed:   got,
			}
		}
	}

	return &transfer{
		path:   dst,
		size:   n,
		sha256: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// uploadPayload writes a verified payload to its mirror key. A key already
// holding the same content is left alone.
func (p *Pipeline) uploadPayload(ctx context.Context, key string, t *transfer) (int64, error) {
	existing, err := p.blob.Stat(ctx, key)
	switch {
	case err == nil:
		if strings.EqualFold(existing.SHA256, t.sha256) {
			logger.DebugKV(ctx, "payload already in mirror", "key", key)
			return 0, nil
		}
	case !errors.Is(err, blobstore.ErrNotFound):
		return 0, err
	}

	f, err := os.Open(t.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	_, err = p.blob.Write(ctx, key, f, blobstore.WriteOptions{
		ContentSHA256: t.sha256,
		ContentLength: t.size,
	})
	if err != nil {
		return 0, err
	}
	return t.size, nil
}

// fetchMirror pulls an already mirrored payload back into scratch space and
// verifies it against the declared digest, so extraction after a restart
// works from bytes as trustworthy as a fresh download.
func (p *Pipeline) fetchMirror(ctx context.Context, a *catalog.Artifact, scratch string) (string, error) {
	rc, _, err := p.blob.Read(ctx, a.StoragePath)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", &IntegrityError{ArtifactID: a.ID, Reason: "mirror object is missing"}
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()

	declared, err := newDigest(a.HashAlgorithm)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(scratch, payloadName(a))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	n, copyErr := io.Copy(io.MultiWriter(f, declared), rc)
	closeErr := f.Close()
	if copyErr != nil {
		return "", fmt.Errorf("read mirror copy: %w", copyErr)
	}
	if closeErr != nil {
		return "", closeErr
	}

	if a.Size > 0 && n != a.Size {
		return "", &IntegrityError{
			ArtifactID: a.ID,
			Reason:     fmt.Sprintf("mirror copy is %d bytes, catalog declares %d", n, a.Size),
		}
	}
	if a.Hash != "" {
		got := hex.EncodeToString(declared.Sum(nil))
		if !strings.EqualFold(got, a.Hash) {
			return "", &IntegrityError{
				ArtifactID: a.ID,
				Reason:     "mirror copy digest mismatch",
				Declared:   strings.ToLower(a.Hash),
				Computed:   got,
			}
		}
	}
	return dst, nil
}

func payloadName(a *catalog.Artifact) string {
	if name := a.FileName(); name != "" {
		return name
	}
	return "payload"
}

func newDigest(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}
