package blobstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 implements Store on top of the AWS SDK v2 client. It works against AWS
// proper as well as S3-compatible endpoints (MinIO, SeaweedFS) selected via
// environment variables.
type S3 struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// OpenS3 builds an S3 store for the given location using environment variables.
//
// Optional environment variables:
//   - S3_ENDPOINT: host:port or full URL of an S3-compatible endpoint. Unset
//     means regular AWS endpoint resolution.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials. Unset means the
//     default credential chain.
//   - S3_REGION (default "us-east-1").
//   - S3_DISABLE_TLS (bool; default false) for plain-HTTP endpoints.
//   - S3_FORCE_PATH_STYLE (bool; default true when S3_ENDPOINT is set).
func OpenS3(ctx context.Context, loc Location) (*S3, error) {
	if loc.Bucket == "" {
		return nil, errors.New("s3 store requires a bucket")
	}

	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	forcePathStyle := endpoint != ""
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  loc.Bucket,
		prefix:  loc.Prefix,
	}, nil
}

// Read opens the object at key for streaming.
func (s *S3) Read(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if s == nil {
		return nil, nil, errors.New("nil store")
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	info := &ObjectInfo{
		Key:        key,
		Size:       aws.ToInt64(out.ContentLength),
		Generation: Generation(aws.ToString(out.ETag)),
		SHA256:     out.Metadata["sha256"],
		UpdatedAt:  aws.ToTime(out.LastModified),
	}
	return out.Body, info, nil
}

// Stat fetches object metadata via a HEAD request.
func (s *S3) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &ObjectInfo{
		Key:        key,
		Size:       aws.ToInt64(out.ContentLength),
		Generation: Generation(aws.ToString(out.ETag)),
		SHA256:     out.Metadata["sha256"],
		UpdatedAt:  aws.ToTime(out.LastModified),
	}, nil
}

// Write uploads the body, translating generation conditions to If-Match /
// If-None-Match so racing writers surface ErrPreconditionFailed.
func (s *S3) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) (*ObjectInfo, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.fullKey(key)),
		Body:   body,
	}
	if opts.ContentLength > 0 {
		input.ContentLength = aws.Int64(opts.ContentLength)
	}
	if opts.ContentSHA256 != "" {
		checksum, err := encodeSHA256(opts.ContentSHA256)
		if err != nil {
			return nil, err
		}
		input.ChecksumAlgorithm = s3types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = &checksum
		input.Metadata = map[string]string{"sha256": opts.ContentSHA256}
	}
	if opts.IfGenerationMatch != nil {
		if *opts.IfGenerationMatch == "" {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(string(*opts.IfGenerationMatch))
		}
	}

	out, err := s.api.PutObject(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}
	return &ObjectInfo{
		Key:        key,
		Size:       opts.ContentLength,
		Generation: Generation(aws.ToString(out.ETag)),
		SHA256:     opts.ContentSHA256,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// List walks objects under prefix page by page.
func (s *S3) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	if s == nil {
		return errors.New("nil store")
	}
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError(err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:        s.relKey(aws.ToString(obj.Key)),
				Size:       aws.ToInt64(obj.Size),
				Generation: Generation(aws.ToString(obj.ETag)),
				UpdatedAt:  aws.ToTime(obj.LastModified),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy duplicates src to dst server-side.
func (s *S3) Copy(ctx context.Context, src, dst string) error {
	if s == nil {
		return errors.New("nil store")
	}
	source := url.PathEscape(s.bucket + "/" + s.fullKey(src))
	_, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        aws.String(s.fullKey(dst)),
		CopySource: &source,
	})
	return mapError(err)
}

// Delete removes the object at key.
func (s *S3) Delete(ctx context.Context, key string) error {
	if s == nil {
		return errors.New("nil store")
	}
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.fullKey(key)),
	})
	return mapError(err)
}

// PresignGet returns a time-limited GET URL for the object at key.
func (s *S3) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.fullKey(key)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *S3) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	if key == "" {
		return s.prefix
	}
	return s.prefix + "/" + key
}

func (s *S3) relKey(full string) string {
	if s.prefix == "" {
		return full
	}
	return strings.TrimPrefix(full, s.prefix+"/")
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return ErrNotFound
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			return ErrPreconditionFailed
		}
	}
	return err
}

func encodeSHA256(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("invalid sha256 digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
