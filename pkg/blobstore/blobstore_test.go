package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		uri     string
		want    Location
		wantErr bool
	}{
		{
			name: "bucket only",
			uri:  "s3://mirror-bucket",
			want: Location{Scheme: "s3", Bucket: "mirror-bucket"},
		},
		{
			name: "bucket with prefix",
			uri:  "s3://mirror-bucket/prod/apple",
			want: Location{Scheme: "s3", Bucket: "mirror-bucket", Prefix: "prod/apple"},
		},
		{
			name: "trailing slash trimmed",
			uri:  "s3://mirror-bucket/prod/",
			want: Location{Scheme: "s3", Bucket: "mirror-bucket", Prefix: "prod"},
		},
		{
			name: "memory",
			uri:  "mem://",
			want: Location{Scheme: "mem"},
		},
		{
			name:    "missing scheme",
			uri:     "mirror-bucket/prod",
			wantErr: true,
		},
		{
			name:    "missing bucket",
			uri:     "s3://",
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			uri:     "gs://bucket",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLocation(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	ok, err := Exists(ctx, store, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Write(ctx, "present", bytesReader("x"), WriteOptions{})
	require.NoError(t, err)

	ok, err = Exists(ctx, store, "present")
	require.NoError(t, err)
	require.True(t, ok)
}
