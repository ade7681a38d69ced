package origin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDescriptor(build string) Descriptor {
	return Descriptor{
		Platform:      "ios",
		Version:       "17.0",
		Build:         build,
		ReleasedAt:    time.Date(2023, 9, 18, 0, 0, 0, 0, time.UTC),
		URL:           "https://updates.example.com/" + build + ".ipsw",
		Hash:          "deadbeef",
		HashAlgorithm: "sha256",
		Size:          1024,
	}
}

func newIndex(t *testing.T, baseURL string) *HTTPIndex {
	t.Helper()
	idx, err := NewHTTPIndex(HTTPIndexConfig{
		BaseURL:     baseURL,
		Client:      &http.Client{Timeout: 5 * time.Second},
		PageRetries: 2,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)
	return idx
}

func TestHTTPIndexPaginates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ios", r.URL.Query().Get("platform"))
		next := 2
		switch r.URL.Query().Get("page") {
		case "1":
			json.NewEncoder(w).Encode(indexPage{Artifacts: []Descriptor{testDescriptor("21A329")}, NextPage: &next})
		case "2":
			json.NewEncoder(w).Encode(indexPage{Artifacts: []Descriptor{testDescriptor("21A331")}})
		default:
			http.Error(w, "unexpected page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	got, err := newIndex(t, srv.URL).FetchCatalog(context.Background(), []string{"ios"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "21A329", got[0].Build)
	require.Equal(t, "21A331", got[1].Build)
}

func TestHTTPIndexRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(indexPage{Artifacts: []Descriptor{testDescriptor("21A329")}})
	}))
	defer srv.Close()

	got, err := newIndex(t, srv.URL).FetchCatalog(context.Background(), []string{"ios"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 2, calls.Load())
}

func TestHTTPIndexUnavailableAfterRetryBudget(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newIndex(t, srv.URL).FetchCatalog(context.Background(), []string{"ios"})
	require.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestHTTPIndexClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such catalog", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newIndex(t, srv.URL).FetchCatalog(context.Background(), []string{"ios"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestHTTPIndexSkipsInvalidEntries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		noHash := testDescriptor("21A400")
		noHash.Hash = ""
		json.NewEncoder(w).Encode(indexPage{Artifacts: []Descriptor{testDescriptor("21A329"), noHash}})
	}))
	defer srv.Close()

	got, err := newIndex(t, srv.URL).FetchCatalog(context.Background(), []string{"ios"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "21A329", got[0].Build)
}
