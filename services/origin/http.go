package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"symmirror/pkg/logger"
)

const (
	defaultPageRetries = 5
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
	defaultHTTPTimeout = 60 * time.Second
)

// HTTPIndexConfig configures the paginated catalog client. Zero values fall
// back to the package defaults.
type HTTPIndexConfig struct {
	BaseURL     string
	Client      *http.Client
	PageRetries int
	BackoffBase time.Duration
}

// HTTPIndex walks a JSON catalog served as pages of descriptors:
//
//	GET <base>/catalog?platform=<p>&page=<n>
//
// Each page lists artifacts plus the number of the next page, if any.
type HTTPIndex struct {
	base        string
	client      *http.Client
	pageRetries int
	backoffBase time.Duration
}

// NewHTTPIndex builds the client. Outbound requests carry trace propagation.
func NewHTTPIndex(cfg HTTPIndexConfig) (*HTTPIndex, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("origin base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse origin base url: %w", err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	retries := cfg.PageRetries
	if retries <= 0 {
		retries = defaultPageRetries
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}

	return &HTTPIndex{
		base:        base,
		client:      client,
		pageRetries: retries,
		backoffBase: backoff,
	}, nil
}

type indexPage struct {
	Artifacts []Descriptor `json:"artifacts"`
	NextPage  *int         `json:"next_page,omitempty"`
}

// FetchCatalog pulls every page for every requested platform. An empty
// platform list fetches the whole catalog in one paginated walk.
func (h *HTTPIndex) FetchCatalog(ctx context.Context, platforms []string) ([]Descriptor, error) {
	if h == nil {
		return nil, errors.New("nil index")
	}
	if len(platforms) == 0 {
		platforms = []string{""}
	}

	var (
		out     []Descriptor
		skipped int
	)
	for _, platform := range platforms {
		page := 1
		for {
			parsed, err := h.fetchPage(ctx, platform, page)
			if err != nil {
				return nil, err
			}
			for _, d := range parsed.Artifacts {
				if !d.Valid() {
					skipped++
					continue
				}
				out = append(out, d)
			}
			if parsed.NextPage == nil {
				break
			}
			page = *parsed.NextPage
		}
	}
	if skipped > 0 {
		logger.WarnKV(ctx, "skipped invalid catalog entries", "count", skipped)
	}
	return out, nil
}

func (h *HTTPIndex) fetchPage(ctx context.Context, platform string, page int) (*indexPage, error) {
	endpoint := h.base + "/catalog?page=" + strconv.Itoa(page)
	if platform != "" {
		endpoint += "&platform=" + url.QueryEscape(platform)
	}

	backoff := retry.WithCappedDuration(defaultBackoffCap, retry.NewExponential(h.backoffBase))
	backoff = retry.WithMaxRetries(uint64(h.pageRetries), backoff)

	var parsed indexPage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			parsed = indexPage{}
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return retry.RetryableError(fmt.Errorf("decode catalog page: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return retry.RetryableError(fmt.Errorf("catalog returned %s", resp.Status))
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("catalog returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: page %d for %q: %w", ErrIndexUnavailable, page, platform, err)
	}
	return &parsed, nil
}
