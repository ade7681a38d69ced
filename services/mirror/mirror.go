// Package mirror drives the transfer pipeline. For every queued record it
// downloads the payload from the vendor origin, verifies it against the
// declared digest, uploads it into the mirror tree and hands the verified
// payload to the symbol extractor. All record state lands in the metadata
// document through the catalog store, one conditional update per item.
package mirror

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"symmirror/pkg/blobstore"
	"symmirror/pkg/bus"
	"symmirror/pkg/logger"
	"symmirror/services/catalog"
	"symmirror/services/symbols"
)

// Defaults for the pipeline knobs.
const (
	DefaultBudget          = 345 * time.Minute
	DefaultWorkers         = 1
	DefaultAttemptCap      = 3
	DefaultMaxPayloadSize  = 16 << 30
	DefaultItemCostFloor   = 5 * time.Minute
	DefaultDownloadRetries = 5
	DefaultPublishRetries  = 5
	DefaultBackoffBase     = 500 * time.Millisecond
)

// Config tunes one pipeline instance.
type Config struct {
	// Budget is the wall-clock allowance for one run. The gate only fires
	// between items: an item in flight always finishes. Zero disables it.
	Budget time.Duration
	// Workers bounds how many items are processed concurrently.
	Workers int
	// AttemptCap is the number of failed attempts after which a record is
	// parked as permanently failed.
	AttemptCap int
	// MaxPayloadSize aborts any download that grows past this many bytes.
	MaxPayloadSize int64
	// ItemCostFloor seeds the per-item cost estimate the budget gate uses.
	// The estimate rises to the longest item observed during the run.
	ItemCostFloor   time.Duration
	DownloadRetries uint64
	PublishRetries  uint64
	BackoffBase     time.Duration
	// WorkDir is the scratch space root. Defaults to the system temp dir.
	WorkDir       string
	LayoutVersion int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AttemptCap <= 0 {
		c.AttemptCap = DefaultAttemptCap
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.ItemCostFloor <= 0 {
		c.ItemCostFloor = DefaultItemCostFloor
	}
	if c.DownloadRetries == 0 {
		c.DownloadRetries = DefaultDownloadRetries
	}
	if c.PublishRetries == 0 {
		c.PublishRetries = DefaultPublishRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.LayoutVersion == 0 {
		c.LayoutVersion = catalog.CurrentLayout
	}
}

// Deps are the collaborators a Pipeline needs. Extractor and Publisher are
// optional as a pair: without them the pipeline mirrors payloads and leaves
// symbol extraction pending.
type Deps struct {
	Store      *catalog.Store
	Blob       blobstore.Store
	Extractor  symbols.Extractor
	Publisher  *symbols.Publisher
	Events     *bus.Bus
	HTTPClient *http.Client
}

// Pipeline processes a reconcile queue against the mirror bucket.
type Pipeline struct {
	store     *catalog.Store
	blob      blobstore.Store
	extractor symbols.Extractor
	publisher *symbols.Publisher
	events    *bus.Bus
	client    *http.Client
	cfg       Config

	now func() time.Time
}

// New wires a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("nil catalog store")
	}
	if deps.Blob == nil {
		return nil, errors.New("nil blob store")
	}
	if deps.Extractor != nil && deps.Publisher == nil {
		return nil, errors.New("extractor configured without a publisher")
	}
	cfg.applyDefaults()

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Pipeline{
		store:     deps.Store,
		blob:      deps.Blob,
		extractor: deps.Extractor,
		publisher: deps.Publisher,
		events:    deps.Events,
		client:    client,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Report summarizes one run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Queued     int

	Started         int
	Mirrored        int
	Bundles         int
	NotApplicable   int
	Skipped         int
	Failed          int
	Parked          int
	BytesDownloaded int64
	BytesUploaded   int64
	BudgetExhausted bool

	mu sync.Mutex
}

func (r *Report) record(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Run processes the queue in order until it is drained, the context is
// cancelled or the time budget runs out. Budget exhaustion is an expected
// stop and is reported, not returned as an error. Individual item failures
// are recorded on their records; only systemic failures (context, metadata
// store) abort the run.
func (p *Pipeline) Run(ctx context.Context, runID string, queue []*catalog.Artifact) (*Report, error) {
	if p == nil {
		return nil, errors.New("nil pipeline")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	report := &Report{RunID: runID, StartedAt: p.now(), Queued: len(queue)}
	logger.InfoKV(ctx, "mirror run started",
		"run_id", runID, "queued", len(queue), "budget", p.cfg.Budget, "workers", p.cfg.Workers)
	if err := p.events.Publish(ctx, bus.SubjectRunStarted, bus.RunEvent{
		RunID: runID, At: report.StartedAt.UTC(), Queued: len(queue),
	}); err != nil {
		logger.DebugKV(ctx, "run event not published", "error", err)
	}

	var deadline time.Time
	if p.cfg.Budget > 0 {
		deadline = report.StartedAt.Add(p.cfg.Budget)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	cost := newCostEstimate(p.cfg.ItemCostFloor)
	var stopped atomic.Bool

	for _, queued := range queue {
		if stopped.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stopped.Load() || gctx.Err() != nil {
				return nil
			}
			// The gate runs after a worker slot is acquired so it sees the
			// clock as of dispatch, not as of enqueue.
			if !deadline.IsZero() {
				remaining := deadline.Sub(p.now())
				if remaining < cost.next() {
					if stopped.CompareAndSwap(false, true) {
						report.record(func(r *Report) { r.BudgetExhausted = true })
						budgetStops.Inc()
						logger.WarnKV(gctx, "time budget exhausted",
							"run_id", runID, "remaining", remaining, "estimated_item_cost", cost.next())
					}
					return nil
				}
			}
			report.record(func(r *Report) { r.Started++ })
			started := p.now()
			err := p.processItem(gctx, runID, queued, report)
			elapsed := p.now().Sub(started)
			cost.observe(elapsed)
			itemSeconds.Observe(elapsed.Seconds())
			return err
		})
	}

	err := g.Wait()
	report.FinishedAt = p.now()

	logger.InfoKV(ctx, "mirror run finished",
		"run_id", runID,
		"started", report.Started,
		"mirrored", report.Mirrored,
		"bundles", report.Bundles,
		"failed", report.Failed,
		"parked", report.Parked,
		"skipped", report.Skipped,
		"bytes_down", report.BytesDownloaded,
		"bytes_up", report.BytesUploaded,
		"budget_exhausted", report.BudgetExhausted,
		"elapsed", report.FinishedAt.Sub(report.StartedAt))
	if pubErr := p.events.Publish(ctx, bus.SubjectRunFinished, bus.RunEvent{
		RunID:       runID,
		At:          report.FinishedAt.UTC(),
		Queued:      report.Queued,
		Mirrored:    report.Mirrored,
		Failed:      report.Failed + report.Parked,
		BudgetSpent: report.BudgetExhausted,
	}); pubErr != nil {
		logger.DebugKV(ctx, "run event not published", "error", pubErr)
	}

	return report, err
}

// costEstimate predicts the duration of the next item for the budget gate.
// It starts at a configured floor and follows the longest item seen so far,
// so one slow download widens the margin for the rest of the run.
type costEstimate struct {
	mu    sync.Mutex
	floor time.Duration
	max   time.Duration
}

func newCostEstimate(floor time.Duration) *costEstimate {
	return &costEstimate{floor: floor}
}

func (c *costEstimate) next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > c.floor {
		return c.max
	}
	return c.floor
}

func (c *costEstimate) observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > c.max {
		c.max = d
	}
}
