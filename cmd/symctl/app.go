package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"symmirror/internal/config"
	"symmirror/pkg/blobstore"
	"symmirror/pkg/bus"
	"symmirror/pkg/logger"
	"symmirror/pkg/telemetry"
	"symmirror/services/catalog"
	"symmirror/services/symbols"
)

// app carries the settings and the infrastructure shared by the
// subcommands. setup runs once from the root command's PersistentPreRunE.
type app struct {
	configPath string
	storeURI   string
	logLevel   string

	cfg      *config.Config
	traceMW  func(http.Handler) http.Handler
	shutdown func(context.Context) error
}

func (a *app) setup(ctx context.Context) error {
	level, ok := logger.ParseLogLevel(a.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}
	logger.SetLevel(level)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storeURI != "" {
		cfg.StoreURI = a.storeURI
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	a.cfg = cfg

	shutdown, middleware, err := telemetry.Init(ctx, "symctl")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	a.traceMW = middleware
	return nil
}

// close flushes buffered telemetry. Safe to call when setup never ran.
func (a *app) close() {
	if a.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown error: %v\n", err)
	}
}

// openStores connects to the bucket and wraps the catalog store over it.
func (a *app) openStores(ctx context.Context) (blobstore.Store, *catalog.Store, error) {
	if err := a.cfg.RequireStore(); err != nil {
		return nil, nil, err
	}
	blob, err := blobstore.Open(ctx, a.cfg.StoreURI)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	store := catalog.NewStore(blob, catalog.StoreConfig{CASAttempts: a.cfg.CASAttempts})
	return blob, store, nil
}

// eventBus connects to NATS when configured. A nil bus drops events.
func (a *app) eventBus() (*bus.Bus, error) {
	if a.cfg.NATSURL == "" {
		return nil, nil
	}
	b, err := bus.New(a.cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	return b, nil
}

// newPublisher builds the symbol publisher, signing manifests when AGE key
// material is present in the environment.
func (a *app) newPublisher(blob blobstore.Store) (*symbols.Publisher, error) {
	signer, err := symbols.NewSignerFromEnv()
	if err != nil {
		return nil, err
	}
	return symbols.NewPublisher(blob, signer), nil
}

// newExtractor builds the configured unpacking tool, or nil when symbol
// extraction is disabled.
func (a *app) newExtractor() (symbols.Extractor, error) {
	if a.cfg.Extractor.Command == "" {
		return nil, nil
	}
	tool, err := symbols.NewToolExtractor(a.cfg.Extractor.Command, a.cfg.Extractor.Args...)
	if err != nil {
		return nil, err
	}
	return tool, nil
}
