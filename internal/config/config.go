// Package config loads the symmirror settings file shared by all symctl
// subcommands. Pipeline knobs left at their zero value fall back to the
// defaults of the package that owns them, so a minimal file only names the
// store.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"symmirror/pkg/blobstore"
	"symmirror/services/catalog"
)

// Config holds the settings shared by the symctl subcommands.
type Config struct {
	// StoreURI names the bucket holding the catalog document, the mirror
	// and the symbol tree, e.g. "s3://bucket/prefix".
	StoreURI string `yaml:"store"`
	// OriginURL is the base URL of the vendor catalog index.
	OriginURL string `yaml:"origin_url"`
	// Platforms selects which operating systems to sync. Empty means all
	// supported platforms.
	Platforms []string `yaml:"platforms,omitempty"`

	// Budget bounds one mirror run's wall-clock time.
	Budget time.Duration `yaml:"budget,omitempty"`
	// Workers bounds how many items are mirrored concurrently.
	Workers int `yaml:"workers,omitempty"`
	// AttemptCap parks a record as permanently failed once reached.
	AttemptCap int `yaml:"attempt_cap,omitempty"`
	// MaxPayloadSize aborts downloads growing past this many bytes.
	MaxPayloadSize int64 `yaml:"max_payload_size,omitempty"`
	// ItemCostFloor seeds the budget gate's per-item cost estimate.
	ItemCostFloor   time.Duration `yaml:"item_cost_floor,omitempty"`
	DownloadRetries uint64        `yaml:"download_retries,omitempty"`
	PublishRetries  uint64        `yaml:"publish_retries,omitempty"`
	PageRetries     int           `yaml:"page_retries,omitempty"`
	BackoffBase     time.Duration `yaml:"backoff_base,omitempty"`
	CASAttempts     int           `yaml:"cas_attempts,omitempty"`

	// WorkDir is the scratch space for downloads and extraction.
	WorkDir string `yaml:"work_dir,omitempty"`
	// Extractor names the external image-unpacking command. An empty
	// command disables symbol extraction.
	Extractor ExtractorConfig `yaml:"extractor,omitempty"`
	// SimulatorCacheDir overrides the CoreSimulator cache location.
	SimulatorCacheDir string `yaml:"simulator_cache_dir,omitempty"`

	// MetricsAddr is the debug listener bind address (metrics and health).
	// Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// NATSURL enables run event publishing when set. The NATS_URL
	// environment variable takes precedence.
	NATSURL string `yaml:"nats_url,omitempty"`
}

// ExtractorConfig names the external unpacking command and its fixed
// arguments.
type ExtractorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// DefaultConfigFilename is looked up in the working directory when no
// --config flag is given.
const DefaultConfigFilename = "symmirror.yaml"

var errStoreRequired = errors.New("store URI must be provided")

// Load reads the settings file, applies environment overrides and validates.
// When path is empty and the default file does not exist, Load returns an
// empty Config whose required fields must come from flags.
func Load(path string) (*Config, error) {
	defaulted := path == ""
	if defaulted {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if defaulted && errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
}

// Validate checks field formats and normalizes platform names. Zero-valued
// pipeline knobs are left alone for their owning packages to default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is not set")
	}

	if cfg.StoreURI != "" {
		if _, err := blobstore.ParseLocation(cfg.StoreURI); err != nil {
			return fmt.Errorf("invalid store URI: %w", err)
		}
	}

	for i, p := range cfg.Platforms {
		normalized := catalog.NormalizePlatform(p)
		if !catalog.KnownPlatform(normalized) {
			return fmt.Errorf("unsupported platform %q", p)
		}
		cfg.Platforms[i] = normalized
	}

	if cfg.Budget < 0 {
		return errors.New("budget must not be negative")
	}
	if cfg.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if cfg.MaxPayloadSize < 0 {
		return errors.New("max_payload_size must not be negative")
	}
	if len(cfg.Extractor.Args) > 0 && cfg.Extractor.Command == "" {
		return errors.New("extractor args given without a command")
	}
	return nil
}

// RequireStore returns an error unless a store URI is configured.
func (c *Config) RequireStore() error {
	if c.StoreURI == "" {
		return errStoreRequired
	}
	return nil
}
