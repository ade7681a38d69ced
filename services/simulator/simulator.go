// Package simulator extracts debug symbols from locally installed
// CoreSimulator runtime caches and publishes them into the symbol tree.
// Simulator runtimes never appear in the vendor catalog, so this path
// works entirely from the local disk and writes no catalog records.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"symmirror/pkg/logger"
	"symmirror/services/symbols"
)

const (
	runtimePrefix   = "com.apple.CoreSimulator.SimRuntime."
	dyldCachePrefix = "dyld_sim_shared_cache_"
)

// DefaultCacheDir returns the per-user location where CoreSimulator keeps
// its dyld caches.
func DefaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Developer", "CoreSimulator", "Caches", "dyld"), nil
}

// Runtime identifies one simulator dyld cache found on disk.
type Runtime struct {
	OSName      string
	OSVersion   string
	Build       string
	HostVersion string
	Arch        string
	CachePath   string
}

// BundleID names the published bundle for this runtime cache.
func (r Runtime) BundleID() string {
	return fmt.Sprintf("simulator_%s_%s_%s_%s", r.HostVersion, r.OSVersion, r.Build, r.Arch)
}

// Discover walks the cache directory and returns one Runtime per dyld
// cache file, ordered by bundle id. The directory layout is
// <root>/<host macOS version>/<runtime name>/dyld_sim_shared_cache_<arch>.
func Discover(ctx context.Context, root string) ([]Runtime, error) {
	hosts, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read cache dir %q: %w", root, err)
	}

	var runtimes []Runtime
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		hostDir := filepath.Join(root, host.Name())
		entries, err := os.ReadDir(hostDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runtimePrefix) {
				continue
			}
			osName, osVersion, build, parseErr := parseRuntimeName(entry.Name())
			if parseErr != nil {
				logger.WarnKV(ctx, "skipping unrecognized runtime directory",
					"name", entry.Name(), "error", parseErr)
				continue
			}
			runtimeDir := filepath.Join(hostDir, entry.Name())
			caches, err := os.ReadDir(runtimeDir)
			if err != nil {
				return nil, err
			}
			for _, cache := range caches {
				name := cache.Name()
				if cache.IsDir() || !strings.HasPrefix(name, dyldCachePrefix) {
					continue
				}
				if filepath.Ext(name) == ".map" {
					continue
				}
				runtimes = append(runtimes, Runtime{
					OSName:      osName,
					OSVersion:   osVersion,
					Build:       build,
					HostVersion: host.Name(),
					Arch:        strings.TrimPrefix(name, dyldCachePrefix),
					CachePath:   filepath.Join(runtimeDir, name),
				})
			}
		}
	}

	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].BundleID() < runtimes[j].BundleID() })
	return runtimes, nil
}

// parseRuntimeName splits a directory name such as
// "com.apple.CoreSimulator.SimRuntime.iOS-17-0.21A328" into its OS name,
// version and build number.
func parseRuntimeName(name string) (osName, osVersion, build string, err error) {
	trimmed := strings.TrimPrefix(name, runtimePrefix)
	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("runtime name %q has no build number", name)
	}
	osParts := strings.Split(parts[0], "-")
	if len(osParts) < 3 {
		return "", "", "", fmt.Errorf("runtime name %q has no version", name)
	}
	return strings.ToLower(osParts[0]), osParts[1] + "." + osParts[2], parts[1], nil
}

// Options tunes one extraction pass.
type Options struct {
	// CacheDir overrides the default CoreSimulator cache location.
	CacheDir string
	// WorkDir is the scratch space root. Defaults to the system temp dir.
	WorkDir string
	// Budget is the wall-clock allowance; the pass stops between caches
	// once it is spent. Zero disables it.
	Budget time.Duration
}

// Report summarizes one extraction pass.
type Report struct {
	Found     int
	Published int
	Skipped   int
	Empty     int
	Failed    int
	Stopped   bool
}

// Run discovers the installed runtime caches and publishes a symbol bundle
// for every cache not yet in the store. Already published bundles are
// skipped, so repeated passes over the same installation are cheap.
func Run(ctx context.Context, extractor symbols.Extractor, publisher *symbols.Publisher, opts Options) (*Report, error) {
	if extractor == nil {
		return nil, errors.New("nil extractor")
	}
	if publisher == nil {
		return nil, errors.New("nil publisher")
	}

	root := opts.CacheDir
	if root == "" {
		var err error
		root, err = DefaultCacheDir()
		if err != nil {
			return nil, err
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	runtimes, err := Discover(ctx, root)
	if err != nil {
		return nil, err
	}
	report := &Report{Found: len(runtimes)}
	logger.InfoKV(ctx, "simulator caches discovered", "root", root, "count", len(runtimes))

	var deadline time.Time
	if opts.Budget > 0 {
		deadline = time.Now().Add(opts.Budget)
	}

	for _, rt := range runtimes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			report.Stopped = true
			logger.WarnKV(ctx, "time budget exhausted, stopping between caches")
			break
		}
		ctx := logger.WithKV(ctx, "bundle", rt.BundleID())

		published, err := publisher.HasBundle(ctx, rt.OSName, rt.BundleID())
		if err != nil {
			return report, err
		}
		if published {
			report.Skipped++
			logger.DebugKV(ctx, "bundle already published")
			continue
		}

		if err := extractCache(ctx, extractor, publisher, rt, workDir); err != nil {
			switch {
			case errors.Is(err, symbols.ErrNoDebugObjects):
				report.Empty++
				logger.InfoKV(ctx, "cache carries no debug objects")
			case ctx.Err() != nil:
				return report, ctx.Err()
			default:
				report.Failed++
				logger.ErrorKV(ctx, "cache not published", "error", err)
			}
			continue
		}
		report.Published++
	}

	logger.InfoKV(ctx, "simulator pass finished",
		"found", report.Found, "published", report.Published,
		"skipped", report.Skipped, "empty", report.Empty, "failed", report.Failed)
	return report, nil
}

func extractCache(ctx context.Context, extractor symbols.Extractor, publisher *symbols.Publisher, rt Runtime, workDir string) error {
	scratch, err := os.MkdirTemp(workDir, "simcache-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	objects, err := extractor.Extract(ctx, rt.CachePath, scratch)
	if err != nil {
		return err
	}
	info := symbols.BundleInfo{
		BundleID:  rt.BundleID(),
		Platform:  rt.OSName,
		OSVersion: rt.OSVersion,
		Build:     rt.Build,
	}
	if _, err := publisher.Publish(ctx, info, objects); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	logger.InfoKV(ctx, "bundle published", "objects", len(objects))
	return nil
}
