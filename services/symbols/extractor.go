// Package symbols extracts debug-symbol objects from mirrored payloads and
// republishes them, content-deduplicated and signed, for symbolication
// tooling.
package symbols

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoDebugObjects is returned when a payload unpacks cleanly but contains
// nothing to symbolicate. Callers record such artifacts as not applicable
// rather than failed.
var ErrNoDebugObjects = errors.New("payload contains no debug objects")

// DebugObject is one extracted per-architecture symbol file, still on local
// disk, keyed by its debug id.
type DebugObject struct {
	// DebugID is the normalized (lowercase, no dashes) identifier debuggers
	// use to look the object up.
	DebugID string
	// Name is the object file name within the debug-id directory.
	Name string
	// Arch is the CPU architecture when the unpacking tool reports one.
	Arch string
	// Path points at the extracted file on local disk.
	Path string
	Size int64
}

// Extractor unpacks a payload into debug objects. Implementations wrap the
// external image-unpacking utility; they never touch the object store.
type Extractor interface {
	Extract(ctx context.Context, payloadPath, workDir string) ([]DebugObject, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, payloadPath, workDir string) ([]DebugObject, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, payloadPath, workDir string) ([]DebugObject, error) {
	return f(ctx, payloadPath, workDir)
}

// ToolExtractor runs an external unpacking command. The tool is invoked as
//
//	<command> [extra args...] -o <output dir> <payload>
//
// and is expected to write objects as <output>/<id[:2]>/<id[2:]>/<name>,
// optionally with a sibling "meta" JSON file describing name and arch.
type ToolExtractor struct {
	command string
	args    []string
}

// NewToolExtractor builds an extractor around the given command.
func NewToolExtractor(command string, extraArgs ...string) (*ToolExtractor, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("extractor command is required")
	}
	return &ToolExtractor{command: command, args: extraArgs}, nil
}

// Extract runs the tool against payloadPath and scans its output tree.
func (t *ToolExtractor) Extract(ctx context.Context, payloadPath, workDir string) ([]DebugObject, error) {
	if t == nil {
		return nil, errors.New("nil extractor")
	}
	outDir := filepath.Join(workDir, "symbols-out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extractor output dir: %w", err)
	}

	args := append(append([]string(nil), t.args...), "-o", outDir, payloadPath)
	cmd := exec.CommandContext(ctx, t.command, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w: %s", t.command, err, tail(output.String(), 512))
	}

	objects, err := ScanObjectTree(outDir)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, ErrNoDebugObjects
	}
	return objects, nil
}

// objectMeta is the optional sidecar the unpacking tool writes next to each
// object.
type objectMeta struct {
	Arch string `json:"arch"`
}

// ScanObjectTree walks an extractor output directory and collects debug
// objects. Layout: <root>/<id prefix>/<id rest>/<object>, with optional
// "meta" sidecars and a "bundles" directory that is skipped.
func ScanObjectTree(root string) ([]DebugObject, error) {
	metas := make(map[string]objectMeta)
	var objects []DebugObject

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "bundles" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		debugID, err := NormalizeDebugID(parts[0] + parts[1])
		if err != nil {
			return nil
		}

		if parts[2] == "meta" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %q: %w", rel, err)
			}
			var m objectMeta
			if err := json.Unmarshal(data, &m); err == nil {
				metas[debugID] = m
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", rel, err)
		}
		objects = append(objects, DebugObject{
			DebugID: debugID,
			Name:    parts[2],
			Path:    path,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range objects {
		if m, ok := metas[objects[i].DebugID]; ok && m.Arch != "" {
			objects[i].Arch = m.Arch
		}
	}
	return objects, nil
}

// NormalizeDebugID lowercases a debug id and strips dashes.
func NormalizeDebugID(id string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
	if len(normalized) < 3 {
		return "", fmt.Errorf("debug id %q too short", id)
	}
	for _, r := range normalized {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("debug id %q is not hex", id)
		}
	}
	return normalized, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
