// Package engine defines the Worker Runtime's engine abstraction: a
// dependency-injected registry mapping backend tags to Engine
// implementations, backend auto-selection by file-type classification,
// and the image-directory normalization / JSON-result discovery rules
// every engine's output is held to before the API ever reads it.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Result is what an engine invocation hands back to the worker.
type Result struct {
	MarkdownPath string
	JSONPath     string
	ImageDir     string
}

// Engine is the contract every backend (OCR pipeline, audio transcriber,
// office-document converter, ...) implements. Real model runtimes are
// external collaborators; this package ships deterministic reference
// engines that satisfy the same contract for exercising the rest of the
// pipeline.
type Engine interface {
	// Name is the backend tag used in task.Backend and the registry.
	Name() string
	// Accepts reports whether this engine can handle a file with the
	// given extension (lowercase, including the leading dot).
	Accepts(ext string) bool
	// Parse runs the engine over inputPath, writing its output under
	// outputDir, and returns the discovered result paths.
	Parse(ctx context.Context, inputPath, outputDir string, options map[string]any) (*Result, error)
	// Cleanup releases any per-invocation resources (GPU memory, temp
	// state). Called unconditionally after every Parse, success or not.
	Cleanup()
	// DiscoverJSON locates the engine's structured JSON output under
	// resultDir, if any. Engines may override the default heuristic.
	DiscoverJSON(resultDir string) (string, bool)
}

// Registry maps backend tags to Engine instances and implements
// auto-selection by file extension when a task does not request one.
type Registry struct {
	byName map[string]Engine
	order  []string // registration order, used as auto-select priority
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Engine)}
}

// Register adds e under its own name. Later registrations for the same
// name replace earlier ones.
func (r *Registry) Register(e Engine) {
	if _, exists := r.byName[e.Name()]; !exists {
		r.order = append(r.order, e.Name())
	}
	r.byName[e.Name()] = e
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Names lists every registered backend tag, in registration order — the
// same order used as the availability/capability list on
// GET /api/v1/engines.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select auto-picks an engine for filePath when requestedBackend is
// empty, otherwise returns the requested engine if registered. Returns
// an error if no engine claims the extension.
func (r *Registry) Select(requestedBackend, filePath string) (Engine, error) {
	if requestedBackend != "" {
		e, ok := r.byName[requestedBackend]
		if !ok {
			return nil, fmt.Errorf("engine: unknown backend %q", requestedBackend)
		}
		return e, nil
	}
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, name := range r.order {
		if r.byName[name].Accepts(ext) {
			return r.byName[name], nil
		}
	}
	return nil, fmt.Errorf("engine: no backend accepts extension %q", ext)
}

// imageDirAliases are the directory names known engines use for their
// extracted-image output before normalization.
var imageDirAliases = map[string]bool{
	"img": true, "imgs": true, "figures": true, "assets": true,
}

// NormalizeImageDir renames whichever known alias directory an engine
// produced under outputDir to "images/", so the API's Markdown rewriter
// can always assume that name. If "images/" already exists, nothing is
// renamed. Multiple alias candidates present at once is treated as a
// permanent, ambiguous engine error.
func NormalizeImageDir(outputDir string) (string, error) {
	imagesPath := filepath.Join(outputDir, "images")
	if info, err := os.Stat(imagesPath); err == nil && info.IsDir() {
		return imagesPath, nil
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("engine: read output dir %s: %w", outputDir, err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() && imageDirAliases[strings.ToLower(e.Name())] {
			candidates = append(candidates, e.Name())
		}
	}
	switch len(candidates) {
	case 0:
		return "", nil // engine produced no images, not an error
	case 1:
		from := filepath.Join(outputDir, candidates[0])
		if err := os.Rename(from, imagesPath); err != nil {
			return "", fmt.Errorf("engine: normalize image dir: %w", err)
		}
		return imagesPath, nil
	default:
		sort.Strings(candidates)
		return "", fmt.Errorf("engine: ambiguous image output directories %v under %s", candidates, outputDir)
	}
}

// DefaultDiscoverJSON implements the original system's heuristic: walk
// resultDir recursively, skip anything under a "page_N" parent
// directory, and accept files named content.json, result.json, or
// matching *_content_list.json.
func DefaultDiscoverJSON(resultDir string) (string, bool) {
	var found string
	_ = filepath.WalkDir(resultDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		for _, part := range strings.Split(filepath.Dir(path), string(filepath.Separator)) {
			if strings.HasPrefix(part, "page_") {
				return nil
			}
		}
		name := d.Name()
		if name == "content.json" || name == "result.json" || strings.HasSuffix(name, "_content_list.json") {
			found = path
		}
		return nil
	})
	return found, found != ""
}

// DefaultDiscoverMarkdown mirrors the original's Markdown selection:
// prefer a file literally named result.md, otherwise the first .md file
// found in a recursive walk.
func DefaultDiscoverMarkdown(resultDir string) (string, bool) {
	preferred := filepath.Join(resultDir, "result.md")
	if _, err := os.Stat(preferred); err == nil {
		return preferred, true
	}
	var found string
	_ = filepath.WalkDir(resultDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".md") {
			found = path
		}
		return nil
	})
	return found, found != ""
}
