package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PipelineEngine stands in for a document/image OCR+layout pipeline
// (the original system's PaddleOCR-VL-VLLM engine). It is a singleton
// per process, matching the original's lazy-loaded, lock-guarded model
// instance, and always runs Cleanup() after Parse regardless of outcome.
type PipelineEngine struct {
	mu          sync.Mutex
	loaded      bool
	extractText func(inputPath string) (string, error) // overridable for tests
}

// NewPipelineEngine constructs the document/image reference engine.
func NewPipelineEngine() *PipelineEngine {
	return &PipelineEngine{extractText: defaultExtract}
}

func (p *PipelineEngine) Name() string { return "pipeline" }

func (p *PipelineEngine) Accepts(ext string) bool {
	switch ext {
	case ".pdf", ".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif":
		return true
	default:
		return false
	}
}

func (p *PipelineEngine) load() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
}

func (p *PipelineEngine) Parse(ctx context.Context, inputPath, outputDir string, options map[string]any) (*Result, error) {
	p.load()
	defer p.Cleanup()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: mkdir %s: %w", outputDir, err)
	}
	text, err := p.extractText(inputPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse %s: %w", inputPath, err)
	}

	mdPath := filepath.Join(outputDir, "result.md")
	if err := os.WriteFile(mdPath, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write markdown: %w", err)
	}
	jsonPath := filepath.Join(outputDir, "result.json")
	if err := os.WriteFile(jsonPath, []byte(fmt.Sprintf(`{"source":%q,"chars":%d}`, filepath.Base(inputPath), len(text))), 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write json: %w", err)
	}

	imgDir, err := NormalizeImageDir(outputDir)
	if err != nil {
		return nil, err
	}
	return &Result{MarkdownPath: mdPath, JSONPath: jsonPath, ImageDir: imgDir}, nil
}

func (p *PipelineEngine) Cleanup() {
	// no GPU memory to release for the reference implementation; real
	// engines clear their inference cache here (see original Python
	// engine's cleanup()).
}

func (p *PipelineEngine) DiscoverJSON(resultDir string) (string, bool) {
	return DefaultDiscoverJSON(resultDir)
}

func defaultExtract(inputPath string) (string, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("# %s\n\n%d bytes processed\n", filepath.Base(inputPath), len(data)), nil
}

// AudioEngine stands in for a speech-to-text backend (the original
// system's SenseVoice engine).
type AudioEngine struct{}

func NewAudioEngine() *AudioEngine { return &AudioEngine{} }

func (a *AudioEngine) Name() string { return "audio" }

func (a *AudioEngine) Accepts(ext string) bool {
	switch ext {
	case ".mp3", ".wav", ".m4a", ".flac":
		return true
	default:
		return false
	}
}

func (a *AudioEngine) Parse(ctx context.Context, inputPath, outputDir string, options map[string]any) (*Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	mdPath := filepath.Join(outputDir, "result.md")
	content := fmt.Sprintf("# Transcript: %s\n\n(reference transcription placeholder)\n", filepath.Base(inputPath))
	if err := os.WriteFile(mdPath, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return &Result{MarkdownPath: mdPath}, nil
}

func (a *AudioEngine) Cleanup() {}

func (a *AudioEngine) DiscoverJSON(resultDir string) (string, bool) {
	return DefaultDiscoverJSON(resultDir)
}

// OfficeEngine stands in for an office-document-to-Markdown converter
// (the original system's MarkItDown-backed engine).
type OfficeEngine struct{}

func NewOfficeEngine() *OfficeEngine { return &OfficeEngine{} }

func (o *OfficeEngine) Name() string { return "office" }

func (o *OfficeEngine) Accepts(ext string) bool {
	switch ext {
	case ".docx", ".pptx", ".xlsx", ".html", ".txt":
		return true
	default:
		return false
	}
}

func (o *OfficeEngine) Parse(ctx context.Context, inputPath, outputDir string, options map[string]any) (*Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	mdPath := filepath.Join(outputDir, "result.md")
	body := string(data)
	if !strings.HasPrefix(strings.ToLower(filepath.Ext(inputPath)), ".txt") {
		body = fmt.Sprintf("(converted %d bytes from %s)", len(data), filepath.Base(inputPath))
	}
	if err := os.WriteFile(mdPath, []byte(body), 0o644); err != nil {
		return nil, err
	}
	return &Result{MarkdownPath: mdPath}, nil
}

func (o *OfficeEngine) Cleanup() {}

func (o *OfficeEngine) DiscoverJSON(resultDir string) (string, bool) {
	return DefaultDiscoverJSON(resultDir)
}
