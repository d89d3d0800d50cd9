package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistrySelectByExtension(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPipelineEngine())
	r.Register(NewAudioEngine())
	r.Register(NewOfficeEngine())

	e, err := r.Select("", "report.pdf")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e.Name() != "pipeline" {
		t.Fatalf("expected pipeline engine for .pdf, got %s", e.Name())
	}

	e, err = r.Select("", "memo.mp3")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e.Name() != "audio" {
		t.Fatalf("expected audio engine for .mp3, got %s", e.Name())
	}
}

func TestRegistrySelectUnknownExtension(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPipelineEngine())
	if _, err := r.Select("", "data.xyz"); err == nil {
		t.Fatal("expected error for unrecognized extension")
	}
}

func TestRegistrySelectUnknownBackend(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Select("not-registered", "x.pdf"); err == nil {
		t.Fatal("expected error for unknown requested backend")
	}
}

func TestNormalizeImageDirRenamesAlias(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "figures"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := NormalizeImageDir(dir)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != filepath.Join(dir, "images") {
		t.Fatalf("expected renamed to images/, got %s", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "images")); err != nil {
		t.Fatalf("images dir missing after rename: %v", err)
	}
}

func TestNormalizeImageDirAmbiguous(t *testing.T) {
	dir := t.TempDir()
	_ = os.Mkdir(filepath.Join(dir, "figures"), 0o755)
	_ = os.Mkdir(filepath.Join(dir, "assets"), 0o755)
	if _, err := NormalizeImageDir(dir); err == nil {
		t.Fatal("expected ambiguity error with two alias directories present")
	}
}

func TestNormalizeImageDirNoop(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := NormalizeImageDir(dir)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != filepath.Join(dir, "images") {
		t.Fatalf("expected existing images dir returned untouched, got %s", got)
	}
}

func TestDefaultDiscoverJSONSkipsPageDirs(t *testing.T) {
	dir := t.TempDir()
	_ = os.MkdirAll(filepath.Join(dir, "page_1"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, "page_1", "content.json"), []byte("{}"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "doc_content_list.json"), []byte("{}"), 0o644)

	got, ok := DefaultDiscoverJSON(dir)
	if !ok {
		t.Fatal("expected a JSON file to be discovered")
	}
	if filepath.Base(got) != "doc_content_list.json" {
		t.Fatalf("expected page_N json to be skipped, got %s", got)
	}
}

func TestPipelineEngineParse(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")
	p := NewPipelineEngine()
	res, err := p.Parse(context.Background(), in, out, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := os.Stat(res.MarkdownPath); err != nil {
		t.Fatalf("expected markdown output: %v", err)
	}
}
