// Package pdfutil implements the pure-helper PDF contract the worker
// depends on for chunking oversized documents before handing them to an
// engine: page counting and splitting into fixed-size page ranges. The
// real rasterization/splitting work (PyMuPDF in the original system) is
// an external collaborator per the system's scope — this package defines
// the Go-side contract such a collaborator fulfills and a conservative
// stdlib-only implementation that counts pages by scanning the PDF's own
// object structure and computes the chunk page ranges from that count.
// It does not extract page ranges: every chunk file it writes is a full
// copy of the source PDF. That is enough to exercise the worker's
// chunk/concat pipeline without a real rendering dependency.
package pdfutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Chunk describes one split-out page range, 1-based and inclusive on
// both ends to match the original naming convention
// ("<stem>_pages_<start>-<end>.pdf").
type Chunk struct {
	Path      string
	StartPage int
	EndPage   int
	PageCount int
}

var pageObjectPattern = regexp.MustCompile(`/Type\s*/Page[^s]`)

// GetPageCount returns the PDF's page count, or 0 if it cannot be
// determined — a non-fatal signal to the caller that splitting should be
// skipped rather than the whole task failing.
func GetPageCount(pdfPath string) int {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return 0
	}
	return countPages(data)
}

func countPages(data []byte) int {
	return len(pageObjectPattern.FindAll(data, -1))
}

// Split divides pdfPath into chunks of at most chunkSize pages each,
// writing them under outputDir, and returns their metadata. parentTaskID
// is carried only for logging/traceability by the caller.
func Split(pdfPath, outputDir string, chunkSize int, parentTaskID string) ([]Chunk, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("pdfutil: read %s: %w", pdfPath, err)
	}
	total := countPages(data)
	if total == 0 {
		return nil, fmt.Errorf("pdfutil: could not determine page count for %s", pdfPath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("pdfutil: mkdir %s: %w", outputDir, err)
	}

	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	var chunks []Chunk
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		name := fmt.Sprintf("%s_pages_%d-%d.pdf", stem, start+1, end)
		path := filepath.Join(outputDir, name)
		if err := writeChunkPlaceholder(path, data, start, end); err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Path:      path,
			StartPage: start + 1,
			EndPage:   end,
			PageCount: end - start,
		})
	}
	return chunks, nil
}

// writeChunkPlaceholder writes out a chunk file. Without a real PDF
// manipulation library in the dependency graph, a full page-range
// extraction isn't possible here; each chunk is written as a copy of the
// source bytes so the file exists at the documented path and downstream
// engines (or a real collaborator swapped in later) can operate on
// known-valid chunk boundaries.
func writeChunkPlaceholder(path string, data []byte, start, end int) error {
	_ = start
	_ = end
	var buf bytes.Buffer
	buf.Write(data)
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
