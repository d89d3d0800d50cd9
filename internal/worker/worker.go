// Package worker implements the Worker Runtime: an HTTP service the
// Scheduler dispatches single-task /predict requests to. It owns engine
// selection, PDF chunking for oversized documents, result concatenation,
// and the memory-hygiene contract (engine.Cleanup() after every run).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/tianshu/internal/engine"
	"github.com/swarmguard/tianshu/internal/otelinit"
	"github.com/swarmguard/tianshu/internal/pdfutil"
)

// PDFChunkSize is the page count above which a PDF is split before
// engine invocation, matching the original system's default.
const PDFChunkSize = 500

// PredictRequest is the scheduler-to-worker dispatch payload.
type PredictRequest struct {
	TaskID    string         `json:"task_id"`
	Backend   string         `json:"backend"`
	InputPath string         `json:"input_path"`
	OutputDir string         `json:"output_dir"`
	Options   map[string]any `json:"options,omitempty"`
}

// PredictResponse is returned to the scheduler after a synchronous run.
type PredictResponse struct {
	Success      bool   `json:"success"`
	MarkdownPath string `json:"markdown_path,omitempty"`
	JSONPath     string `json:"json_path,omitempty"`
	ImageDir     string `json:"image_dir,omitempty"`
	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// Runtime serves /predict, bounding concurrency to the number of device
// slots it was configured with (device-pinned worker pool).
type Runtime struct {
	registry  *engine.Registry
	slots     chan struct{}
	log       *slog.Logger
	engineDur metric.Float64Histogram
}

// New builds a Runtime with maxConcurrent device slots.
func New(registry *engine.Registry, maxConcurrent int, log *slog.Logger, engineDur metric.Float64Histogram) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runtime{
		registry:  registry,
		slots:     make(chan struct{}, maxConcurrent),
		log:       log,
		engineDur: engineDur,
	}
}

// Handler returns the http.Handler exposing /predict and /health.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/predict", r.handlePredict)
	return mux
}

func (r *Runtime) handlePredict(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var preq PredictRequest
	if err := json.NewDecoder(req.Body).Decode(&preq); err != nil {
		writeJSON(w, http.StatusBadRequest, PredictResponse{Error: "invalid request body"})
		return
	}

	select {
	case r.slots <- struct{}{}:
	default:
		// every device slot busy: tell the scheduler to back off and retry
		writeJSON(w, http.StatusServiceUnavailable, PredictResponse{Error: "no worker slots available", Retryable: true})
		return
	}
	defer func() { <-r.slots }()

	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Minute)
	defer cancel()

	resp := r.predict(ctx, preq)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (r *Runtime) predict(ctx context.Context, preq PredictRequest) PredictResponse {
	start := time.Now()
	eng, err := r.registry.Select(preq.Backend, preq.InputPath)
	if err != nil {
		return PredictResponse{Error: err.Error()}
	}
	defer func() {
		eng.Cleanup()
		if r.engineDur != nil {
			r.engineDur.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if strings.EqualFold(filepath.Ext(preq.InputPath), ".pdf") {
		if pages := pdfutil.GetPageCount(preq.InputPath); pages > PDFChunkSize {
			return r.runChunked(ctx, eng, preq, pages)
		}
	}
	return r.runSingle(ctx, eng, preq)
}

func (r *Runtime) runSingle(ctx context.Context, eng engine.Engine, preq PredictRequest) PredictResponse {
	res, err := eng.Parse(ctx, preq.InputPath, preq.OutputDir, preq.Options)
	if err != nil {
		return classifyEngineError(err)
	}
	imgDir, err := engine.NormalizeImageDir(preq.OutputDir)
	if err != nil {
		return PredictResponse{Error: err.Error()}
	}
	if imgDir != "" {
		res.ImageDir = imgDir
	}
	return PredictResponse{Success: true, MarkdownPath: res.MarkdownPath, JSONPath: res.JSONPath, ImageDir: res.ImageDir}
}

// runChunked splits an oversized PDF, parses each chunk, and concatenates
// the per-chunk Markdown in page order, matching the original system's
// chunk-then-concat behavior for documents beyond PDFChunkSize pages.
func (r *Runtime) runChunked(ctx context.Context, eng engine.Engine, preq PredictRequest, totalPages int) PredictResponse {
	chunkDir := filepath.Join(preq.OutputDir, "chunks")
	var chunks []pdfutil.Chunk
	op := func() error {
		var splitErr error
		chunks, splitErr = pdfutil.Split(preq.InputPath, chunkDir, PDFChunkSize, preq.TaskID)
		return splitErr
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return PredictResponse{Error: fmt.Sprintf("split pdf: %v", err)}
	}

	var mdBuilder strings.Builder
	for i, c := range chunks {
		chunkOut := filepath.Join(preq.OutputDir, fmt.Sprintf("chunk_%d", i))
		res, err := eng.Parse(ctx, c.Path, chunkOut, preq.Options)
		if err != nil {
			return classifyEngineError(fmt.Errorf("chunk %d (pages %d-%d): %w", i, c.StartPage, c.EndPage, err))
		}
		data, err := os.ReadFile(res.MarkdownPath)
		if err != nil {
			return PredictResponse{Error: fmt.Sprintf("read chunk markdown: %v", err)}
		}
		if i > 0 {
			mdBuilder.WriteString("\n\n---\n\n")
		}
		mdBuilder.Write(data)
	}

	mdPath := filepath.Join(preq.OutputDir, "result.md")
	if err := os.WriteFile(mdPath, []byte(mdBuilder.String()), 0o644); err != nil {
		return PredictResponse{Error: fmt.Sprintf("write merged markdown: %v", err)}
	}
	imgDir, err := engine.NormalizeImageDir(preq.OutputDir)
	if err != nil {
		return PredictResponse{Error: err.Error()}
	}
	return PredictResponse{Success: true, MarkdownPath: mdPath, ImageDir: imgDir}
}

// classifyEngineError distinguishes transient failures (worth a scheduler
// retry) from permanent engine errors. Without a richer engine-specific
// error taxonomy, context deadline/cancellation is the only condition
// treated as transient; everything else is a permanent engine failure.
func classifyEngineError(err error) PredictResponse {
	retryable := strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "context canceled")
	return PredictResponse{Error: err.Error(), Retryable: retryable}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewTracedHandler wraps h with a span per request, matching the
// teacher's otelinit.WithSpan usage in every HTTP entrypoint.
func NewTracedHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, end := otelinit.WithSpan(req.Context(), "worker."+req.URL.Path)
		defer end()
		h.ServeHTTP(w, req.WithContext(ctx))
	})
}
