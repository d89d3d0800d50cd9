package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/tianshu/internal/apperr"
	"github.com/swarmguard/tianshu/internal/auth"
	"github.com/swarmguard/tianshu/internal/engine"
	"github.com/swarmguard/tianshu/internal/task"
)

// uploadBufferSize matches the original system's streaming-upload
// chunk size to keep a large file from ever fully materializing in
// memory.
const uploadBufferSize = 1 << 20 // 1 MiB

const maxSubmitBodyBytes = 5 << 30 // 5 GiB

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	limiter := s.limiterFor(identity.UserID)
	if !limiter.Allow(r.Context()) {
		writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", fmt.Errorf("rate limit exceeded, try again shortly")))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)
	if err := r.ParseMultipartForm(uploadBufferSize); err != nil {
		writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", fmt.Errorf("missing file field: %w", err)))
		return
	}
	defer file.Close()

	taskID := uuid.New().String()
	storedName := fmt.Sprintf("%s_%s", taskID, filepath.Base(header.Filename))
	uploadDir := filepath.Join(s.resultDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeError(w, apperr.New(apperr.KindStorage, "api.Submit", err))
		return
	}
	storedPath := filepath.Join(uploadDir, storedName)

	if err := streamToFile(file, storedPath); err != nil {
		writeError(w, apperr.New(apperr.KindStorage, "api.Submit", err))
		return
	}

	backend := r.FormValue("backend")
	if backend != "" {
		if _, ok := s.registry.Get(backend); !ok {
			writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", fmt.Errorf("unknown backend %q", backend)))
			return
		}
	}
	priority := 0
	if v := r.FormValue("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 9 {
			writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", fmt.Errorf("priority must be an integer 0-9")))
			return
		}
		priority = p
	}
	maxRetries := 2
	if v := r.FormValue("max_retries"); v != "" {
		mr, err := strconv.Atoi(v)
		if err == nil && mr >= 0 {
			maxRetries = mr
		}
	}

	options := map[string]any{}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			writeError(w, apperr.New(apperr.KindInvalidInput, "api.Submit", fmt.Errorf("options must be a JSON object: %w", err)))
			return
		}
	}

	outputDir := filepath.Join(s.resultDir, taskID)
	t := &task.Task{
		ID:         taskID,
		UserID:     identity.UserID,
		Backend:    backend,
		FileName:   header.Filename,
		InputPath:  storedPath,
		OutputDir:  outputDir,
		Options:    options,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func streamToFile(src io.Reader, dstPath string) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, uploadBufferSize)
	_, err = io.CopyBuffer(f, src, buf)
	return err
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.UserID != identity.UserID && !identity.HasPermission(auth.PermTaskViewAll) {
		writeError(w, apperr.New(apperr.KindForbidden, "api.GetStatus", fmt.Errorf("task not owned by caller")))
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	uploadImages := r.URL.Query().Get("upload_images") == "true"

	resp := map[string]any{"task": t}
	if t.Status != task.StatusCompleted || t.ResultDir == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	data := map[string]any{}
	meta := map[string]any{
		"json_available":  false,
		"images_uploaded": uploadImages,
		"from_cache":      false,
	}

	resultDir := filepath.Dir(t.ResultDir)
	mdPath, hasMD := engine.DefaultDiscoverMarkdown(resultDir)
	if hasMD && (format == "markdown" || format == "both") {
		meta["markdown_file"] = mdPath

		cachePath := filepath.Join(filepath.Dir(mdPath), cacheFileName)
		if uploadImages {
			if cached, err := os.ReadFile(cachePath); err == nil {
				data["markdown"] = string(cached)
				meta["from_cache"] = true
			} else if s.objStore != nil {
				rewritten, rerr := RewriteImagesForObjectStore(r.Context(), s.objStore, mdPath)
				if rerr != nil {
					s.log.Error("image rewrite to object store failed", "task_id", t.ID, "error", rerr)
					raw, _ := os.ReadFile(mdPath)
					data["markdown"] = string(raw)
					meta["images_uploaded"] = false
				} else {
					data["markdown"] = rewritten
				}
			} else {
				raw, _ := os.ReadFile(mdPath)
				data["markdown"] = string(raw)
				meta["images_uploaded"] = false
			}
		} else {
			resultPath, relErr := filepath.Rel(s.resultDir, filepath.Dir(mdPath))
			if relErr != nil {
				resultPath = t.ID
			}
			rewritten, rerr := RewriteImagesLocal(mdPath, resultPath)
			if rerr != nil {
				s.log.Error("local image rewrite failed", "task_id", t.ID, "error", rerr)
				raw, _ := os.ReadFile(mdPath)
				data["markdown"] = string(raw)
			} else {
				data["markdown"] = rewritten
			}
		}
	}

	if format == "json" || format == "both" {
		if jsonPath, ok := engine.DefaultDiscoverJSON(resultDir); ok {
			meta["json_available"] = true
			meta["json_file"] = jsonPath
			if raw, err := os.ReadFile(jsonPath); err == nil {
				var decoded any
				if json.Unmarshal(raw, &decoded) == nil {
					data["json"] = decoded
				} else {
					data["json"] = string(raw)
				}
			}
		}
	}

	resp["data"] = data
	for k, v := range meta {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if err := s.store.Cancel(r.Context(), id, identity.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	var statusFilter *task.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := task.Status(raw)
		statusFilter = &st
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	ownerFilter := identity.UserID
	if identity.HasPermission(auth.PermTaskViewAll) {
		ownerFilter = ""
	}
	tasks, err := s.store.ListTasks(r.Context(), ownerFilter, statusFilter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	if !identity.HasPermission(auth.PermQueueView) {
		writeError(w, apperr.New(apperr.KindForbidden, "api.QueueStats", fmt.Errorf("QUEUE_VIEW permission required")))
		return
	}
	stats, err := s.store.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResetStale(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	if !identity.HasPermission(auth.PermQueueManage) {
		writeError(w, apperr.New(apperr.KindForbidden, "api.ResetStale", fmt.Errorf("QUEUE_MANAGE permission required")))
		return
	}
	timeoutMin := 15
	if v := r.URL.Query().Get("timeout_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutMin = n
		}
	}
	n, err := s.store.ResetStaleTasks(r.Context(), time.Duration(timeoutMin)*time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset_count": n})
}

// handleCleanup runs the retention sweep on demand, removing completed/
// failed/cancelled task rows (and their upload + result artifacts)
// older than ?days=N.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	if !identity.HasPermission(auth.PermQueueManage) {
		writeError(w, apperr.New(apperr.KindForbidden, "api.Cleanup", fmt.Errorf("QUEUE_MANAGE permission required")))
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	n, err := s.store.CleanupOldTaskRecords(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": n})
}

// handleStaticFile serves result files under s.resultDir/<taskID>/...,
// rejecting any request whose cleaned path escapes s.resultDir.
func (s *Server) handleStaticFile(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	rel := r.URL.Path
	for _, prefix := range []string{"/api/v1/files/output/", "/v1/files/output/"} {
		if strings.HasPrefix(rel, prefix) {
			rel = strings.TrimPrefix(rel, prefix)
			break
		}
	}

	parts := strings.SplitN(rel, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, apperr.New(apperr.KindInvalidInput, "api.StaticFile", fmt.Errorf("missing task id in path")))
		return
	}
	taskID := parts[0]
	t, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.UserID != identity.UserID && !identity.HasPermission(auth.PermTaskViewAll) {
		writeError(w, apperr.New(apperr.KindForbidden, "api.StaticFile", fmt.Errorf("task not owned by caller")))
		return
	}

	full := filepath.Join(s.resultDir, rel)
	cleaned := filepath.Clean(full)
	root := filepath.Clean(s.resultDir)
	if !strings.HasPrefix(cleaned, root+string(filepath.Separator)) && cleaned != root {
		writeError(w, apperr.New(apperr.KindFilesystemTraversal, "api.StaticFile", fmt.Errorf("path escapes result directory")))
		return
	}
	http.ServeFile(w, r, cleaned)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindFilesystemTraversal:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
