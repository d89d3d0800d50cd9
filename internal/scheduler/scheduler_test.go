package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/tianshu/internal/store"
	"github.com/swarmguard/tianshu/internal/task"
	"github.com/swarmguard/tianshu/internal/worker"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchCompletesOnSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, &task.Task{ID: "t1", UserID: "u1", Priority: 1, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(worker.PredictResponse{Success: true, MarkdownPath: "/tmp/out/result.md"})
	}))
	defer srv.Close()

	w := &WorkerEndpoint{ID: "w1", URL: srv.URL, Capacity: 1}
	sched := New(st, []*WorkerEndpoint{w}, Config{PollInterval: 10 * time.Millisecond}, slog.Default(), nil, nil)

	claimed := w.tryReserve()
	if !claimed {
		t.Fatal("expected reservation to succeed")
	}
	tk, err := st.ClaimNext(ctx, w.ID)
	if err != nil || tk == nil {
		t.Fatalf("claim: %v", err)
	}
	sched.wg.Add(1)
	sched.dispatch(ctx, w, tk)

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestDispatchFailsPermanently(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, &task.Task{ID: "t2", UserID: "u1", Priority: 1, MaxRetries: 0}); err != nil {
		t.Fatalf("create: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(worker.PredictResponse{Success: false, Error: "engine blew up", Retryable: false})
	}))
	defer srv.Close()

	w := &WorkerEndpoint{ID: "w1", URL: srv.URL, Capacity: 1}
	sched := New(st, []*WorkerEndpoint{w}, Config{PollInterval: 10 * time.Millisecond}, slog.Default(), nil, nil)

	w.tryReserve()
	tk, _ := st.ClaimNext(ctx, w.ID)
	sched.wg.Add(1)
	sched.dispatch(ctx, w, tk)

	got, _ := st.GetTask(ctx, "t2")
	if got.Status != task.StatusFailed {
		t.Fatalf("expected permanently failed, got %s", got.Status)
	}
}

func TestDispatchRequeuesRetryableFailureWhileBudgetRemains(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, &task.Task{ID: "t3", UserID: "u1", Priority: 1, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(worker.PredictResponse{Success: false, Error: "worker overloaded", Retryable: true})
	}))
	defer srv.Close()

	w := &WorkerEndpoint{ID: "w1", URL: srv.URL, Capacity: 1}
	sched := New(st, []*WorkerEndpoint{w}, Config{PollInterval: 10 * time.Millisecond}, slog.Default(), nil, nil)

	w.tryReserve()
	tk, _ := st.ClaimNext(ctx, w.ID)
	sched.wg.Add(1)
	sched.dispatch(ctx, w, tk)

	got, _ := st.GetTask(ctx, "t3")
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected requeued retryable failure, got %+v", got)
	}
}

func TestPickWorkerRespectsCapacity(t *testing.T) {
	w := &WorkerEndpoint{ID: "w1", Capacity: 1}
	sched := &Scheduler{workers: []*WorkerEndpoint{w}}
	if sched.pickWorker() == nil {
		t.Fatal("expected a worker with free capacity")
	}
	if sched.pickWorker() != nil {
		t.Fatal("expected no worker available once capacity exhausted")
	}
	w.release()
	if sched.pickWorker() == nil {
		t.Fatal("expected worker available again after release")
	}
}
