package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/tianshu/internal/apperr"
	"github.com/swarmguard/tianshu/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkTask(id string, priority int) *task.Task {
	return &task.Task{ID: id, UserID: "u1", Priority: priority, MaxRetries: 2}
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := mkTask("low", 1)
	if err := s.CreateTask(ctx, low); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(time.Millisecond)
	high := mkTask("high", 9)
	if err := s.CreateTask(ctx, high); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := s.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "high" {
		t.Fatalf("expected highest-priority task claimed first, got %+v", claimed)
	}
	if claimed.Status != task.StatusClaimed || claimed.WorkerID != "worker-1" {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}
}

func TestClaimNextIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateTask(ctx, mkTask("only", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := s.ClaimNext(ctx, "w1")
	if err != nil || first == nil {
		t.Fatalf("expected first claim to succeed: %v", err)
	}
	second, err := s.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no second task to claim, got %+v", second)
	}
}

func TestFailRequeuesUntilMaxRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mkTask("flaky", 1)
	tk.MaxRetries = 1
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, _ := s.ClaimNext(ctx, "w1")
	if err := s.Fail(ctx, claimed.ID, "boom", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := s.GetTask(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected requeued task with retry_count=1, got %+v", got)
	}

	claimed2, _ := s.ClaimNext(ctx, "w1")
	if err := s.Fail(ctx, claimed2.ID, "boom again", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got2, _ := s.GetTask(ctx, "flaky")
	if got2.Status != task.StatusFailed {
		t.Fatalf("expected task permanently failed after exhausting retries, got %+v", got2)
	}
}

func TestFailIsTerminalImmediatelyWhenNotRetryable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mkTask("doomed", 1)
	tk.MaxRetries = 5
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, _ := s.ClaimNext(ctx, "w1")
	if err := s.Fail(ctx, claimed.ID, "engine permanent error", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := s.GetTask(ctx, "doomed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected non-retryable failure to be terminal despite retries remaining, got %+v", got)
	}
	if got.RetryCount != 0 {
		t.Fatalf("expected retry_count untouched for permanent failure, got %d", got.RetryCount)
	}
}

func TestResetStaleTasksPreservesRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mkTask("stuck", 1)
	tk.RetryCount = 1
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.ResetStaleTasks(ctx, -time.Second) // everything claimed "before now" counts stale
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task reset, got %d", n)
	}
	got, _ := s.GetTask(ctx, "stuck")
	if got.Status != task.StatusPending {
		t.Fatalf("expected task back to pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("stale reset must not touch retry_count, got %d", got.RetryCount)
	}
}

func TestCancelOnlyAllowedWhilePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mkTask("c1", 1)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Cancel(ctx, "c1", "u1"); err != nil {
		t.Fatalf("cancel pending task should succeed: %v", err)
	}

	tk2 := mkTask("c2", 1)
	if err := s.CreateTask(ctx, tk2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := s.Cancel(ctx, "c2", "u1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict cancelling a claimed task, got %v", err)
	}
}

func TestCleanupOldTaskRecordsRemovesFilesystemArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	uploadPath := filepath.Join(dir, "upload.pdf")
	outputDir := filepath.Join(dir, "out", "done")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	if err := os.WriteFile(uploadPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "result.md"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write result: %v", err)
	}

	tk := mkTask("done", 1)
	tk.InputPath = uploadPath
	tk.OutputDir = outputDir
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Complete(ctx, "done", &task.Result{TaskID: "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// backdate UpdatedAt directly in bbolt isn't exposed; use a zero
	// retention window instead so "now" always qualifies as past cutoff.
	n, err := s.CleanupOldTaskRecords(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record cleaned up, got %d", n)
	}
	if _, err := os.Stat(uploadPath); !os.IsNotExist(err) {
		t.Fatalf("expected upload file removed, stat err: %v", err)
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatalf("expected output dir removed, stat err: %v", err)
	}
	if _, err := s.GetTask(ctx, "done"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected task row gone, got %v", err)
	}
}

func TestCleanupOldTaskRecordsToleratesMissingFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mkTask("nofiles", 1)
	tk.InputPath = "/nonexistent/upload.pdf"
	tk.OutputDir = "/nonexistent/output/dir"
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Complete(ctx, "nofiles", &task.Result{TaskID: "nofiles"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := s.CleanupOldTaskRecords(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup should tolerate missing files: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected row deleted despite missing files, got %d", n)
	}
}

func TestCancelRejectsOtherUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateTask(ctx, mkTask("owned", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Cancel(ctx, "owned", "someone-else")
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
