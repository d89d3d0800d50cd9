// Package store implements the durable priority task queue on top of an
// embedded bbolt database, generalizing the teacher's WorkflowStore
// (services/orchestrator/persistence.go) from workflow definitions to
// tasks: a primary bucket keyed by id, plus derived index buckets kept
// consistent inside the same transaction as every mutation.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/tianshu/internal/apperr"
	"github.com/swarmguard/tianshu/internal/task"
)

var (
	bucketTasks       = []byte("tasks")
	bucketPendingIdx  = []byte("idx_pending") // priority-ordered claim queue
	bucketUserIdx     = []byte("idx_user")    // per-user listing
	bucketClaimedIdx  = []byte("idx_claimed") // claimed/running, for stale sweep
)

// Store is the Task Store: a bbolt-backed queue with a small read cache,
// mirroring the teacher's cache-over-bbolt pattern.
type Store struct {
	db *bbolt.DB

	mu    sync.RWMutex
	cache map[string]*task.Task

	claimLatency metric.Float64Histogram
}

// Option configures optional instrumentation.
type Option func(*Store)

// WithClaimLatencyHistogram records claim_next latency.
func WithClaimLatencyHistogram(h metric.Float64Histogram) Option {
	return func(s *Store) { s.claimLatency = h }
}

// Open creates or reopens the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "store.Open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketPendingIdx, bucketUserIdx, bucketClaimedIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, apperr.New(apperr.KindStorage, "store.Open", err)
	}
	s := &Store{db: db, cache: make(map[string]*task.Task)}
	for _, o := range opts {
		o(s)
	}
	if err := s.warmCache(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping probes the underlying bbolt database with a no-op read
// transaction, the way the health endpoint confirms the store is
// actually live rather than just trusting the process is up.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip corrupt entries rather than fail startup
			}
			s.cache[t.ID] = &t
			return nil
		})
	})
}

// pendingKey orders pending tasks by descending priority then ascending
// created_at, so a bbolt forward cursor yields the right task first.
// bbolt keys sort lexicographically as bytes, so priority is inverted
// into an unsigned range and created_at is a raw big-endian unix nano.
func pendingKey(priority int, createdAt time.Time, id string) []byte {
	inv := uint32(^int32(priority)) ^ 0x80000000
	key := make([]byte, 4+8+len(id))
	binary.BigEndian.PutUint32(key[0:4], inv)
	binary.BigEndian.PutUint64(key[4:12], uint64(createdAt.UnixNano()))
	copy(key[12:], id)
	return key
}

func userKey(userID string, createdAt time.Time, id string) []byte {
	key := fmt.Sprintf("%s\x00%020d\x00%s", userID, createdAt.UnixNano(), id)
	return []byte(key)
}

func claimedKey(claimedAt time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[0:8], uint64(claimedAt.UnixNano()))
	copy(key[8:], id)
	return key
}

func (s *Store) putTaskTx(tx *bbolt.Tx, t *task.Task) error {
	b := tx.Bucket(bucketTasks)
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.ID), data)
}

// CreateTask inserts a new pending task and indexes it for claiming.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return apperr.New(apperr.KindInvalidInput, "store.CreateTask", fmt.Errorf("task id is required"))
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Status = task.StatusPending

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.putTaskTx(tx, t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPendingIdx).Put(pendingKey(t.Priority, t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketUserIdx).Put(userKey(t.UserID, t.CreatedAt, t.ID), []byte(t.ID))
	})
	if err != nil {
		return apperr.New(apperr.KindStorage, "store.CreateTask", err)
	}
	s.mu.Lock()
	s.cache[t.ID] = cloneTask(t)
	s.mu.Unlock()
	return nil
}

// ClaimNext atomically picks the highest-priority pending task (oldest
// first among equal priorities), flips it to claimed, and stamps
// worker_id/claimed_at — all inside one bbolt write transaction, so no
// second caller can observe or claim the same task (invariant: claims
// are exclusive).
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*task.Task, error) {
	start := time.Now()
	var claimed *task.Task
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketPendingIdx)
		c := idx.Cursor()
		k, v := c.First()
		if k == nil {
			return nil // empty queue, not an error
		}
		taskID := string(v)
		tasks := tx.Bucket(bucketTasks)
		raw := tasks.Get([]byte(taskID))
		if raw == nil {
			// index/data drift: drop the dangling index entry and report empty
			return idx.Delete(k)
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = task.StatusClaimed
		t.WorkerID = workerID
		t.ClaimedAt = &now
		t.UpdatedAt = now
		if err := s.putTaskTx(tx, &t); err != nil {
			return err
		}
		if err := idx.Delete(k); err != nil {
			return err
		}
		if err := tx.Bucket(bucketClaimedIdx).Put(claimedKey(now, t.ID), []byte(t.ID)); err != nil {
			return err
		}
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "store.ClaimNext", err)
	}
	if s.claimLatency != nil {
		s.claimLatency.Record(ctx, time.Since(start).Seconds())
	}
	if claimed != nil {
		s.mu.Lock()
		s.cache[claimed.ID] = cloneTask(claimed)
		s.mu.Unlock()
	}
	return claimed, nil
}

// MarkRunning transitions a claimed task to running once the worker has
// accepted it.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	return s.mutate(taskID, func(t *task.Task) error {
		if t.Status != task.StatusClaimed {
			return apperr.New(apperr.KindConflict, "store.MarkRunning", fmt.Errorf("task %s is not claimed", taskID))
		}
		t.Status = task.StatusRunning
		return nil
	})
}

// Complete marks a task as completed and removes its claimed-index entry.
func (s *Store) Complete(ctx context.Context, taskID string, result *task.Result) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		raw := tasks.Get([]byte(taskID))
		if raw == nil {
			return apperr.New(apperr.KindNotFound, "store.Complete", fmt.Errorf("task %s not found", taskID))
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = task.StatusCompleted
		t.UpdatedAt = now
		t.CompletedAt = &now
		if result != nil {
			t.ResultDir = result.MarkdownPath
		}
		if err := s.putTaskTx(tx, &t); err != nil {
			return err
		}
		removeClaimedIndexTx(tx, &t)
		s.mu.Lock()
		s.cache[t.ID] = cloneTask(&t)
		s.mu.Unlock()
		return nil
	})
}

// Fail records a failed attempt. When retryable is true and retry_count
// has not reached max_retries, the task is returned to pending
// (retry_count incremented); otherwise — including every non-retryable
// (engine-permanent) failure, regardless of retry_count — it is marked
// permanently failed immediately. retry_count is distinct from
// staleness resets (see ResetStaleTasks), which never touch it.
func (s *Store) Fail(ctx context.Context, taskID string, errMsg string, retryable bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		raw := tasks.Get([]byte(taskID))
		if raw == nil {
			return apperr.New(apperr.KindNotFound, "store.Fail", fmt.Errorf("task %s not found", taskID))
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Error = errMsg
		t.UpdatedAt = now
		removeClaimedIndexTx(tx, &t)

		if retryable && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Status = task.StatusPending
			t.WorkerID = ""
			t.ClaimedAt = nil
			if err := s.putTaskTx(tx, &t); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPendingIdx).Put(pendingKey(t.Priority, t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
				return err
			}
		} else {
			t.Status = task.StatusFailed
			if err := s.putTaskTx(tx, &t); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.cache[t.ID] = cloneTask(&t)
		s.mu.Unlock()
		return nil
	})
}

// Cancel cancels a task only while it is still pending; once claimed,
// cancellation is not propagated to the engine (see DESIGN.md open
// question resolution). The staged upload artifact is removed
// best-effort since nothing will ever read it again.
func (s *Store) Cancel(ctx context.Context, taskID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		raw := tasks.Get([]byte(taskID))
		if raw == nil {
			return apperr.New(apperr.KindNotFound, "store.Cancel", fmt.Errorf("task %s not found", taskID))
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.UserID != userID {
			return apperr.New(apperr.KindForbidden, "store.Cancel", fmt.Errorf("task %s not owned by user", taskID))
		}
		if t.Status != task.StatusPending {
			return apperr.New(apperr.KindConflict, "store.Cancel", fmt.Errorf("task %s is not pending", taskID))
		}
		now := time.Now().UTC()
		t.Status = task.StatusCancelled
		t.UpdatedAt = now
		if err := s.putTaskTx(tx, &t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPendingIdx).Delete(pendingKey(t.Priority, t.CreatedAt, t.ID)); err != nil {
			return err
		}
		if t.InputPath != "" {
			_ = os.Remove(t.InputPath)
		}
		s.mu.Lock()
		s.cache[t.ID] = cloneTask(&t)
		s.mu.Unlock()
		return nil
	})
}

func (s *Store) mutate(taskID string, fn func(*task.Task) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		raw := tasks.Get([]byte(taskID))
		if raw == nil {
			return apperr.New(apperr.KindNotFound, "store.mutate", fmt.Errorf("task %s not found", taskID))
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()
		if err := s.putTaskTx(tx, &t); err != nil {
			return err
		}
		s.mu.Lock()
		s.cache[t.ID] = cloneTask(&t)
		s.mu.Unlock()
		return nil
	})
}

func removeClaimedIndexTx(tx *bbolt.Tx, t *task.Task) {
	if t.ClaimedAt == nil {
		return
	}
	_ = tx.Bucket(bucketClaimedIdx).Delete(claimedKey(*t.ClaimedAt, t.ID))
}

// GetTask returns a task by id, cache-first.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	if t, ok := s.cache[taskID]; ok {
		s.mu.RUnlock()
		return cloneTask(t), nil
	}
	s.mu.RUnlock()

	var t task.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &t)
	})
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "store.GetTask", err)
	}
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "store.GetTask", fmt.Errorf("task %s not found", taskID))
	}
	s.mu.Lock()
	s.cache[taskID] = cloneTask(&t)
	s.mu.Unlock()
	return &t, nil
}

// ListTasks returns tasks for userID (all users if empty), optionally
// filtered by status, newest first, paginated.
func (s *Store) ListTasks(ctx context.Context, userID string, status *task.Status, limit, offset int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*task.Task, 0, len(s.cache))
	for _, t := range s.cache {
		if userID != "" && t.UserID != userID {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		matched = append(matched, t)
	}
	sortByCreatedDesc(matched)
	if offset >= len(matched) {
		return []*task.Task{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	out := make([]*task.Task, 0, end-offset)
	for _, t := range matched[offset:end] {
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func sortByCreatedDesc(ts []*task.Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j-1].CreatedAt.Before(ts[j].CreatedAt); j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

// GetQueueStats tallies task counts by status from the in-memory cache.
func (s *Store) GetQueueStats(ctx context.Context) (*task.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats task.QueueStats
	for _, t := range s.cache {
		switch t.Status {
		case task.StatusPending:
			stats.Pending++
		case task.StatusClaimed:
			stats.Claimed++
		case task.StatusRunning:
			stats.Running++
		case task.StatusCompleted:
			stats.Completed++
		case task.StatusFailed:
			stats.Failed++
		case task.StatusCancelled:
			stats.Cancelled++
		}
	}
	return &stats, nil
}

// ResetStaleTasks requeues claimed/running tasks whose claimed_at is
// older than timeout. retry_count is never touched here — staleness and
// retry-on-failure are independent counters.
func (s *Store) ResetStaleTasks(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	reset := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		claimedIdx := tx.Bucket(bucketClaimedIdx)
		tasks := tx.Bucket(bucketTasks)
		pendingIdx := tx.Bucket(bucketPendingIdx)

		var staleKeys [][]byte
		c := claimedIdx.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			claimedAtNano := int64(binary.BigEndian.Uint64(k[0:8]))
			if time.Unix(0, claimedAtNano).After(cutoff) {
				break // claimedKey is time-ordered; everything after is newer
			}
			staleKeys = append(staleKeys, append([]byte(nil), k...))
			_ = v
		}
		for _, k := range staleKeys {
			raw := claimedIdx.Get(k)
			if raw == nil {
				continue
			}
			taskID := string(raw)
			taskRaw := tasks.Get([]byte(taskID))
			if taskRaw == nil {
				_ = claimedIdx.Delete(k)
				continue
			}
			var t task.Task
			if err := json.Unmarshal(taskRaw, &t); err != nil {
				continue
			}
			if t.Status != task.StatusClaimed && t.Status != task.StatusRunning {
				_ = claimedIdx.Delete(k)
				continue
			}
			t.Status = task.StatusPending
			t.WorkerID = ""
			t.ClaimedAt = nil
			t.UpdatedAt = time.Now().UTC()
			if err := s.putTaskTx(tx, &t); err != nil {
				return err
			}
			if err := pendingIdx.Put(pendingKey(t.Priority, t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
				return err
			}
			if err := claimedIdx.Delete(k); err != nil {
				return err
			}
			s.mu.Lock()
			s.cache[t.ID] = cloneTask(&t)
			s.mu.Unlock()
			reset++
		}
		return nil
	})
	if err != nil {
		return reset, apperr.New(apperr.KindStorage, "store.ResetStaleTasks", err)
	}
	return reset, nil
}

// CleanupOldTaskRecords deletes terminal tasks last updated before the
// retention cutoff, returning the number removed.
func (s *Store) CleanupOldTaskRecords(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		userIdx := tx.Bucket(bucketUserIdx)
		var toDelete []task.Task
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, t)
			}
		}
		for _, t := range toDelete {
			// Best-effort filesystem cleanup: a missing upload or result
			// directory (already cleaned up, or never materialized) must
			// not block the row from being deleted.
			if t.OutputDir != "" {
				_ = os.RemoveAll(t.OutputDir)
			}
			if t.InputPath != "" {
				_ = os.Remove(t.InputPath)
			}
			if err := tasks.Delete([]byte(t.ID)); err != nil {
				return err
			}
			if err := userIdx.Delete(userKey(t.UserID, t.CreatedAt, t.ID)); err != nil {
				return err
			}
			s.mu.Lock()
			delete(s.cache, t.ID)
			s.mu.Unlock()
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, apperr.New(apperr.KindStorage, "store.CleanupOldTaskRecords", err)
	}
	return removed, nil
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	if t.Options != nil {
		cp.Options = make(map[string]any, len(t.Options))
		for k, v := range t.Options {
			cp.Options[k] = v
		}
	}
	if t.ClaimedAt != nil {
		ca := *t.ClaimedAt
		cp.ClaimedAt = &ca
	}
	if t.CompletedAt != nil {
		co := *t.CompletedAt
		cp.CompletedAt = &co
	}
	return &cp
}
