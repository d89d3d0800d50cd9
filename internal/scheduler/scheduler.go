// Package scheduler implements the poll-claim-dispatch loop that pairs
// pending tasks in the Task Store with worker HTTP endpoints, tracking
// each worker's device-slot capacity client-side (the scheduler and
// worker are separate processes on purpose — see DESIGN.md) and running
// the periodic stale-task and retention maintenance sweeps via cron.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/tianshu/internal/apperr"
	"github.com/swarmguard/tianshu/internal/resilience"
	"github.com/swarmguard/tianshu/internal/store"
	"github.com/swarmguard/tianshu/internal/task"
	"github.com/swarmguard/tianshu/internal/worker"
)

// WorkerEndpoint is one device-pinned worker process the scheduler can
// dispatch to, along with its device-slot capacity.
type WorkerEndpoint struct {
	ID       string
	URL      string
	Capacity int

	mu     sync.Mutex
	inUse  int
}

func (w *WorkerEndpoint) tryReserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inUse >= w.Capacity {
		return false
	}
	w.inUse++
	return true
}

func (w *WorkerEndpoint) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inUse > 0 {
		w.inUse--
	}
}

// Config controls the scheduler's timing and retry behavior.
type Config struct {
	PollInterval      time.Duration
	DispatchTimeout   time.Duration
	StaleTimeout      time.Duration
	StaleSweepCron    string // default "*/5 * * * *"
	RetentionCron     string // default "0 3 * * *"
	RetentionMaxAge   time.Duration
	WaitForWorkers    bool
	WorkerReadyPoll   time.Duration
	WorkerReadyWithin time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Minute
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 15 * time.Minute
	}
	if c.StaleSweepCron == "" {
		c.StaleSweepCron = "*/5 * * * *"
	}
	if c.RetentionCron == "" {
		c.RetentionCron = "0 3 * * *"
	}
	if c.RetentionMaxAge <= 0 {
		c.RetentionMaxAge = 30 * 24 * time.Hour
	}
	if c.WorkerReadyPoll <= 0 {
		c.WorkerReadyPoll = time.Second
	}
	if c.WorkerReadyWithin <= 0 {
		c.WorkerReadyWithin = 60 * time.Second
	}
	return c
}

// Scheduler pairs pending tasks with worker capacity and drives
// maintenance ticks.
type Scheduler struct {
	store   *store.Store
	workers []*WorkerEndpoint
	cfg     Config
	log     *slog.Logger
	client  *http.Client
	cron    *cron.Cron

	dispatchAttempts metric.Int64Counter
	dispatchFailures metric.Int64Counter

	wg sync.WaitGroup
}

// New builds a Scheduler over the given store and worker pool.
func New(st *store.Store, workers []*WorkerEndpoint, cfg Config, log *slog.Logger, attempts, failures metric.Int64Counter) *Scheduler {
	return &Scheduler{
		store:   st,
		workers: workers,
		cfg:     cfg.withDefaults(),
		log:     log,
		client:  &http.Client{Timeout: cfg.withDefaults().DispatchTimeout},
		cron:    cron.New(),
		dispatchAttempts: attempts,
		dispatchFailures: failures,
	}
}

// WaitForWorkers polls every worker's /health until all respond 200 or
// the readiness window elapses. It returns immediately when
// Config.WaitForWorkers is false.
func (s *Scheduler) WaitForWorkers(ctx context.Context) error {
	if !s.cfg.WaitForWorkers {
		return nil
	}
	deadline := time.Now().Add(s.cfg.WorkerReadyWithin)
	for _, w := range s.workers {
		for {
			if time.Now().After(deadline) {
				return fmt.Errorf("scheduler: worker %s not ready within %s", w.ID, s.cfg.WorkerReadyWithin)
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, w.URL+"/health", nil)
			resp, err := s.client.Do(req)
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				break
			}
			if resp != nil {
				resp.Body.Close()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.WorkerReadyPoll):
			}
		}
	}
	return nil
}

// Run drives the poll-claim-dispatch loop until ctx is cancelled, then
// drains in-flight dispatches before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.AddFunc(s.cfg.StaleSweepCron, s.runStaleSweep(ctx))
	s.cron.AddFunc(s.cfg.RetentionCron, s.runRetentionSweep(ctx))
	s.cron.Start()
	defer func() {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		default:
		}

		w := s.pickWorker()
		if w == nil {
			// backpressure: every worker at capacity, do not claim more
			// tasks than can currently be run.
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		t, err := s.store.ClaimNext(ctx, w.ID)
		if err != nil {
			s.log.Error("claim_next failed", "error", err)
			w.release()
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if t == nil {
			w.release()
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		s.wg.Add(1)
		go s.dispatch(ctx, w, t)
	}
}

func (s *Scheduler) pickWorker() *WorkerEndpoint {
	for _, w := range s.workers {
		if w.tryReserve() {
			return w
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, w *WorkerEndpoint, t *task.Task) {
	defer s.wg.Done()
	defer w.release()

	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	if s.dispatchAttempts != nil {
		s.dispatchAttempts.Add(dispatchCtx, 1)
	}

	resp, err := resilience.Retry(dispatchCtx, 3, time.Second, func() (*worker.PredictResponse, error) {
		return s.callPredict(dispatchCtx, w, t)
	})
	if err != nil {
		if s.dispatchFailures != nil {
			s.dispatchFailures.Add(dispatchCtx, 1)
		}
		// Exhausting resilience.Retry's own attempts on a transient
		// dispatch condition (network error, worker unavailable) still
		// leaves room for the task-level retry budget.
		if ferr := s.store.Fail(ctx, t.ID, err.Error(), apperr.Retryable(err)); ferr != nil {
			s.log.Error("failed to record task failure", "task_id", t.ID, "error", ferr)
		}
		return
	}

	if resp.Success {
		if cerr := s.store.Complete(ctx, t.ID, &task.Result{TaskID: t.ID, MarkdownPath: resp.MarkdownPath, JSONPath: resp.JSONPath, ImageDir: resp.ImageDir}); cerr != nil {
			s.log.Error("failed to record completion", "task_id", t.ID, "error", cerr)
		}
		return
	}

	// Worker ran but the engine failed. resp.Retryable distinguishes a
	// transient dispatch condition (requeue while retries remain) from
	// an engine-reported permanent failure (terminal immediately).
	if ferr := s.store.Fail(ctx, t.ID, resp.Error, resp.Retryable); ferr != nil {
		s.log.Error("failed to record task failure", "task_id", t.ID, "error", ferr)
	}
}

func (s *Scheduler) callPredict(ctx context.Context, w *WorkerEndpoint, t *task.Task) (*worker.PredictResponse, error) {
	body, err := json.Marshal(worker.PredictRequest{
		TaskID:    t.ID,
		Backend:   t.Backend,
		InputPath: t.InputPath,
		OutputDir: t.OutputDir,
		Options:   t.Options,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindTransientDispatch, "scheduler.callPredict", err)
	}
	defer resp.Body.Close()

	var pr worker.PredictResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&pr); decErr != nil {
		return nil, apperr.New(apperr.KindTransientDispatch, "scheduler.callPredict", decErr)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, apperr.New(apperr.KindTransientDispatch, "scheduler.callPredict", fmt.Errorf("worker %s: %s", w.ID, pr.Error))
	}
	return &pr, nil
}

func (s *Scheduler) runStaleSweep(ctx context.Context) func() {
	return func() {
		n, err := s.store.ResetStaleTasks(ctx, s.cfg.StaleTimeout)
		if err != nil {
			s.log.Error("stale sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.log.Info("reset stale tasks", "count", n)
		}
	}
}

func (s *Scheduler) runRetentionSweep(ctx context.Context) func() {
	return func() {
		n, err := s.store.CleanupOldTaskRecords(ctx, s.cfg.RetentionMaxAge)
		if err != nil {
			s.log.Error("retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.log.Info("cleaned up old task records", "count", n)
		}
	}
}
