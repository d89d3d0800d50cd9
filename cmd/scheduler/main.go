// Command scheduler runs the Tianshu Task Scheduler: the poll-claim-
// dispatch loop plus periodic stale-task and retention maintenance
// sweeps.
package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/tianshu/internal/config"
	"github.com/swarmguard/tianshu/internal/logging"
	"github.com/swarmguard/tianshu/internal/otelinit"
	"github.com/swarmguard/tianshu/internal/scheduler"
	"github.com/swarmguard/tianshu/internal/store"
)

func main() {
	service := "tianshu-scheduler"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)

	shared := config.LoadShared()
	st, err := store.Open(shared.DBPath)
	if err != nil {
		log.Error("open task store", "error", err)
		return
	}
	defer st.Close()

	workers := buildWorkerEndpoints()

	meter := otel.GetMeterProvider().Meter("tianshu")
	dispatchAttempts, _ := meter.Int64Counter("tianshu_scheduler_dispatch_attempts_total")
	dispatchFailures, _ := meter.Int64Counter("tianshu_scheduler_dispatch_failures_total")

	cfg := scheduler.Config{
		PollInterval:      config.EnvDuration("TIANSHU_SCHEDULER_POLL_INTERVAL", time.Second),
		DispatchTimeout:   config.EnvDuration("TIANSHU_SCHEDULER_DISPATCH_TIMEOUT", 30*time.Minute),
		StaleTimeout:      config.EnvDuration("TIANSHU_SCHEDULER_STALE_TIMEOUT", 15*time.Minute),
		RetentionMaxAge:   config.EnvDuration("TIANSHU_SCHEDULER_RETENTION_MAX_AGE", 30*24*time.Hour),
		WaitForWorkers:    config.EnvBool("TIANSHU_SCHEDULER_WAIT_FOR_WORKERS", true),
		WorkerReadyPoll:   2 * time.Second,
		WorkerReadyWithin: config.EnvDuration("TIANSHU_SCHEDULER_WORKER_READY_WITHIN", 5*time.Minute),
	}

	sched := scheduler.New(st, workers, cfg, log, dispatchAttempts, dispatchFailures)

	if cfg.WaitForWorkers {
		if err := sched.WaitForWorkers(ctx); err != nil {
			log.Error("workers never became ready", "error", err)
			return
		}
	}

	log.Info("scheduler started", "workers", len(workers))
	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler run error", "error", err)
	}

	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

// buildWorkerEndpoints parses TIANSHU_WORKER_URLS (comma-separated
// host:port base URLs) into scheduler.WorkerEndpoint values, each with
// capacity TIANSHU_WORKER_CAPACITY (default 1 device slot).
func buildWorkerEndpoints() []*scheduler.WorkerEndpoint {
	capacity := config.EnvInt("TIANSHU_WORKER_CAPACITY", 1)
	urls := config.EnvList("TIANSHU_WORKER_URLS")
	if len(urls) == 0 {
		urls = []string{"http://localhost:" + config.Env("TIANSHU_WORKER_PORT", "8001")}
	}
	endpoints := make([]*scheduler.WorkerEndpoint, 0, len(urls))
	for i, u := range urls {
		endpoints = append(endpoints, &scheduler.WorkerEndpoint{
			ID:       "worker-" + strconv.Itoa(i),
			URL:      u,
			Capacity: capacity,
		})
	}
	return endpoints
}
