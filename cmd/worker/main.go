// Command worker runs the Tianshu Worker Runtime: an HTTP service that
// accepts /predict requests and parses documents through the engine
// registry, bounded by a device-slot semaphore.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/tianshu/internal/config"
	"github.com/swarmguard/tianshu/internal/engine"
	"github.com/swarmguard/tianshu/internal/logging"
	"github.com/swarmguard/tianshu/internal/otelinit"
	"github.com/swarmguard/tianshu/internal/worker"
)

func main() {
	service := "tianshu-worker"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, metrics := otelinit.InitMetrics(ctx, service)

	reg := engine.NewRegistry()
	reg.Register(engine.NewPipelineEngine())
	reg.Register(engine.NewAudioEngine())
	reg.Register(engine.NewOfficeEngine())

	maxConcurrent := config.EnvInt("TIANSHU_WORKER_SLOTS", 1)
	rt := worker.New(reg, maxConcurrent, log, metrics.EngineDuration)

	addr := ":" + config.Env("TIANSHU_WORKER_PORT", "8001")
	httpSrv := &http.Server{Addr: addr, Handler: worker.NewTracedHandler(rt.Handler())}

	go func() {
		log.Info("worker runtime listening", "addr", addr, "slots", maxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("worker server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}
