// Command api runs the Tianshu API Server: authenticated task
// submission, status, cancellation, listing, and static result file
// serving.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/tianshu/internal/api"
	"github.com/swarmguard/tianshu/internal/auth"
	"github.com/swarmguard/tianshu/internal/config"
	"github.com/swarmguard/tianshu/internal/engine"
	"github.com/swarmguard/tianshu/internal/logging"
	"github.com/swarmguard/tianshu/internal/objectstore"
	"github.com/swarmguard/tianshu/internal/otelinit"
	"github.com/swarmguard/tianshu/internal/store"
)

func main() {
	service := "tianshu-api"
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

	reg := engine.NewRegistry()
	reg.Register(engine.NewPipelineEngine())
	reg.Register(engine.NewAudioEngine())
	reg.Register(engine.NewOfficeEngine())

	var objStore objectstore.Store
	if base := config.Env("TIANSHU_OBJECT_STORE_URL", ""); base != "" {
		objStore = objectstore.NewHTTPStore(base, config.Env("TIANSHU_OBJECT_STORE_BUCKET", "tianshu"), nil)
	}

	srv := api.New(api.Config{
		Store:     st,
		Registry:  reg,
		Verifier:  auth.NewVerifier(shared.JWTSecret),
		ObjStore:  objStore,
		ResultDir: shared.OutputDir,
		Log:       log,
	})

	addr := ":" + config.Env("TIANSHU_API_PORT", "8000")
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		log.Info("api server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}
