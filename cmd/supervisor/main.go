// Command supervisor launches the API Server, Worker Runtime, and
// Scheduler as child processes of itself, gating each on the previous
// one's readiness, and tears the whole group down on signal or on any
// unexpected child exit.
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swarmguard/tianshu/internal/config"
	"github.com/swarmguard/tianshu/internal/logging"
	"github.com/swarmguard/tianshu/internal/supervisor"
)

func main() {
	log := logging.Init("tianshu-supervisor")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiPort := config.Env("TIANSHU_API_PORT", "8000")
	workerPort := config.Env("TIANSHU_WORKER_PORT", "8001")
	self, err := os.Executable()
	if err != nil {
		log.Error("resolve self path", "error", err)
		return
	}
	binDir := filepath.Dir(self)

	sup := supervisor.New(log)

	procs := []*supervisor.Process{
		{
			Name:         "API Server",
			Cmd:          childCmd(binDir, "api"),
			ReadyURL:     "http://localhost:" + apiPort + "/api/v1/health",
			ReadyTimeout: 30 * time.Second,
		},
		{
			Name:         "Worker Runtime",
			Cmd:          childCmd(binDir, "worker"),
			ReadyURL:     "http://localhost:" + workerPort + "/health",
			ReadyTimeout: 60 * time.Second,
		},
		{
			Name:        "Task Scheduler",
			Cmd:         childCmd(binDir, "scheduler"),
			WarmupSleep: 3 * time.Second,
		},
	}

	log.Info("starting all services")
	if err := sup.StartAll(ctx, procs); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	log.Info("all services started, press ctrl+c to stop")

	sup.Wait(ctx)
	log.Info("all services stopped")
}

func childCmd(binDir, name string) *exec.Cmd {
	cmd := exec.Command(filepath.Join(binDir, name))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd
}
