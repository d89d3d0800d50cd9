package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestStartAllWithWarmupSleep(t *testing.T) {
	sup := New(nil)
	proc := &Process{
		Name:        "sleeper",
		Cmd:         exec.Command("sleep", "5"),
		WarmupSleep: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sup.StartAll(ctx, []*Process{proc}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	sup.StopAll()
}

func TestStartAllFailsWhenProcessExitsImmediately(t *testing.T) {
	sup := New(nil)
	proc := &Process{
		Name:        "exiter",
		Cmd:         exec.Command("true"),
		WarmupSleep: 50 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sup.StartAll(ctx, []*Process{proc}); err == nil {
		t.Fatal("expected StartAll to fail for a process that exits during warmup")
	}
}
