package otelinit

import (
	"context"
	"testing"
	"time"
)

func TestInitTracerWithSpanAndFlushDoNotPanic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	shutdown := InitTracer(ctx, "otelinit-test")
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown func")
	}

	spanCtx, end := WithSpan(ctx, "unit-test-span")
	if spanCtx == nil {
		t.Fatal("expected non-nil context from WithSpan")
	}
	end()

	Flush(ctx, shutdown)
}

func TestInitMetricsReturnsUsableInstruments(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	shutdown, promHandler, m := InitMetrics(ctx, "otelinit-test")
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown func")
	}
	if promHandler != nil {
		t.Fatalf("expected nil promHandler, got %v", promHandler)
	}
	if m.DispatchAttempts == nil || m.EngineDuration == nil {
		t.Fatal("expected common instruments to be initialized")
	}
	_ = shutdown(ctx)
}
