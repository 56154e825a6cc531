package ingest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/ring"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

func newTestRing(t *testing.T, dataSize uint32) *ring.Ring {
	t.Helper()
	region := make([]byte, ring.HeaderSize+dataSize)
	r, err := ring.New(region, dataSize)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return r
}

func TestProcessorDecodesAndRoutesFrames(t *testing.T) {
	r := newTestRing(t, 4096)
	rt := router.New(router.MetricsDropCounters{Metrics: observability.NewMetrics()})
	metrics := observability.NewMetrics()
	log := zaptest.NewLogger(t)

	raw, err := schema.Encode(schema.BaseEvent{
		TsSeconds: 1, SensorGUID: "s1",
		Payload: schema.ProcessEvent{PID: 55},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r.Push(raw)

	proc := NewProcessor(r, rt, metrics, log)
	proc.idleSleep = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	select {
	case got := <-rt.Process().DBQueue():
		if got.Payload.PID != 55 {
			t.Fatalf("PID = %d, want 55", got.Payload.PID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed event")
	}

	cancel()
	<-done
}

func TestProcessorCountsDecodeErrorsAndContinues(t *testing.T) {
	r := newTestRing(t, 4096)
	rt := router.New(router.MetricsDropCounters{Metrics: observability.NewMetrics()})
	metrics := observability.NewMetrics()
	log := zaptest.NewLogger(t)

	r.Push([]byte{0xFF, 0xFF, 0xFF}) // not a valid encoded BaseEvent

	raw, err := schema.Encode(schema.BaseEvent{
		TsSeconds: 2, SensorGUID: "s2",
		Payload: schema.ProcessEvent{PID: 77},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r.Push(raw)

	proc := NewProcessor(r, rt, metrics, log)
	proc.idleSleep = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	select {
	case got := <-rt.Process().DBQueue():
		if got.Payload.PID != 77 {
			t.Fatalf("PID = %d, want 77 (the valid frame after the corrupt one)", got.Payload.PID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed event after corrupt frame")
	}

	cancel()
	<-done
}
