package writer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := Open(path, "NORMAL", 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	db := openTestDB(t)
	metrics := observability.NewMetrics()
	log := zaptest.NewLogger(t)
	rt := router.New(router.MetricsDropCounters{Metrics: metrics})

	w := New(db, metrics, log, 3, time.Hour) // long flush interval: only the size trigger should fire

	ctx, cancel := context.WithCancel(context.Background())
	go w.RunAll(ctx, rt)

	for i := 0; i < 3; i++ {
		rt.Route(schema.BaseEvent{
			TsSeconds: int64(i), SensorGUID: "s1",
			Payload: schema.ProcessEvent{PID: uint32(100 + i), ImagePath: "/bin/sh"},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		if err := db.QueryRow(`SELECT COUNT(*) FROM process_events`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		if count == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count != 3 {
		t.Fatalf("process_events count = %d, want 3", count)
	}

	cancel()
}

func TestWriterFlushesOnTimerWithPartialBatch(t *testing.T) {
	db := openTestDB(t)
	metrics := observability.NewMetrics()
	log := zaptest.NewLogger(t)
	rt := router.New(router.MetricsDropCounters{Metrics: metrics})

	w := New(db, metrics, log, 100, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go w.RunAll(ctx, rt)

	rt.Route(schema.BaseEvent{
		TsSeconds: 1, SensorGUID: "s1",
		Payload: schema.NetworkEvent{Proto: "tcp", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", PID: 5},
	})

	deadline := time.Now().Add(2 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		if err := db.QueryRow(`SELECT COUNT(*) FROM network_events`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		if count == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count != 1 {
		t.Fatalf("network_events count = %d, want 1 (timer-triggered flush of a partial batch)", count)
	}

	cancel()
}

func TestWriterFlushesRemainingBatchOnShutdown(t *testing.T) {
	db := openTestDB(t)
	metrics := observability.NewMetrics()
	log := zaptest.NewLogger(t)
	rt := router.New(router.MetricsDropCounters{Metrics: metrics})

	w := New(db, metrics, log, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunAll(ctx, rt)
		close(done)
	}()

	rt.Route(schema.BaseEvent{
		TsSeconds: 1, SensorGUID: "s1",
		Payload: schema.EtwEvent{ProviderGUID: "{abc}", EventID: 1, PID: 9},
	})
	time.Sleep(50 * time.Millisecond) // let the event land in the db queue before shutdown

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not return after ctx cancellation")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM etw_events`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("etw_events count = %d, want 1 (drain-on-shutdown flush)", count)
	}
}

func TestFileOpAndNetDirectionNames(t *testing.T) {
	cases := []struct {
		op   schema.FileOp
		want string
	}{
		{schema.FileOpCreate, "create"},
		{schema.FileOpWrite, "write"},
		{schema.FileOpDelete, "delete"},
		{schema.FileOpRename, "rename"},
		{schema.FileOpUnspecified, "unspecified"},
	}
	for _, c := range cases {
		if got := fileOpName(c.op); got != c.want {
			t.Errorf("fileOpName(%v) = %q, want %q", c.op, got, c.want)
		}
	}
}
