// Package writer implements U-WRITER: per-variant batched SQLite
// persistence of decoded events, draining each ROUTER TypedBus's
// persistence queue independently. Grounded on the teacher's ledger
// storage package for the overall "open, batch, flush, retry" shape, but
// targeting database/sql + github.com/mattn/go-sqlite3 rather than bbolt,
// since the spec calls for a relational event archive the MAINT/TTL jobs
// can query and purge with plain SQL.
package writer

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

const (
	maxFlushAttempts  = 5
	lockRetryBaseWait = 50 * time.Millisecond
)

// Open opens (or creates) the SQLite event archive at path with WAL
// journal mode, the given synchronous level, and a busy-timeout of at
// least one second, then applies the embedded schema.
func Open(path string, synchronous string, journalSizeLimit int64) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=%s&_busy_timeout=5000", path, synchronous))
	if err != nil {
		return nil, fmt.Errorf("writer.Open: %w", err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 + WAL: single writer connection avoids lock contention across goroutines

	if _, err := db.Exec(fmt.Sprintf("PRAGMA journal_size_limit = %d", journalSizeLimit)); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("writer.Open: set journal_size_limit: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("writer.Open: apply schema: %w", err)
	}
	return db, nil
}

// Writer drains ROUTER's typed buses and flushes batches into the SQLite
// event archive.
type Writer struct {
	db            *sql.DB
	metrics       *observability.Metrics
	log           *zap.Logger
	batchSize     int
	flushInterval time.Duration
}

// New constructs a Writer against an already-open database.
func New(db *sql.DB, metrics *observability.Metrics, log *zap.Logger, batchSize int, flushInterval time.Duration) *Writer {
	return &Writer{db: db, metrics: metrics, log: log, batchSize: batchSize, flushInterval: flushInterval}
}

// RunAll starts one drain goroutine per payload variant against rt's
// typed buses and blocks until ctx is cancelled and all of them have
// flushed their remaining buffers.
func (w *Writer) RunAll(ctx context.Context, rt *router.Router) {
	done := make(chan struct{}, 4)
	go func() { runBatched(ctx, w, rt.Process().DBQueue(), "process", w.insertProcessBatch); done <- struct{}{} }()
	go func() { runBatched(ctx, w, rt.File().DBQueue(), "file", w.insertFileBatch); done <- struct{}{} }()
	go func() { runBatched(ctx, w, rt.Network().DBQueue(), "network", w.insertNetworkBatch); done <- struct{}{} }()
	go func() { runBatched(ctx, w, rt.Etw().DBQueue(), "etw", w.insertEtwBatch); done <- struct{}{} }()
	for i := 0; i < 4; i++ {
		<-done
	}
}

// tsMicros converts a (seconds, nanos) pair into microseconds-since-epoch,
// the column representation every variant's ts_us field uses.
func tsMicros(seconds int64, nanos int32) int64 {
	return seconds*1_000_000 + int64(nanos)/1_000
}

// runBatched is the generic per-variant drain loop: accumulate up to
// batchSize records, flushing on whichever comes first — the buffer
// filling or the flush timer firing. On channel close it flushes once more
// and returns.
func runBatched[V schema.Payload](ctx context.Context, w *Writer, queue <-chan router.WrappedEvent[V], variant string, insert func([]router.WrappedEvent[V]) error) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]router.WrappedEvent[V], 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := flushWithRetry(w, batch, insert); err != nil {
			w.log.Error("flush failed, dropping batch", zap.String("variant", variant), zap.Int("batch_size", len(batch)), zap.Error(err))
		} else {
			w.metrics.DBFlushDurationSeconds.Observe(time.Since(start).Seconds())
			w.metrics.DBFlushBatchSize.Observe(float64(len(batch)))
			w.metrics.DBFlushBatchesTotal.Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e, ok := <-queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushWithRetry wraps insert in a transaction, retrying on "database is
// locked" with a linear backoff (50ms × attempt) up to maxFlushAttempts.
// A standalone generic function, not a method — Go methods cannot carry
// their own type parameters beyond the receiver's.
func flushWithRetry[V schema.Payload](w *Writer, batch []router.WrappedEvent[V], insert func([]router.WrappedEvent[V]) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxFlushAttempts; attempt++ {
		lastErr = insert(batch)
		if lastErr == nil {
			return nil
		}
		if !isDatabaseLocked(lastErr) {
			return lastErr
		}
		w.metrics.DBFlushRetriesTotal.Inc()
		time.Sleep(time.Duration(attempt) * lockRetryBaseWait)
	}
	return lastErr
}

func isDatabaseLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (w *Writer) insertProcessBatch(batch []router.WrappedEvent[schema.ProcessEvent]) error {
	return withTx(w.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO process_events (ts_us, sensor_guid, pid, ppid, image_path, cmd_line) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.Exec(tsMicros(e.TsSeconds, e.TsNanos), e.SensorGUID, e.Payload.PID, e.Payload.PPID, e.Payload.ImagePath, e.Payload.CmdLine); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) insertFileBatch(batch []router.WrappedEvent[schema.FileEvent]) error {
	return withTx(w.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO file_events (ts_us, sensor_guid, op, path, new_path, pid, exe_path, size, sha256, success) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.Exec(tsMicros(e.TsSeconds, e.TsNanos), e.SensorGUID, fileOpName(e.Payload.Op), e.Payload.Path, e.Payload.NewPath, e.Payload.PID, e.Payload.ExePath, e.Payload.Size, e.Payload.SHA256, boolToInt(e.Payload.Success)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) insertNetworkBatch(batch []router.WrappedEvent[schema.NetworkEvent]) error {
	return withTx(w.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO network_events (ts_us, sensor_guid, direction, proto, src_ip, src_port, dst_ip, dst_port, pid, exe_path, bytes, blocked) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.Exec(tsMicros(e.TsSeconds, e.TsNanos), e.SensorGUID, netDirectionName(e.Payload.Direction), e.Payload.Proto, e.Payload.SrcIP, e.Payload.SrcPort, e.Payload.DstIP, e.Payload.DstPort, e.Payload.PID, e.Payload.ExePath, e.Payload.Bytes, boolToInt(e.Payload.Blocked)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) insertEtwBatch(batch []router.WrappedEvent[schema.EtwEvent]) error {
	return withTx(w.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO etw_events (ts_us, sensor_guid, provider_guid, event_id, level, pid, tid, json_payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.Exec(tsMicros(e.TsSeconds, e.TsNanos), e.SensorGUID, e.Payload.ProviderGUID, e.Payload.EventID, e.Payload.Level, e.Payload.PID, e.Payload.TID, e.Payload.JSONPayload); err != nil {
				return err
			}
		}
		return nil
	})
}

func withTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fileOpName(op schema.FileOp) string {
	switch op {
	case schema.FileOpCreate:
		return "create"
	case schema.FileOpWrite:
		return "write"
	case schema.FileOpDelete:
		return "delete"
	case schema.FileOpRename:
		return "rename"
	default:
		return "unspecified"
	}
}

func netDirectionName(d schema.NetDirection) string {
	switch d {
	case schema.NetDirectionInbound:
		return "inbound"
	case schema.NetDirectionOutbound:
		return "outbound"
	default:
		return "unspecified"
	}
}

