// Package maint implements MAINT: the periodic TTL purge and WAL
// checkpoint jobs that run against U-WRITER's SQLite event archive.
package maint

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/observability"
)

var eventTables = []string{"process_events", "file_events", "network_events", "etw_events"}

const checkpointPragma = `PRAGMA wal_checkpoint(TRUNCATE)`

// Scheduler runs the TTL purge and WAL checkpoint jobs on their own
// tickers from a single goroutine, so a slow purge delays the next
// checkpoint and vice versa. Both jobs use the db handle passed in; they
// do not open connections of their own.
type Scheduler struct {
	db                *sql.DB
	metrics           *observability.Metrics
	log               *zap.Logger
	ttlSeconds        int64
	checkpointSeconds int
}

// NewScheduler constructs a Scheduler. ttlSeconds == 0 disables the TTL
// purge job entirely; checkpointSeconds must be >= 1.
func NewScheduler(db *sql.DB, metrics *observability.Metrics, log *zap.Logger, ttlSeconds int64, checkpointSeconds int) *Scheduler {
	return &Scheduler{db: db, metrics: metrics, log: log, ttlSeconds: ttlSeconds, checkpointSeconds: checkpointSeconds}
}

// Run starts both jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	checkpointTicker := time.NewTicker(time.Duration(s.checkpointSeconds) * time.Second)
	defer checkpointTicker.Stop()

	var ttlTicker *time.Ticker
	var ttlC <-chan time.Time
	if s.ttlSeconds > 0 {
		ttlTicker = time.NewTicker(60 * time.Second)
		defer ttlTicker.Stop()
		ttlC = ttlTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkpointTicker.C:
			if err := s.checkpoint(); err != nil {
				s.log.Warn("wal checkpoint failed, will retry next tick", zap.Error(err))
				continue
			}
			s.metrics.MaintCheckpointsTotal.Inc()
		case <-ttlC:
			deleted, err := s.purgeExpired()
			if err != nil {
				s.log.Warn("ttl purge failed, will retry next tick", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.metrics.MaintPurgedTotal.Add(float64(deleted))
			}
			if err := s.checkpoint(); err != nil {
				s.log.Warn("post-purge wal checkpoint failed", zap.Error(err))
			}
		}
	}
}

// purgeExpired deletes rows older than ttlSeconds from every event table,
// returning the total number of rows deleted.
func (s *Scheduler) purgeExpired() (int64, error) {
	cutoff := time.Now().UnixMicro() - s.ttlSeconds*1_000_000

	var total int64
	for _, table := range eventTables {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE ts_us < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Scheduler) checkpoint() error {
	_, err := s.db.Exec(checkpointPragma)
	return err
}
