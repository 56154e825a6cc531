// Package ingest implements U-INGEST: the single consumer task that drains
// K-RING, decodes frames into BaseEvents, and hands them to ROUTER. Modeled
// on kernel.Processor's reader-goroutine shape (periodic drop-counter
// sampling alongside a tight decode loop), adapted from a blocking
// ringbuf.Reader to K-RING's poll-and-sleep consumer contract.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/ring"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

const (
	idleSleepDefault = 500 * time.Millisecond
	idleSleepFloor   = 10 * time.Millisecond
	idleSleepCeiling = 1 * time.Second

	dropSampleInterval = 5 * time.Second
)

// Processor is the single U-INGEST task bound to one Ring. Exactly one
// Processor may run against a given Ring at a time — Pop has no internal
// locking, relying on the SPSC contract K-RING documents.
type Processor struct {
	ring    *ring.Ring
	router  *router.Router
	metrics *observability.Metrics
	log     *zap.Logger

	idleSleep time.Duration
}

// NewProcessor constructs a Processor. It sets idleSleep to 500ms, but Run
// does not read that field: Run's idle wait is the adaptive interval
// described on Run.
func NewProcessor(r *ring.Ring, rt *router.Router, metrics *observability.Metrics, log *zap.Logger) *Processor {
	return &Processor{ring: r, router: rt, metrics: metrics, log: log, idleSleep: idleSleepDefault}
}

// Run drains the ring until ctx is cancelled. On every empty Pop it sleeps
// for an adaptive interval bounded to [idleSleepFloor, idleSleepCeiling]:
// the interval backs off on consecutive empty pops and resets to the floor
// as soon as a frame is found, so a bursty producer is drained promptly
// without the idle consumer spinning.
func (p *Processor) Run(ctx context.Context) {
	dropTicker := time.NewTicker(dropSampleInterval)
	defer dropTicker.Stop()

	var lastDropped uint32
	sleep := idleSleepFloor

	for {
		select {
		case <-ctx.Done():
			return
		case <-dropTicker.C:
			total := p.ring.Dropped()
			delta := total - lastDropped
			if delta > 0 {
				p.metrics.RingDroppedTotal.Add(float64(delta))
				lastDropped = total
			}
		default:
		}

		frame, ok := p.ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			sleep *= 2
			if sleep > idleSleepCeiling {
				sleep = idleSleepCeiling
			}
			continue
		}
		sleep = idleSleepFloor

		event, err := schema.Decode(frame)
		if err != nil {
			p.metrics.EvtDecodeErrorTotal.Inc()
			p.log.Debug("discarding frame: decode failed", zap.Error(err), zap.Int("frame_len", len(frame)))
			continue
		}

		p.metrics.EventsTotal.WithLabelValues(schema.Variant(event.Payload)).Inc()
		p.router.Route(event)
	}
}
