// Package detector implements DETECTOR: the concrete realtime subscriber
// ROUTER's broadcast bus is built for. One goroutine drains each
// payload-variant broadcast channel and folds what it sees into a
// per-pid tracked binary: ANOMALY scores the accumulated
// feature window against a LEDGER-trained baseline, ESCALATION turns that
// score into a pressure value and a target risk state, BUDGET gates
// whether the resulting transition may be persisted, and a successful
// transition is appended to LEDGER and reflected in the Prometheus
// metrics. Grounded on the teacher's cmd/octoreflex runWorker loop (the
// per-PID accumulator/state map, escalate-then-consult-budget-then-ledger
// sequence), rewired onto decoded schema.Payload values and a trained
// anomaly.Baseline instead of raw BPF counters and a live BPF map write.
package detector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/contrib"
	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/ledger"
	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

// trackedBinary holds the per-pid state DETECTOR accumulates between
// evaluations. Identified by pid alone; sensorGUID is taken from the
// first event seen for that pid and not updated afterwards. image_path is
// filled in as soon as a payload carrying one is observed (ProcessEvent,
// or a FileEvent/NetworkEvent's exe_path) and used as the LEDGER baseline
// lookup key.
type trackedBinary struct {
	sensorGUID string
	imagePath  string

	window   *anomaly.Window
	pressure *escalation.Accumulator
	state    *escalation.ProcessState

	baseline       *anomaly.Baseline
	baselineLoaded bool
}

// Detector composes ANOMALY, ESCALATION, BUDGET, and LEDGER against
// ROUTER's broadcast bus. Safe for concurrent use; one Detector serves
// all four payload-variant goroutines plus its own evaluation and decay
// tickers.
type Detector struct {
	mu      sync.Mutex
	tracked map[uint32]*trackedBinary

	scorer  contrib.AnomalyScorer
	ledger  *ledger.Ledger
	budget  *budget.Bucket
	metrics *observability.Metrics
	log     *zap.Logger

	weights    escalation.Weights
	thresholds escalation.Thresholds
	pressureAlpha float64

	windowInterval time.Duration
	cooldown       time.Duration

	ledgerEntries   atomic.Uint64
	lastRefills     uint64
	lastConsumed    uint64
}

// New constructs a Detector. scorer is the contrib.AnomalyScorer selected
// by detection.anomaly.scorer (resolved by the caller via
// contrib.GetScorer so an unknown name fails fast at startup rather than
// per-evaluation).
func New(
	scorer contrib.AnomalyScorer,
	led *ledger.Ledger,
	bucket *budget.Bucket,
	weights escalation.Weights,
	thresholds escalation.Thresholds,
	pressureAlpha float64,
	windowInterval time.Duration,
	cooldown time.Duration,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Detector {
	return &Detector{
		tracked:        make(map[uint32]*trackedBinary),
		scorer:         scorer,
		ledger:         led,
		budget:         bucket,
		metrics:        metrics,
		log:            log,
		weights:        weights,
		thresholds:     thresholds,
		pressureAlpha:  pressureAlpha,
		windowInterval: windowInterval,
		cooldown:       cooldown,
	}
}

// RunAll starts one drain goroutine per ROUTER broadcast bus plus the
// window-evaluation and state-decay tickers, and blocks until ctx is
// cancelled and every goroutine has returned.
func (d *Detector) RunAll(ctx context.Context, rt *router.Router) {
	procCh, procUnsub := rt.Process().Subscribe()
	defer procUnsub()
	fileCh, fileUnsub := rt.File().Subscribe()
	defer fileUnsub()
	netCh, netUnsub := rt.Network().Subscribe()
	defer netUnsub()
	etwCh, etwUnsub := rt.Etw().Subscribe()
	defer etwUnsub()

	done := make(chan struct{}, 6)
	go func() {
		consume(ctx, procCh, func(p schema.ProcessEvent) string { return p.ImagePath }, d)
		done <- struct{}{}
	}()
	go func() {
		consume(ctx, fileCh, func(p schema.FileEvent) string { return p.ExePath }, d)
		done <- struct{}{}
	}()
	go func() {
		consume(ctx, netCh, func(p schema.NetworkEvent) string { return p.ExePath }, d)
		done <- struct{}{}
	}()
	go func() {
		consume(ctx, etwCh, func(p schema.EtwEvent) string { return "" }, d)
		done <- struct{}{}
	}()
	go func() { d.evalLoop(ctx); done <- struct{}{} }()
	go func() { d.decayLoop(ctx); done <- struct{}{} }()

	for i := 0; i < 6; i++ {
		<-done
	}
}

// pidOf extracts the PID carried by every payload variant DETECTOR sees.
func pidOf(p schema.Payload) uint32 {
	switch v := p.(type) {
	case schema.ProcessEvent:
		return v.PID
	case schema.FileEvent:
		return v.PID
	case schema.NetworkEvent:
		return v.PID
	case schema.EtwEvent:
		return v.PID
	default:
		return 0
	}
}

// consume drains one typed broadcast channel, folding each event into its
// tracked binary. imagePath extracts whatever path hint this variant
// carries (empty string if none).
func consume[V schema.Payload](ctx context.Context, ch <-chan router.WrappedEvent[V], imagePath func(V) string, d *Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.observe(e.SensorGUID, pidOf(e.Payload), imagePath(e.Payload), e.Payload, time.Unix(e.TsSeconds, int64(e.TsNanos)))
		}
	}
}

// observe folds one decoded payload into its tracked binary, creating the
// tracked entry on first sight of a PID.
func (d *Detector) observe(sensorGUID string, pid uint32, imagePath string, p schema.Payload, ts time.Time) {
	if pid == 0 {
		return
	}

	d.mu.Lock()
	tb, exists := d.tracked[pid]
	if !exists {
		tb = &trackedBinary{
			sensorGUID: sensorGUID,
			window:     anomaly.NewWindow(),
			pressure:   escalation.NewAccumulator(d.pressureAlpha),
			state:      escalation.NewProcessState(pid),
		}
		d.tracked[pid] = tb
		d.metrics.TrackedEntities.Set(float64(len(d.tracked)))
	}
	if imagePath != "" {
		tb.imagePath = imagePath
	}
	tb.window.Observe(p)
	tb.state.TouchEvent(ts)
	d.mu.Unlock()
}

// evalLoop periodically folds every tracked binary's accumulated window
// into an ANOMALY score and drives it through ESCALATION, BUDGET, and
// LEDGER.
func (d *Detector) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(d.windowInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evalOnce()
			d.sampleBudgetMetrics()
		}
	}
}

func (d *Detector) evalOnce() {
	d.mu.Lock()
	pids := make([]uint32, 0, len(d.tracked))
	for pid := range d.tracked {
		pids = append(pids, pid)
	}
	d.mu.Unlock()

	for _, pid := range pids {
		d.evalOne(pid)
	}
}

func (d *Detector) evalOne(pid uint32) {
	d.mu.Lock()
	tb, ok := d.tracked[pid]
	if !ok {
		d.mu.Unlock()
		return
	}
	features := tb.window.Features()
	currentEntropy := tb.window.Entropy()
	tb.window.Reset()
	imagePath := tb.imagePath
	d.mu.Unlock()

	if !tb.baselineLoaded {
		d.loadBaseline(tb, imagePath)
	}

	score, err := d.scorer.Score(contrib.ScoreRequest{
		PID:            pid,
		Features:       features,
		CurrentEntropy: currentEntropy,
		Baseline:       toSnapshot(tb.baseline),
	})
	if err != nil {
		d.log.Warn("anomaly scoring failed", zap.Uint32("pid", pid), zap.String("scorer", d.scorer.Name()), zap.Error(err))
		return
	}
	d.metrics.AnomalyEvalsTotal.Inc()
	d.metrics.AnomalyScoreHistogram.Observe(score)

	pressure := tb.pressure.Update(score)
	tb.state.UpdatePressure(pressure)

	severity := escalation.ComputeSeverity(escalation.Inputs{
		AnomalyScore: score,
		// Cross-host correlation and binary-integrity checking have no
		// implementation in this tree; these two inputs are always 0.0.
		QuorumSignal:   0.0,
		IntegrityScore: 0.0,
		PressureScore:  pressure,
	}, d.weights)

	current := tb.state.Current()
	target := escalation.TargetState(severity, d.thresholds)
	if target <= current {
		return
	}

	if !d.budget.ConsumeForState(target) {
		d.log.Warn("budget exhausted — deferring escalation",
			zap.Uint32("pid", pid),
			zap.String("target", target.String()),
			zap.Int("remaining", d.budget.Remaining()))
		return
	}

	newState, transitioned := tb.state.Escalate(target)
	if !transitioned {
		return
	}

	entry := ledger.LedgerEntry{
		Timestamp:       time.Now().UTC(),
		SensorGUID:      tb.sensorGUID,
		PID:             pid,
		ImagePath:       imagePath,
		StateFrom:       uint8(current),
		StateTo:         uint8(newState),
		Severity:        severity,
		AnomalyScore:    score,
		Pressure:        pressure,
		BudgetRemaining: d.budget.Remaining(),
	}
	start := time.Now()
	if err := d.ledger.AppendLedger(entry); err != nil {
		d.log.Error("ledger write failed", zap.Uint32("pid", pid), zap.Error(err))
		return
	}
	d.metrics.LedgerWriteLatency.Observe(time.Since(start).Seconds())
	d.metrics.LedgerEntries.Set(float64(d.ledgerEntries.Add(1)))

	d.metrics.StateTransitionsTotal.WithLabelValues(current.String(), newState.String()).Inc()
	d.metrics.BudgetTokensRemaining.Set(float64(d.budget.Remaining()))

	d.log.Info("state escalated",
		zap.Uint32("pid", pid),
		zap.String("image_path", imagePath),
		zap.String("from", current.String()),
		zap.String("to", newState.String()),
		zap.Float64("severity", severity),
		zap.Float64("anomaly_score", score),
	)
}

// loadBaseline fetches a LEDGER baseline for imagePath, caching it (and a
// precomputed covariance inverse) on tb. A binary with no baseline yet is
// marked loaded anyway so DETECTOR does not hit LEDGER on every
// evaluation while it waits for one to be trained.
func (d *Detector) loadBaseline(tb *trackedBinary, imagePath string) {
	tb.baselineLoaded = true
	if imagePath == "" {
		return
	}
	rec, err := d.ledger.GetBaseline(imagePath)
	if err != nil {
		d.log.Warn("baseline lookup failed", zap.String("image_path", imagePath), zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	tb.baseline = &anomaly.Baseline{
		MeanVector:      rec.MeanVector,
		CovarianceMatrix: rec.CovarianceMatrix,
		InvCovariance:   anomaly.InvertCovariance(rec.CovarianceMatrix),
		BaselineEntropy: rec.BaselineEntropy,
		SampleCount:     rec.SampleCount,
	}
}

// toSnapshot adapts an anomaly.Baseline to the contrib.BaselineSnapshot
// custom scorers see, computing the per-feature standard deviation
// z-score scorers want from the covariance diagonal.
func toSnapshot(b *anomaly.Baseline) *contrib.BaselineSnapshot {
	if b == nil {
		return nil
	}
	stdDev := make([]float64, len(b.MeanVector))
	for i := range stdDev {
		if i < len(b.CovarianceMatrix) && i < len(b.CovarianceMatrix[i]) {
			stdDev[i] = math.Sqrt(b.CovarianceMatrix[i][i])
		}
	}
	return &contrib.BaselineSnapshot{
		Mean:            b.MeanVector,
		StdDev:          stdDev,
		InvCovariance:   b.InvCovariance,
		BaselineEntropy: b.BaselineEntropy,
		SampleCount:     uint32(b.SampleCount),
	}
}

// decayLoop reduces any tracked binary's risk state by one level once it
// has spent cooldown in its current state (since its last escalation or
// decay); newly observed events do not restart that period.
// Mirrors the teacher's cool-down scheduler, now applied to a risk state
// instead of a live containment state.
func (d *Detector) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cooldown)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.decayOnce()
		}
	}
}

func (d *Detector) decayOnce() {
	d.mu.Lock()
	tbs := make([]*trackedBinary, 0, len(d.tracked))
	for _, tb := range d.tracked {
		tbs = append(tbs, tb)
	}
	d.mu.Unlock()

	for _, tb := range tbs {
		if tb.state.Current() == escalation.StateNormal || tb.state.TimeInState() < d.cooldown {
			continue
		}
		from := tb.state.Current()
		to, decayed := tb.state.Decay()
		if !decayed {
			continue
		}
		d.metrics.StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		if to == escalation.StateNormal {
			tb.pressure.Reset()
		}
	}
}

// sampleBudgetMetrics reflects the budget bucket's cumulative counters
// into Prometheus, since Bucket itself has no metrics dependency.
func (d *Detector) sampleBudgetMetrics() {
	d.metrics.BudgetTokensRemaining.Set(float64(d.budget.Remaining()))

	if refills := d.budget.RefillCount(); refills > d.lastRefills {
		d.metrics.BudgetRefillsTotal.Add(float64(refills - d.lastRefills))
		d.lastRefills = refills
	}
	if consumed := d.budget.ConsumedTotal(); consumed > d.lastConsumed {
		d.metrics.BudgetConsumedTotal.Add(float64(consumed - d.lastConsumed))
		d.lastConsumed = consumed
	}
}
