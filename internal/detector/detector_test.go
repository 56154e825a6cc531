package detector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/octoreflex/octoreflex/contrib"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/escalation"
	"github.com/octoreflex/octoreflex/internal/ledger"
	"github.com/octoreflex/octoreflex/internal/observability"
	"github.com/octoreflex/octoreflex/internal/router"
	"github.com/octoreflex/octoreflex/internal/schema"
)

// fixedScorer always returns a constant score, letting tests drive
// escalation deterministically without a trained baseline.
type fixedScorer struct{ score float64 }

func (f fixedScorer) Name() string { return "fixed" }
func (f fixedScorer) Score(req contrib.ScoreRequest) (float64, error) {
	return f.score, nil
}
func (f fixedScorer) UpdateBaseline(_ contrib.UpdateRequest) error { return nil }

func newTestDetector(t *testing.T, scorer contrib.AnomalyScorer) (*Detector, *ledger.Ledger, *budget.Bucket) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), 30)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	bucket := budget.New(1000, time.Hour)
	t.Cleanup(bucket.Close)

	d := New(
		scorer,
		led,
		bucket,
		escalation.DefaultWeights(),
		escalation.DefaultThresholds(),
		0.8,
		10*time.Millisecond,
		50*time.Millisecond,
		observability.NewMetrics(),
		zaptest.NewLogger(t),
	)
	return d, led, bucket
}

func TestObserveCreatesTrackedBinary(t *testing.T) {
	d, _, _ := newTestDetector(t, fixedScorer{score: 0.0})

	d.observe("s1", 42, "/usr/bin/curl", schema.ProcessEvent{PID: 42, ImagePath: "/usr/bin/curl"}, time.Now())

	d.mu.Lock()
	tb, ok := d.tracked[42]
	d.mu.Unlock()
	if !ok {
		t.Fatal("observe: expected a tracked binary for pid 42")
	}
	if tb.imagePath != "/usr/bin/curl" {
		t.Fatalf("imagePath = %q, want /usr/bin/curl", tb.imagePath)
	}
}

func TestObserveIgnoresZeroPID(t *testing.T) {
	d, _, _ := newTestDetector(t, fixedScorer{score: 0.0})
	d.observe("s1", 0, "", schema.EtwEvent{}, time.Now())
	if len(d.tracked) != 0 {
		t.Fatalf("len(tracked) = %d, want 0 for pid 0", len(d.tracked))
	}
}

func TestEvalOneEscalatesAndWritesLedgerEntry(t *testing.T) {
	// A high fixed score (severity 22 with the default weights) crosses
	// every threshold on the first evaluation; TargetState jumps straight
	// to the highest one crossed, and Escalate moves directly there.
	d, led, bucket := newTestDetector(t, fixedScorer{score: 50.0})

	d.observe("{sensor-1}", 7, "/usr/bin/evil", schema.ProcessEvent{PID: 7, ImagePath: "/usr/bin/evil"}, time.Now())
	d.evalOne(7)

	d.mu.Lock()
	tb := d.tracked[7]
	d.mu.Unlock()
	if tb.state.Current() != escalation.StateTerminated {
		t.Fatalf("state = %v, want TERMINATED", tb.state.Current())
	}

	entries, err := led.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].ImagePath != "/usr/bin/evil" || entries[0].StateTo != uint8(escalation.StateTerminated) {
		t.Fatalf("unexpected ledger entry: %+v", entries[0])
	}
	if bucket.ConsumedTotal() == 0 {
		t.Fatal("expected budget to have been consumed")
	}
}

func TestEvalOneDefersWhenBudgetExhausted(t *testing.T) {
	d, led, bucket := newTestDetector(t, fixedScorer{score: 50.0})
	// Drain the bucket completely before the first evaluation.
	bucket.Consume(bucket.Capacity())

	d.observe("{sensor-1}", 9, "/usr/bin/evil", schema.ProcessEvent{PID: 9, ImagePath: "/usr/bin/evil"}, time.Now())
	d.evalOne(9)

	d.mu.Lock()
	tb := d.tracked[9]
	d.mu.Unlock()
	if tb.state.Current() != escalation.StateNormal {
		t.Fatalf("state = %v, want NORMAL (escalation must be deferred while budget is exhausted)", tb.state.Current())
	}

	entries, err := led.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 while budget is exhausted", len(entries))
	}
}

func TestDecayOnceReducesQuiescentState(t *testing.T) {
	d, _, _ := newTestDetector(t, fixedScorer{score: 0.0})
	d.observe("{sensor-1}", 11, "/usr/bin/curl", schema.ProcessEvent{PID: 11}, time.Now())

	d.mu.Lock()
	tb := d.tracked[11]
	d.mu.Unlock()
	tb.state.Escalate(escalation.StatePressure)

	time.Sleep(60 * time.Millisecond) // exceed the 50ms cooldown configured above
	d.decayOnce()

	if got := tb.state.Current(); got != escalation.StateNormal {
		t.Fatalf("state after decay = %v, want NORMAL", got)
	}
}

func TestDecayOnceLeavesFreshStateAlone(t *testing.T) {
	d, _, _ := newTestDetector(t, fixedScorer{score: 0.0})
	d.observe("{sensor-1}", 13, "/usr/bin/curl", schema.ProcessEvent{PID: 13}, time.Now())

	d.mu.Lock()
	tb := d.tracked[13]
	d.mu.Unlock()
	tb.state.Escalate(escalation.StatePressure)

	d.decayOnce() // called immediately, well before the cooldown elapses
	if got := tb.state.Current(); got != escalation.StatePressure {
		t.Fatalf("state = %v, want PRESSURE (cooldown has not elapsed yet)", got)
	}
}

func TestRunAllStopsOnContextCancel(t *testing.T) {
	d, _, _ := newTestDetector(t, fixedScorer{score: 0.0})
	rt := router.New(router.MetricsDropCounters{Metrics: observability.NewMetrics()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.RunAll(ctx, rt)
		close(done)
	}()

	rt.Route(schema.BaseEvent{SensorGUID: "{sensor-1}", Payload: schema.ProcessEvent{PID: 21, ImagePath: "/bin/sh"}})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not return after context cancellation")
	}
}
