package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPutAndGetBaseline(t *testing.T) {
	l := openTestLedger(t)

	rec := BaselineRecord{
		BinaryPath:       "/usr/bin/curl",
		MeanVector:       []float64{1.0, 2.0, 3.0},
		CovarianceMatrix: [][]float64{{1, 0}, {0, 1}},
		BaselineEntropy:  0.85,
		SampleCount:      500,
	}
	if err := l.PutBaseline(rec); err != nil {
		t.Fatalf("PutBaseline: %v", err)
	}

	got, err := l.GetBaseline("/usr/bin/curl")
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if got == nil {
		t.Fatal("GetBaseline: expected a record, got nil")
	}
	if got.SampleCount != 500 || got.BaselineEntropy != 0.85 {
		t.Fatalf("got %+v", got)
	}
}

func TestGetBaselineMissingReturnsNilNil(t *testing.T) {
	l := openTestLedger(t)
	got, err := l.GetBaseline("/no/such/binary")
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown binary, got %+v", got)
	}
}

func TestAppendAndReadLedger(t *testing.T) {
	l := openTestLedger(t)

	for i := 0; i < 3; i++ {
		entry := LedgerEntry{
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			SensorGUID: "{sensor-1}",
			PID:        uint32(100 + i),
			ImagePath:  "/bin/sh",
			StateFrom:  0,
			StateTo:    1,
			Severity:   2.5,
		}
		if err := l.AppendLedger(entry); err != nil {
			t.Fatalf("AppendLedger: %v", err)
		}
	}

	entries, err := l.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatal("ReadLedger: entries not in chronological order")
		}
	}
}

func TestPruneOldLedgerEntries(t *testing.T) {
	l := openTestLedger(t)

	old := LedgerEntry{Timestamp: time.Now().UTC().AddDate(0, 0, -60), PID: 1}
	recent := LedgerEntry{Timestamp: time.Now().UTC(), PID: 2}
	if err := l.AppendLedger(old); err != nil {
		t.Fatalf("AppendLedger(old): %v", err)
	}
	if err := l.AppendLedger(recent); err != nil {
		t.Fatalf("AppendLedger(recent): %v", err)
	}

	deleted, err := l.PruneOldLedgerEntries()
	if err != nil {
		t.Fatalf("PruneOldLedgerEntries: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	entries, err := l.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 || entries[0].PID != 2 {
		t.Fatalf("expected only the recent entry to survive, got %+v", entries)
	}
}
