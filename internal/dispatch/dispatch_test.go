package dispatch

import (
	"testing"

	"github.com/octoreflex/octoreflex/internal/ring"
	"github.com/octoreflex/octoreflex/internal/schema"
)

func newTestEncoder(t *testing.T, guid string) (*Encoder, *ring.Ring) {
	t.Helper()
	region := make([]byte, ring.HeaderSize+4096)
	r, err := ring.New(region, 4096)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return NewEncoder(r, guid), r
}

func TestTicksToUnixEpoch(t *testing.T) {
	// 11644473600 seconds at 100ns resolution is exactly the Unix epoch.
	seconds, nanos := TicksToUnix(11644473600 * 10_000_000)
	if seconds != 0 || nanos != 0 {
		t.Fatalf("TicksToUnix(epoch) = (%d, %d), want (0, 0)", seconds, nanos)
	}
}

func TestTicksToUnixKnownOffset(t *testing.T) {
	// One second and 5 ticks (500ns) past the Windows epoch offset.
	ticks := uint64(11644473601)*10_000_000 + 5
	seconds, nanos := TicksToUnix(ticks)
	if seconds != 1 {
		t.Fatalf("seconds = %d, want 1", seconds)
	}
	if nanos != 500 {
		t.Fatalf("nanos = %d, want 500", nanos)
	}
}

func TestEmitProcessCreateRoundTrips(t *testing.T) {
	enc, r := newTestEncoder(t, "sensor-xyz")
	enc.EmitProcessCreate(11644473600*10_000_000, 1234, 1, `C:\Windows\notepad.exe`, "notepad.exe test.txt")

	raw, ok := r.Pop()
	if !ok {
		t.Fatal("Pop: expected a pushed frame")
	}
	got, err := schema.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SensorGUID != "sensor-xyz" {
		t.Fatalf("SensorGUID = %q, want sensor-xyz", got.SensorGUID)
	}
	proc, ok := got.Payload.(schema.ProcessEvent)
	if !ok {
		t.Fatalf("Payload type = %T, want schema.ProcessEvent", got.Payload)
	}
	if proc.PID != 1234 || proc.PPID != 1 {
		t.Fatalf("PID/PPID = %d/%d, want 1234/1", proc.PID, proc.PPID)
	}
	if proc.ImagePath != `C:\Windows\notepad.exe` {
		t.Fatalf("ImagePath = %q", proc.ImagePath)
	}
}

func TestEmitDropsSilentlyWhenFrameExceedsRing(t *testing.T) {
	region := make([]byte, ring.HeaderSize+8)
	r, err := ring.New(region, 8)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	enc := NewEncoder(r, "sensor-tiny")

	// A ProcessEvent with a long command line cannot possibly fit in an
	// 8-byte ring; Emit must not panic and must count the drop via the
	// ring's own dropped counter (not encodeErrors, since encoding itself
	// succeeds — only the ring push fails).
	enc.EmitProcessCreate(0, 1, 0, "/bin/sh", "a very long command line that will not fit")

	if r.Dropped() == 0 {
		t.Fatal("expected ring to record a drop for an oversized frame")
	}
	if enc.EncodeErrors() != 0 {
		t.Fatalf("EncodeErrors = %d, want 0 (ring drop, not encode failure)", enc.EncodeErrors())
	}
}
