// Package dispatch implements the DISPATCH encoder contract of
// SPEC_FULL.md §4.2: turn a process-creation notification into a framed
// BaseEvent and push it into K-RING without ever blocking or panicking —
// this is the code a kernel callback boundary calls into, so any failure
// here must be silent and non-fatal (see Open Question decision #3 in
// DESIGN.md).
package dispatch

import (
	"sync/atomic"

	"github.com/octoreflex/octoreflex/internal/ring"
	"github.com/octoreflex/octoreflex/internal/schema"
)

// windowsEpochOffsetSeconds is the number of seconds between the Windows
// FILETIME epoch (1601-01-01T00:00:00Z) and the Unix epoch
// (1970-01-01T00:00:00Z).
const windowsEpochOffsetSeconds = 11644473600

// TicksToUnix converts a FILETIME-style tick count (100-nanosecond
// intervals since 1601-01-01) into Unix (seconds, nanoseconds).
func TicksToUnix(ticks uint64) (seconds int64, nanos int32) {
	totalSeconds := int64(ticks / 10_000_000)
	remainderNanos := int64(ticks%10_000_000) * 100
	return totalSeconds - windowsEpochOffsetSeconds, int32(remainderNanos)
}

// Encoder builds BaseEvent frames and pushes them into a K-RING. One
// Encoder is bound to exactly one sensor GUID and one Ring, per
// SPEC_FULL.md §4.2 — the GUID always comes from configuration (Open
// Question decision #2), never a compile-time constant.
type Encoder struct {
	ring       *ring.Ring
	sensorGUID string

	encodeErrors atomic.Uint64
}

// NewEncoder binds an Encoder to r, emitting events tagged with
// sensorGUID. sensorGUID must be supplied by the caller from
// agentconfig.Config.Sensor.GUID or an equivalent configuration source.
func NewEncoder(r *ring.Ring, sensorGUID string) *Encoder {
	return &Encoder{ring: r, sensorGUID: sensorGUID}
}

// EncodeErrors returns the count of events dropped because they could not
// be encoded. Sampled by U-INGEST-adjacent observability, never by the
// callback path itself.
func (e *Encoder) EncodeErrors() uint64 { return e.encodeErrors.Load() }

// Emit builds a BaseEvent from (tsSeconds, tsNanos, payload) and pushes it
// to the ring. Any encoding failure is swallowed: the event is dropped and
// encodeErrors is incremented, but Emit never returns an error and never
// panics — this mirrors the non-blocking, non-reentrant constraints a real
// kernel callback operates under.
func (e *Encoder) Emit(tsSeconds int64, tsNanos int32, payload schema.Payload) {
	raw, err := schema.Encode(schema.BaseEvent{
		TsSeconds:  tsSeconds,
		TsNanos:    tsNanos,
		SensorGUID: e.sensorGUID,
		Payload:    payload,
	})
	if err != nil {
		e.encodeErrors.Add(1)
		return
	}
	e.ring.Push(raw)
}

// EmitProcessCreate builds and pushes a ProcessEvent from a process-create
// notification, converting the supplied FILETIME-style tick count per
// SPEC_FULL.md §4.2. A nil info (process exit) must not reach this
// function — the caller filters exits before calling EmitProcessCreate.
func (e *Encoder) EmitProcessCreate(creationTicks uint64, pid, ppid uint32, imagePath, cmdLine string) {
	seconds, nanos := TicksToUnix(creationTicks)
	e.Emit(seconds, nanos, schema.ProcessEvent{
		PID:       pid,
		PPID:      ppid,
		ImagePath: imagePath,
		CmdLine:   cmdLine,
	})
}
