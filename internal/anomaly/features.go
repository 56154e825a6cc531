package anomaly

import "github.com/octoreflex/octoreflex/internal/schema"

// FeatureDimension is the length of every feature vector this package
// produces and every Baseline.MeanVector it is compared against: Shannon
// entropy of the event-type mix, distinct non-zero source or destination
// ports seen, file operation count, and total network bytes observed.
const FeatureDimension = 4

// Window accumulates one binary's recent telemetry between baseline
// evaluations. Not safe for concurrent use; DETECTOR owns one Window per
// tracked PID and serializes access to it.
type Window struct {
	counts      EventCounts
	ports       map[uint32]struct{}
	fileOps     uint64
	networkByte uint64
}

// NewWindow returns an empty Window.
func NewWindow() *Window {
	return &Window{counts: EventCounts{}, ports: make(map[uint32]struct{})}
}

// Observe folds one decoded payload into the window.
func (w *Window) Observe(p schema.Payload) {
	w.counts[schema.Variant(p)]++
	switch e := p.(type) {
	case schema.FileEvent:
		w.fileOps++
	case schema.NetworkEvent:
		w.networkByte += e.Bytes
		if e.DstPort != 0 {
			w.ports[e.DstPort] = struct{}{}
		}
		if e.SrcPort != 0 {
			w.ports[e.SrcPort] = struct{}{}
		}
	}
}

// Entropy returns the Shannon entropy of the window's event-type mix.
func (w *Window) Entropy() float64 {
	return ShannonEntropy(w.counts)
}

// Features returns the feature vector x ANOMALY scores against a baseline,
// in the fixed order [entropy, distinct_ports, file_ops, network_bytes].
func (w *Window) Features() []float64 {
	return []float64{
		w.Entropy(),
		float64(len(w.ports)),
		float64(w.fileOps),
		float64(w.networkByte),
	}
}

// Reset clears the window for the next evaluation period, keeping the
// allocated map to avoid re-allocating on every tick.
func (w *Window) Reset() {
	w.counts = EventCounts{}
	for p := range w.ports {
		delete(w.ports, p)
	}
	w.fileOps = 0
	w.networkByte = 0
}
