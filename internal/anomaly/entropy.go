package anomaly

import "math"

// EventCounts holds, for one binary's recent event window, the number of
// decoded events observed per schema.Variant() label. The teacher indexed
// a fixed [4]uint64 array by raw BPF event-type constant; this tree has no
// fixed universe of kernel event-type numbers to index by, so entropy is
// computed over the wire schema's stable variant labels instead.
type EventCounts map[string]uint64

// ShannonEntropy computes H = -Σ p(eᵢ) log₂ p(eᵢ) over counts. Returns 0.0
// for an empty window or a degenerate (single-type) distribution.
func ShannonEntropy(counts EventCounts) float64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0.0
	}

	fTotal := float64(total)
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / fTotal
		h -= p * math.Log2(p)
	}
	return h
}

// MaxEntropy returns log₂(k), the maximum possible entropy for k distinct
// non-zero event types.
func MaxEntropy(k int) float64 {
	if k <= 1 {
		return 0.0
	}
	return math.Log2(float64(k))
}

// NormalisedEntropy returns ShannonEntropy(counts) / MaxEntropy(numTypes),
// a value in [0.0, 1.0], or 0.0 if numTypes <= 1.
func NormalisedEntropy(counts EventCounts, numTypes int) float64 {
	hMax := MaxEntropy(numTypes)
	if hMax == 0.0 {
		return 0.0
	}
	return ShannonEntropy(counts) / hMax
}
