// Package anomaly implements ANOMALY: Mahalanobis-distance scoring of a
// per-binary feature vector against a trained baseline, combined with a
// Shannon-entropy delta over the binary's recent event-type distribution
// (see entropy.go). mahalanobis.go holds the shared matrix math; this file
// holds the public Baseline/Engine/Score surface DETECTOR calls.
package anomaly

import (
	"fmt"
	"math"
	"sync"
)

// Baseline holds the statistical parameters ANOMALY scores a binary's
// current feature vector against, loaded from a LEDGER BaselineRecord and
// cached in memory by DETECTOR.
type Baseline struct {
	// MeanVector μ is the per-feature mean from training samples. Its
	// length fixes the feature dimension n for this binary.
	MeanVector []float64

	// CovarianceMatrix Σ is the n×n sample covariance matrix.
	CovarianceMatrix [][]float64

	// InvCovariance Σ⁻¹ is precomputed by InvertCovariance when the
	// baseline is (re)trained. Nil if Σ is singular, in which case Score
	// falls back to squared Euclidean distance.
	InvCovariance [][]float64

	// BaselineEntropy is the Shannon entropy of the training window's
	// event-type distribution.
	BaselineEntropy float64

	// SampleCount is the number of samples the baseline was trained on.
	SampleCount int
}

// Engine computes anomaly scores for per-binary feature vectors. Safe for
// concurrent use by multiple DETECTOR worker goroutines.
type Engine struct {
	mu            sync.RWMutex
	entropyWeight float64 // wₑ, config: detection.anomaly.entropy_weight
}

// NewEngine creates an Engine with the given entropy weight, which must lie
// in [0.0, 1.0]; NewEngine does not check it.
func NewEngine(entropyWeight float64) *Engine {
	return &Engine{entropyWeight: entropyWeight}
}

// SetEntropyWeight replaces wₑ; safe to call concurrently with Score.
func (e *Engine) SetEntropyWeight(w float64) {
	e.mu.Lock()
	e.entropyWeight = w
	e.mu.Unlock()
}

// Score computes A = (x-μ)ᵀ Σ⁻¹ (x-μ) + wₑ|ΔH|. Returns 0.0, nil if baseline
// is nil: a binary with no trained baseline yet is never escalated on
// anomaly score alone.
func (e *Engine) Score(x []float64, baseline *Baseline, currentEntropy float64) (float64, error) {
	if baseline == nil {
		return 0.0, nil
	}

	n := len(baseline.MeanVector)
	if len(x) != n {
		return 0.0, fmt.Errorf("anomaly: feature dimension mismatch: x has %d elements, baseline has %d", len(x), n)
	}

	e.mu.RLock()
	we := e.entropyWeight
	e.mu.RUnlock()

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = x[i] - baseline.MeanVector[i]
	}

	var mahal float64
	if baseline.InvCovariance != nil {
		mahal = mahalanobisSquared(diff, baseline.InvCovariance)
	} else {
		mahal = euclideanSquared(diff)
	}

	deltaH := math.Abs(currentEntropy - baseline.BaselineEntropy)
	return mahal + we*deltaH, nil
}
