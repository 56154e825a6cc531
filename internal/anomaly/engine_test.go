package anomaly

import (
	"math"
	"testing"
)

func TestScoreNilBaselineReturnsZero(t *testing.T) {
	e := NewEngine(0.3)
	score, err := e.Score([]float64{1, 2, 3}, nil, 0.5)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0.0 {
		t.Fatalf("Score(nil baseline) = %v, want 0", score)
	}
}

func TestScoreDimensionMismatchErrors(t *testing.T) {
	e := NewEngine(0.3)
	baseline := &Baseline{MeanVector: []float64{0, 0}}
	if _, err := e.Score([]float64{1}, baseline, 0.0); err == nil {
		t.Fatal("Score with mismatched dimensions: want error, got nil")
	}
}

func TestScoreAtMeanWithoutEntropyDeltaIsZero(t *testing.T) {
	e := NewEngine(0.3)
	cov := [][]float64{{1, 0}, {0, 1}}
	baseline := &Baseline{
		MeanVector:       []float64{5, 5},
		CovarianceMatrix: cov,
		InvCovariance:    InvertCovariance(cov),
		BaselineEntropy:  1.0,
	}
	score, err := e.Score([]float64{5, 5}, baseline, 1.0)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0.0 {
		t.Fatalf("Score(x == μ, ΔH == 0) = %v, want 0", score)
	}
}

func TestScoreFallsBackToEuclideanOnSingularCovariance(t *testing.T) {
	e := NewEngine(0.0)
	baseline := &Baseline{
		MeanVector:       []float64{0, 0},
		CovarianceMatrix: [][]float64{{1, 1}, {1, 1}},
		InvCovariance:    nil,
	}
	score, err := e.Score([]float64{3, 4}, baseline, 0.0)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(score-25.0) > 1e-9 {
		t.Fatalf("Score(singular cov) = %v, want 25 (euclidean fallback)", score)
	}
}

func TestScoreIncludesWeightedEntropyDelta(t *testing.T) {
	e := NewEngine(0.5)
	cov := [][]float64{{1}}
	baseline := &Baseline{
		MeanVector:       []float64{0},
		CovarianceMatrix: cov,
		InvCovariance:    InvertCovariance(cov),
		BaselineEntropy:  1.0,
	}
	score, err := e.Score([]float64{0}, baseline, 2.0)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(score-0.5) > 1e-9 {
		t.Fatalf("Score = %v, want 0.5 (0 mahal + 0.5*|2-1|)", score)
	}
}
