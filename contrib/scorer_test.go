package contrib

import "testing"

func TestBuiltinScorersRegistered(t *testing.T) {
	names := ListScorers()
	want := map[string]bool{"mahalanobis": false, "zscore": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Fatalf("scorer %q not registered, got %v", n, names)
		}
	}
}

func TestGetScorerUnknownNameErrors(t *testing.T) {
	if _, err := GetScorer("does-not-exist"); err == nil {
		t.Fatal("GetScorer(unknown): want error, got nil")
	}
}

func TestRegisterScorerDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("RegisterScorer(duplicate name): want panic, got none")
		}
	}()
	RegisterScorer(&ZScoreScorer{})
}

func TestZScoreScorerNilBaselineReturnsZero(t *testing.T) {
	z := &ZScoreScorer{}
	score, err := z.Score(ScoreRequest{Features: []float64{1, 2, 3}})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0.0 {
		t.Fatalf("Score(nil baseline) = %v, want 0", score)
	}
}

func TestZScoreScorerDimensionMismatchErrors(t *testing.T) {
	z := &ZScoreScorer{}
	baseline := &BaselineSnapshot{Mean: []float64{0, 0}, StdDev: []float64{1, 1}}
	if _, err := z.Score(ScoreRequest{Features: []float64{1}, Baseline: baseline}); err == nil {
		t.Fatal("Score(mismatched dims): want error, got nil")
	}
}

func TestMahalanobisScorerMatchesEngine(t *testing.T) {
	s, err := GetScorer("mahalanobis")
	if err != nil {
		t.Fatalf("GetScorer(mahalanobis): %v", err)
	}
	baseline := &BaselineSnapshot{Mean: []float64{0, 0}, BaselineEntropy: 0.0}
	score, err := s.Score(ScoreRequest{Features: []float64{0, 0}, CurrentEntropy: 0.0, Baseline: baseline})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0.0 {
		t.Fatalf("Score(x == mean, no entropy delta) = %v, want 0", score)
	}
}
