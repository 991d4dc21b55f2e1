package decision

import (
	"testing"

	"github.com/tradewheel/autonomy/internal/strategy"
)

func TestScoreCombinations(t *testing.T) {
	testCases := []struct {
		name    string
		flags   strategy.Flags
		aligned bool
		penalty int
		want    int
	}{
		{"no signals", strategy.Flags{}, false, 0, 0},
		{"entry only", strategy.Flags{Entry: true}, false, 0, 30},
		{"entry plus strong", strategy.Flags{Entry: true, Strong: true}, false, 0, 55},
		{"entry strong aligned", strategy.Flags{Entry: true, Strong: true}, true, 0, 65},
		{"news penalty applies", strategy.Flags{Entry: true, Strong: true}, true, -20, 45},
		{"weak drags down", strategy.Flags{Entry: true, Weak: true}, false, 0, 15},
		{"exit overwhelms entry", strategy.Flags{Entry: true, Exit: true}, false, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, breakdown := Score(tc.flags, tc.aligned, tc.penalty)
			if got != tc.want {
				t.Errorf("score: got %d want %d", got, tc.want)
			}
			if breakdown.FinalScore != got {
				t.Errorf("breakdown.FinalScore %d disagrees with score %d", breakdown.FinalScore, got)
			}
		})
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	score, breakdown := Score(strategy.Flags{Exit: true}, false, 0)
	if score != 0 {
		t.Errorf("exit alone must clamp to 0, got %d", score)
	}
	if breakdown.RawTotal != -40 {
		t.Errorf("raw total should keep the unclamped value, got %d", breakdown.RawTotal)
	}
	if breakdown.FinalScore != 0 {
		t.Errorf("final score must be clamped, got %d", breakdown.FinalScore)
	}
}

func TestScoreClampsPenaltyRange(t *testing.T) {
	// penalties outside [-40, 0] are brought back into range first
	got, b := Score(strategy.Flags{Entry: true, Strong: true}, true, -1000)
	if b.NewsPenalty != -40 {
		t.Errorf("penalty should clamp to -40, got %d", b.NewsPenalty)
	}
	if got != 25 {
		t.Errorf("score: got %d want 25", got)
	}
	got, b = Score(strategy.Flags{Entry: true}, false, 15)
	if b.NewsPenalty != 0 {
		t.Errorf("positive penalty should clamp to 0, got %d", b.NewsPenalty)
	}
	if got != 30 {
		t.Errorf("score: got %d want 30", got)
	}
}

func TestScoreDeterminism(t *testing.T) {
	flags := strategy.Flags{Entry: true, Strong: true, Weak: true}
	first, firstB := Score(flags, true, -20)
	for i := 0; i < 50; i++ {
		got, b := Score(flags, true, -20)
		if got != first || b != firstB {
			t.Fatalf("iteration %d: score diverged (%d vs %d)", i, got, first)
		}
	}
}

func TestLevelFor(t *testing.T) {
	testCases := []struct {
		score int
		want  Level
	}{
		{0, LevelLow},
		{59, LevelLow},
		{60, LevelMedium},
		{74, LevelMedium},
		{75, LevelHigh},
		{100, LevelHigh},
	}
	for _, tc := range testCases {
		if got := LevelFor(tc.score); got != tc.want {
			t.Errorf("LevelFor(%d): got %s want %s", tc.score, got, tc.want)
		}
	}
}
