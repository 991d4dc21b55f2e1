// Package decision turns derived facts into scored, schedulable trade
// ideas: the confidence scorer, the action scheduler, idea assembly and
// the per-pair evaluation pipeline.
package decision

import "github.com/tradewheel/autonomy/internal/strategy"

// Scoring weights. Fixed constants by contract: the score must be
// reproducible from (flags, alignment, penalty) alone.
const (
	weightEntry     = 30
	weightStrong    = 25
	weightWeak      = -15
	weightExit      = -40
	weightAlignment = 10
)

// Level buckets a score for display. Never used in gate logic.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// LevelFor maps a clamped score to its display level.
func LevelFor(score int) Level {
	switch {
	case score >= 75:
		return LevelHigh
	case score >= 60:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Breakdown records each applied weight plus the raw and clamped totals,
// attached to ideas for the audit trail.
type Breakdown struct {
	Entry       int `json:"entry"`
	Strong      int `json:"strong"`
	Weak        int `json:"weak"`
	Exit        int `json:"exit"`
	Alignment   int `json:"alignment"`
	NewsPenalty int `json:"news_penalty"`
	RawTotal    int `json:"raw_total"`
	FinalScore  int `json:"final_score"`
}

// Score computes the confidence score for one evaluation. newsPenalty
// is expected in [-40, 0] and is clamped to that range before applying;
// the summed total is clamped to [0, 100]. Pure: identical inputs
// always produce the identical result.
func Score(flags strategy.Flags, aligned bool, newsPenalty int) (int, Breakdown) {
	if newsPenalty > 0 {
		newsPenalty = 0
	}
	if newsPenalty < -40 {
		newsPenalty = -40
	}

	var b Breakdown
	if flags.Entry {
		b.Entry = weightEntry
	}
	if flags.Strong {
		b.Strong = weightStrong
	}
	if flags.Weak {
		b.Weak = weightWeak
	}
	if flags.Exit {
		b.Exit = weightExit
	}
	if aligned {
		b.Alignment = weightAlignment
	}
	b.NewsPenalty = newsPenalty

	b.RawTotal = b.Entry + b.Strong + b.Weak + b.Exit + b.Alignment + b.NewsPenalty
	b.FinalScore = b.RawTotal
	if b.FinalScore < 0 {
		b.FinalScore = 0
	}
	if b.FinalScore > 100 {
		b.FinalScore = 100
	}
	return b.FinalScore, b
}
