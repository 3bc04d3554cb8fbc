package router

import (
	"cmp"
	"slices"
	"strings"

	"modelrouter/internal/core"
	"modelrouter/internal/util"
)

// Complexity buckets the cumulative word count of the user turns into three tiers.
func Complexity(messages []core.ChatMessage) float64 {
	words := 0
	for _, msg := range messages {
		if strings.EqualFold(msg.Role, core.RoleUser) {
			words += util.CountWords(msg.Content)
		}
	}

	switch {
	case words < core.ComplexityLowWords:
		return core.ComplexityLow
	case words < core.ComplexityMidWords:
		return core.ComplexityMid
	default:
		return core.ComplexityHigh
	}
}

// Alpha is the rating weight for a complexity; the latency weight is 1-Alpha.
func Alpha(complexity float64) float64 {
	return core.AlphaBase + core.AlphaComplexityScale*complexity
}

// Score rates a candidate. A model with no recorded latency gets no latency credit.
func Score(rec core.ModelRecord, complexity, ratingDivisor float64) float64 {
	if ratingDivisor <= 0 {
		ratingDivisor = core.DefaultRatingDivisor
	}

	alpha := Alpha(complexity)
	beta := 1 - alpha

	latencyNorm := 0.0
	if rec.AverageResponseTime != nil {
		latencyNorm = 1 / (1 + *rec.AverageResponseTime)
	}
	return alpha*(float64(rec.Rating)/ratingDivisor) + beta*latencyNorm
}

type scoredRecord struct {
	record core.ModelRecord
	score  float64
}

// Rank orders records by descending score. Ties keep catalog order.
func Rank(records []core.ModelRecord, complexity, ratingDivisor float64) []core.ModelRecord {
	scored := make([]scoredRecord, len(records))
	for i, rec := range records {
		scored[i] = scoredRecord{record: rec, score: Score(rec, complexity, ratingDivisor)}
	}

	slices.SortStableFunc(scored, func(a, b scoredRecord) int {
		return cmp.Compare(b.score, a.score)
	})

	out := make([]core.ModelRecord, len(scored))
	for i, s := range scored {
		out[i] = s.record
	}
	return out
}
