package scanner

import (
	"strings"

	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
)

// USD buckets for the preliminary score, highest first.
var prelimUSDBuckets = []struct {
	min    float64
	points int
}{
	{10_000, 4},
	{5_000, 3},
	{1_000, 2},
	{250, 1},
}

// PrelimScore is the cheap 0..10 score computed from a feed transaction
// alone: a base point, up to 4 for USD size, 3 for a smart-money hint, up to
// 2 for the transaction type, minus 1 for synthetic entries.
func PrelimScore(tx feed.Transaction) int {
	score := 1
	for _, b := range prelimUSDBuckets {
		if tx.USDValue >= b.min {
			score += b.points
			break
		}
	}
	if tx.SmartMoney {
		score += 3
	}

	txType := strings.ToLower(tx.TxType)
	switch {
	case tx.IsFallback():
	case txType == "swap" || txType == "buy":
		score += 2
	case txType != "":
		score++
	}

	if tx.IsSynthetic {
		score--
	}
	return clampScore(score)
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	}
	return v
}
