package trading

import "binance-futures-bot/internal/models"

// MajorityBias votes over biases ordered oldest to newest.
//
// A side wins with strictly more than half of the votes. When exactly two sides split
// the votes evenly, the side seen most recently wins. Everything else is NEUTRAL.
func MajorityBias(biases []models.Side) models.Side {
	n := len(biases)
	if n == 0 {
		return models.Neutral
	}
	counts := make(map[models.Side]int, 3)
	lastSeen := make(map[models.Side]int, 3)
	for i, b := range biases {
		counts[b]++
		lastSeen[b] = i
	}
	for side, c := range counts {
		if c*2 > n {
			return side
		}
	}

	// 偶数票平分: 取最近出现的一方
	if len(counts) == 2 {
		var sides []models.Side
		for side, c := range counts {
			if c*2 == n {
				sides = append(sides, side)
			}
		}
		if len(sides) == 2 {
			if lastSeen[sides[0]] > lastSeen[sides[1]] {
				return sides[0]
			}
			return sides[1]
		}
	}
	return models.Neutral
}
