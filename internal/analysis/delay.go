package analysis

import (
	"math"

	"mailtrace/internal/model"
)

// CalculateDelays returns one delay per adjacent pair of hops, so
// len(result) == max(len(hops)-1, 0). Only the magnitude of each gap is kept.
func CalculateDelays(hops []model.ResolvedHop) []model.Delay {
	if len(hops) < 2 {
		return []model.Delay{}
	}

	delays := make([]model.Delay, 0, len(hops)-1)
	for i := 1; i < len(hops); i++ {
		prev, cur := hops[i-1], hops[i]
		if !prev.HasTimestamp() || !cur.HasTimestamp() {
			delays = append(delays, model.Delay{Missing: true})
			continue
		}
		delays = append(delays, model.Delay{
			Seconds: math.Abs(cur.Timestamp.Sub(prev.Timestamp).Seconds()),
		})
	}
	return delays
}
