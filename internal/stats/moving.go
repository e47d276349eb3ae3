package stats

import (
	"github.com/rewired-gh/barstats/internal/models"
)

// prefixSums returns S with S[0] = 0 and S[i] = bars[0] + ... + bars[i-1].
func prefixSums(bars []models.Bar) []models.Bar {
	sums := make([]models.Bar, len(bars)+1)
	sums[0] = models.ZeroBar()
	for i, b := range bars {
		sums[i+1] = sums[i].Add(b)
	}
	return sums
}

func resultLen(n, window int) int {
	if window > n {
		return 0
	}
	return n - window + 1
}

// movingMeans derives every window's averages from one prefix-sum pass.
func movingMeans(bars []models.Bar, lengths []int) map[int][]models.Bar {
	sums := prefixSums(bars)
	out := make(map[int][]models.Bar, len(lengths))
	for _, l := range lengths {
		avg := make([]models.Bar, resultLen(len(bars), l))
		for i := range avg {
			avg[i] = sums[i+l].Sub(sums[i]).Div(l)
		}
		out[l] = avg
	}
	return out
}

// meanAbsoluteDeviations accumulates |bar[j] - mean[i]| into slot i for every
// window i covering position j, then divides each slot by the window length.
// Lengths of means are assumed to match bars.
func meanAbsoluteDeviations(bars []models.Bar, means map[int][]models.Bar) map[int][]models.Bar {
	n := len(bars)
	out := make(map[int][]models.Bar, len(means))
	for l, avg := range means {
		acc := make([]models.Bar, len(avg))
		if len(avg) > 0 {
			for j := 0; j < n; j++ {
				lo := max(0, j-l+1)
				hi := min(j, n-l)
				for i := lo; i <= hi; i++ {
					acc[i] = acc[i].Add(bars[j].Sub(avg[i]).Abs())
				}
			}
			for i := range acc {
				acc[i] = acc[i].Div(l)
			}
		}
		out[l] = acc
	}
	return out
}
