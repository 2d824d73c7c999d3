// Package aggregator recomputes per-establishment, per-cycle, per-year
// statistics and national aggregates (spec §4.5). This file holds the pure
// math: mean, population standard deviation, percentiles, histograms.
package aggregator

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean; 0 for an empty slice (callers must not
// persist a stats row with count == 0, spec §3 invariant 5).
func Mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// PopStdDev returns the population standard deviation (divide by N, not
// N-1) — spec §4.5 step 2 says "std dev (population)" explicitly.
func PopStdDev(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	m := Mean(vs)
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)))
}

// Percentiles returns (p25, p50, p75) using linear interpolation between
// closest ranks, guaranteeing p25 <= p50 <= p75 (spec §3 invariant 5, §8
// property 6).
func Percentiles(vs []float64) (p25, p50, p75 float64) {
	if len(vs) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.50), percentile(sorted, 0.75)
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ElementHistogram buckets element scores (Vision/Effort/Systems/Practice/
// Attitude/Overall) into 11 bins for integer scores 0..10, rounding Overall
// to the nearest integer before bucketing (spec §4.5 step 2).
func ElementHistogram(vs []float64) [11]int {
	var hist [11]int
	for _, v := range vs {
		bin := int(math.Round(v))
		if bin < 0 {
			bin = 0
		}
		if bin > 10 {
			bin = 10
		}
		hist[bin]++
	}
	return hist
}

// ResponseHistogram buckets Likert response values into 5 bins for values
// 1..5 (spec §4.5 step 3).
func ResponseHistogram(vs []int) [5]int {
	var hist [5]int
	for _, v := range vs {
		if v < 1 || v > 5 {
			continue
		}
		hist[v-1]++
	}
	return hist
}

// Mode returns the most frequent value in a response histogram; ties break
// toward the lower value.
func Mode(hist [5]int) int {
	best, bestCount := 1, -1
	for i, c := range hist {
		if c > bestCount {
			best, bestCount = i+1, c
		}
	}
	return best
}
