package results

import "math"

// percentileIndex maps a percentile p (0-100) onto an index into a sorted
// slice of length n using the ceiling-rank convention.
func percentileIndex(n, p int) int {
	if n <= 1 || p <= 0 {
		return 0
	}
	if p >= 100 {
		return n - 1
	}
	rank := int(math.Ceil(float64(p) / 100.0 * float64(n)))
	idx := rank - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// permilleIndex is percentileIndex in tenths of a percent, for p99.9.
func permilleIndex(n, pm int) int {
	if n <= 1 || pm <= 0 {
		return 0
	}
	if pm >= 1000 {
		return n - 1
	}
	rank := int(math.Ceil(float64(pm) / 1000.0 * float64(n)))
	idx := rank - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
