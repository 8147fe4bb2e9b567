package fleet

import "math"

// DesiredWorkers maps a backlog to a worker count.
//
// The count grows with the order of magnitude of the backlog:
// ceil(log10(backlog)) + 1, clamped to [min, max].
// An empty backlog always yields min.
func DesiredWorkers(backlog int64, min, max int) int {
	if backlog <= 0 {
		return clamp(min, min, max)
	}
	// Smallest k with 10^k >= backlog, without floating point error.
	digits := 0
	for p := int64(1); p < backlog; p *= 10 {
		digits++
		if p > math.MaxInt64/10 {
			break
		}
	}
	return clamp(digits+1, min, max)
}

func clamp(n, min, max int) int {
	if n > max {
		n = max
	}
	if n < min {
		n = min
	}
	return n
}
