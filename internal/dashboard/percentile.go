package dashboard

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile of data by linear interpolation on
// the sorted samples. An empty input yields 0.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	index := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(index))
	hi := int(math.Ceil(index))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (index-float64(lo))*(sorted[hi]-sorted[lo])
}
