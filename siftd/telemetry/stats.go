package telemetry

import (
	"sort"
	"strconv"
)

// percentile99 returns the nearest-rank 99th percentile of samples,
// sorting the slice in place. Nearest rank means the element at index
// floor(n*99/100) of the sorted samples, not an interpolated value; for
// small sample sets this is simply the maximum. ok is false when there
// are no samples.
func percentile99(samples []int64) (value int64, ok bool) {
	if len(samples) == 0 {
		return 0, false
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[len(samples)*99/100], true
}

// mostUsed returns the key with the highest count in freq. Ties are broken
// by key order so that exports never depend on map iteration order. ok is
// false when the table is empty.
func mostUsed(freq map[string]uint64) (key string, ok bool) {
	var best string
	var bestCount uint64
	for k, count := range freq {
		if !ok || count > bestCount || (count == bestCount && k < best) {
			best, bestCount, ok = k, count, true
		}
	}
	return best, ok
}

// mergeFrequencies adds every count of src into dst, key-wise saturating.
func mergeFrequencies(dst, src map[string]uint64) map[string]uint64 {
	if dst == nil {
		dst = make(map[string]uint64, len(src))
	}
	for k, count := range src {
		dst[k] = saturatingAdd(dst[k], count)
	}
	return dst
}

// avgRatio renders sum/count with two decimals. A zero count yields "NaN",
// which is accepted: in normal operation a sum is only ever incremented
// alongside its denominator.
func avgRatio(sum, count uint64) string {
	return formatFloat(float64(sum) / float64(count))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
