package store

// InferFrequency estimates the measurement cadence from a slice of
// row timestamps in ascending order. If at least 90% of consecutive
// differences equal the requested binsize the binsize wins; otherwise
// the strongest mode of the differences is used when it covers at least
// half of them, clamped to 300s so a burst of close samples cannot
// produce an absurdly small cadence.
func InferFrequency(timestamps []int64, binsize int64) int64 {
	diffs := make(map[int64]int)
	total := 0
	matched := 0
	for i := 1; i < len(timestamps); i++ {
		d := timestamps[i] - timestamps[i-1]
		if d <= 0 {
			continue
		}
		diffs[d]++
		total++
		if d == binsize {
			matched++
		}
	}
	if total == 0 {
		if binsize > 0 {
			return binsize
		}
		return 300
	}
	if binsize > 0 && matched*10 >= total*9 {
		return binsize
	}

	var mode int64
	best := 0
	for d, n := range diffs {
		if n > best || (n == best && d < mode) {
			best = n
			mode = d
		}
	}
	if best*2 >= total {
		if mode < 300 {
			return 300
		}
		return mode
	}
	if binsize >= 300 {
		return binsize
	}
	return 300
}
