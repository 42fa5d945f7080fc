package history

import "math"

// Intersect computes the intersection of two interval sequences, each
// given as an increasing flat [start0, stop0, start1, stop1, ...]
// sequence of non-overlapping, non-touching intervals (the shape
// History.Timestamps returns). A trailing unpaired start denotes an
// interval still open; it is treated as extending to the maximum
// timestamp. The result has the same shape and is returned in
// increasing order, which is what makes a two-cursor merge possible in
// a single linear pass instead of naive quadratic comparison.
func Intersect(a, b []uint64) []uint64 {
	open := uint64(math.MaxUint64)
	end := func(seq []uint64, i int) uint64 {
		if i+1 < len(seq) {
			return seq[i+1]
		}
		return open
	}

	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		aStart, aEnd := a[i], end(a, i)
		bStart, bEnd := b[j], end(b, j)

		start := aStart
		if bStart > start {
			start = bStart
		}
		stop := aEnd
		if bEnd < stop {
			stop = bEnd
		}
		if start < stop {
			out = append(out, start, stop)
		}

		switch {
		case aEnd < bEnd:
			i += 2
		case bEnd < aEnd:
			j += 2
		default:
			i += 2
			j += 2
		}
	}

	// A trailing open interval in the result stays unpaired; everything
	// else closes normally.
	if len(out) > 0 && out[len(out)-1] == open {
		out = out[:len(out)-1]
	}
	return out
}
