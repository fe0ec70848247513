package strategy

import "math"

// mean returns the arithmetic mean of xs, 0 for an empty slice.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev returns the sample standard deviation of xs. Fewer than two
// points have no spread and return 0.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// ema computes an exponential moving average with period n over xs,
// seeded from the first value. Returns 0 when xs is empty or n < 1.
func ema(xs []float64, n int) float64 {
	if len(xs) == 0 || n < 1 {
		return 0
	}
	k := 2.0 / (float64(n) + 1.0)
	v := xs[0]
	for _, x := range xs[1:] {
		v = x*k + v*(1-k)
	}
	return v
}

// percentileRank returns the fraction of xs that is <= v, in [0, 1].
func percentileRank(xs []float64, v float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var below int
	for _, x := range xs {
		if x <= v {
			below++
		}
	}
	return float64(below) / float64(len(xs))
}

// correlation returns the Pearson correlation of two equal-length series.
// Series shorter than two points or with zero variance return 0.
func correlation(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
