// Package util provides small numeric helpers shared by plan construction
// and array handling.
package util

import "math"

// CloneFloats returns an independent copy of a float64 slice. A nil input
// yields nil so callers can distinguish "absent" from "empty".
func CloneFloats(src []float64) []float64 {
	if src == nil {
		return nil
	}
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}

// CloneStrings returns an independent copy of a string slice.
func CloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// Linspace returns n evenly spaced values from start to stop inclusive.
// n < 1 yields nil; n == 1 yields just start.
func Linspace(start, stop float64, n int) []float64 {
	if n < 1 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	// Pin the endpoint so accumulated rounding never overshoots stop.
	out[n-1] = stop
	return out
}

// MaxFloat returns the largest value in vals, or -Inf for an empty slice.
func MaxFloat(vals []float64) float64 {
	max := math.Inf(-1)
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	return max
}
