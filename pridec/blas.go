// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import "math"

// daxpy computes y += a·x over the first n elements.
func daxpy(n int, da float64, dx, dy []float64) {
	if n <= 0 || da == zero {
		return
	}
	if uint(n) > uint(len(dx)) || uint(n) > uint(len(dy)) {
		panic("bound check error")
	}
	m := uint(n % 4)
	for i := uint(0); i < m; i++ {
		dy[i] += da * dx[i]
	}
	for i := m; i < uint(n); i += 4 {
		x := dx[i : i+4 : i+4]
		y := dy[i : i+4 : i+4]
		y[0] += da * x[0]
		y[1] += da * x[1]
		y[2] += da * x[2]
		y[3] += da * x[3]
	}
}

// ddot computes xᵀy over the first n elements.
func ddot(n int, dx, dy []float64) (dot float64) {
	if n <= 0 {
		return zero
	}
	if uint(n) > uint(len(dx)) || uint(n) > uint(len(dy)) {
		panic("bound check error")
	}
	m := uint(n % 5)
	for i := uint(0); i < m; i++ {
		dot += dx[i] * dy[i]
	}
	for i := m; i < uint(n); i += 5 {
		x := dx[i : i+5 : i+5]
		y := dy[i : i+5 : i+5]
		dot += x[0]*y[0] + x[1]*y[1] + x[2]*y[2] + x[3]*y[3] + x[4]*y[4]
	}
	return
}

// dscal computes x *= a over the first n elements.
func dscal(n int, da float64, dx []float64) {
	if n <= 0 {
		return
	}
	if uint(n) > uint(len(dx)) {
		panic("bound check error")
	}
	m := uint(n % 5)
	for i := uint(0); i < m; i++ {
		dx[i] *= da
	}
	for i := m; i < uint(n); i += 5 {
		d := dx[i : i+5 : i+5]
		d[0] *= da
		d[1] *= da
		d[2] *= da
		d[3] *= da
		d[4] *= da
	}
}

// dnrm2 computes ‖x‖₂ with scaling against overflow.
// A NaN element makes the norm NaN.
func dnrm2(n int, x []float64) float64 {
	if n < 1 {
		return zero
	}
	if uint(n) > uint(len(x)) {
		panic("bound check error")
	}
	scale, ssq := zero, one
	for _, xi := range x[:n] {
		if math.IsNaN(xi) {
			return math.NaN()
		}
		if absxi := math.Abs(xi); absxi > 0 {
			if scale < absxi {
				sxi := scale / absxi
				ssq = 1 + ssq*sxi*sxi
				scale = absxi
			} else {
				sxi := absxi / scale
				ssq += sxi * sxi
			}
		}
	}
	return scale * math.Sqrt(ssq)
}

// dsub computes z = x - y.
func dsub(x, y, z []float64) {
	if len(x) != len(y) || len(x) != len(z) {
		panic("bound check error")
	}
	for i := range z {
		z[i] = x[i] - y[i]
	}
}

// dzero fills x with zero.
func dzero(dx []float64) {
	for i := range dx {
		dx[i] = zero
	}
}

// gather copies x[idx[i]] into dst[i].
func gather(dst, x []float64, idx []int) {
	if len(dst) != len(idx) {
		panic("bound check error")
	}
	for i, k := range idx {
		dst[i] = x[k]
	}
}

// clamp bounds v to [lo, hi]; NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
