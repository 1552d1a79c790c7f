// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func TestAlphaF(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(2, &opts)
	tr.Initialize(2, []float64{0, 0}, []float64{3, 4})
	// ‖g‖² = 25, f = 2
	assert.Equal(t, 25.0/4, tr.AlphaF([]float64{3, 4}))

	opts.AlphaMax = 5
	tr = NewTrustRegion(2, &opts)
	tr.Initialize(2, []float64{0, 0}, []float64{3, 4})
	assert.Equal(t, 5.0, tr.AlphaF([]float64{3, 4}), "clamped to alpha_max")

	tr.Initialize(1, []float64{0, 0}, []float64{0, 0})
	assert.Equal(t, opts.AlphaMin, tr.AlphaF([]float64{0, 0}), "zero gradient")
}

func TestAlphaBB(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(2, &opts)
	tr.Initialize(1, []float64{0, 0}, []float64{1, 1})
	tr.Update([]float64{1, 2}, []float64{3, 5}, 0.5)
	// s = (1,2), y = (2,4): sᵀy/sᵀs = 10/5
	assert.Equal(t, 2.0, tr.AlphaBB())
}

func TestUpdateRatioTotal(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(1, &opts)
	tr.Initialize(1, []float64{0}, []float64{1})
	tr.AlphaF([]float64{1}) // α = ½

	tr.Update([]float64{1}, []float64{2}, 1)
	// 1 + 1·1 + ½·½·1
	assert.Equal(t, 2.25, tr.predicted())
	assert.Equal(t, 0.75, tr.ComputeBase(3))

	rho, rejected := tr.UpdateRatio(0, 0)
	assert.Equal(t, 0.0, rho)
	assert.True(t, rejected)
	assert.InDelta(t, 1/shrink, tr.Ratio(), 1e-15)

	// Good agreement shrinks the ratio.
	tr = NewTrustRegion(1, &opts)
	tr.Initialize(1, []float64{0}, []float64{-1})
	tr.AlphaF([]float64{-1})
	tr.Update([]float64{1}, []float64{0}, 0.25)
	// predicted = 1 - 1 + 0.25 = 0.25 equals the actual value
	rho, rejected = tr.UpdateRatio(0, 0)
	assert.Equal(t, 1.0, rho)
	assert.False(t, rejected)
	assert.InDelta(t, shrink, tr.Ratio(), 1e-15)
}

func TestUpdateRatioRecourse(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(1, &opts)
	tr.Initialize(1, []float64{0}, []float64{-1})
	tr.AlphaF([]float64{-1})

	// Actual value rose while the model predicted a decrease.
	tr.Update([]float64{1}, []float64{1}, 2)
	rho, rejected := tr.UpdateRatioRecourse()
	assert.Less(t, rho, 0.0)
	assert.True(t, rejected)
	assert.InDelta(t, 1/shrink, tr.Ratio(), 1e-15)
}

func TestConvergenceMeasures(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(1, &opts)
	tr.Initialize(1, []float64{0}, []float64{2})
	tr.Update([]float64{1}, []float64{4}, 3)
	tr.AlphaBB() // α = y/s = 2

	assert.Equal(t, 0.0, tr.ConvergenceGrad([]float64{4}), "exact curvature")
	// |g₀s + ½αs² + Δb| = |2 + 1 - 3|
	assert.Equal(t, 0.0, tr.ConvergenceFcn(0, 3))
	assert.Equal(t, 3.0, tr.ConvergenceFcn(3, 3))
}

func TestSnapshotRestore(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(2, &opts)
	tr.Initialize(5, []float64{1, 2}, []float64{3, 4})

	var snap trSnapshot
	tr.save(&snap)
	tr.Update([]float64{0, 0}, []float64{1, 1}, 9)
	tr.UpdateRatio(0, 0)
	ratio := tr.Ratio()
	tr.restore(&snap)

	x, g := tr.Center()
	assert.Equal(t, []float64{1, 2}, x)
	assert.Equal(t, []float64{3, 4}, g)
	assert.Equal(t, 5.0, tr.Value())
	assert.Equal(t, ratio, tr.Ratio(), "ratio survives the rollback")
}

func TestTrustRegionPanicsOnSize(t *testing.T) {
	opts := DefaultOptions()
	tr := NewTrustRegion(2, &opts)
	assert.PanicsWithValue(t, "bound check error", func() {
		tr.Update([]float64{1}, []float64{1, 2}, 0)
	})
}

// The curvature and its ratio stay inside their bounds whatever the
// sequence of centers, values and rules.
func TestTrustRegionBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := DefaultOptions()
		opts.AlphaMin = rapid.Float64Range(0, 1).Draw(t, "alphaMin")
		opts.AlphaMax = opts.AlphaMin + rapid.Float64Range(1e-3, 1e3).Draw(t, "alphaSpan")
		opts.RatioMin = rapid.Float64Range(1e-2, 1).Draw(t, "ratioMin")
		opts.RatioMax = opts.RatioMin + rapid.Float64Range(0, 10).Draw(t, "ratioSpan")
		opts.AlphaRatio = rapid.Float64Range(1e-2, 10).Draw(t, "alphaRatio")

		nc := rapid.IntRange(1, 4).Draw(t, "nc")
		vec := func(label string) []float64 {
			return rapid.SliceOfN(rapid.Float64Range(-1e3, 1e3), nc, nc).Draw(t, label)
		}

		tr := NewTrustRegion(nc, &opts)
		g := vec("g0")
		tr.Initialize(rapid.Float64Range(0, 1e3).Draw(t, "f0"), vec("x0"), g)
		tr.AlphaF(g)

		steps := rapid.IntRange(1, 12).Draw(t, "steps")
		for k := 0; k < steps; k++ {
			g = vec("g")
			tr.Update(vec("x"), g, rapid.Float64Range(0, 1e3).Draw(t, "f"))
			if rapid.Bool().Draw(t, "recourse") {
				tr.UpdateRatioRecourse()
			} else {
				tr.UpdateRatio(rapid.Float64Range(-1e3, 1e3).Draw(t, "base"), rapid.Float64Range(-1e3, 1e3).Draw(t, "baseOld"))
			}
			switch rapid.IntRange(0, 2).Draw(t, "rule") {
			case 0:
				tr.AlphaF(g)
			case 1:
				tr.AlphaBB()
			default:
				tr.AlphaTR()
			}
			require.GreaterOrEqual(t, tr.Alpha(), opts.AlphaMin)
			require.LessOrEqual(t, tr.Alpha(), opts.AlphaMax)
			require.GreaterOrEqual(t, tr.Ratio(), opts.RatioMin)
			require.LessOrEqual(t, tr.Ratio(), opts.RatioMax)
		}
	})
}

func TestRecourseModel(t *testing.T) {
	m := RecourseModel{
		N: 3, S: 2,
		Value: 1,
		Grad:  []float64{2},
		Hess:  []float64{4},
		X0:    []float64{1},
		Index: []int{1},
	}
	x := []float64{9, 2, -9}
	// 1 + 2·1 + ½·4·1
	assert.Equal(t, 5.0, m.Eval(x))

	grad := []float64{7, 7, 7}
	m.Gradient(x, grad)
	assert.Equal(t, []float64{0, 6, 0}, grad)

	// Gradient agrees with central differences of Eval.
	h := 1e-6
	xp, xm := []float64{9, 2 + h, -9}, []float64{9, 2 - h, -9}
	assert.True(t, almostEqual((m.Eval(xp)-m.Eval(xm))/(2*h), grad[1], 1e-6))
}
