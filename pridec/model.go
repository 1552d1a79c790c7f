// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"math"
	"slices"
)

// TrustRegion maintains the scalar curvature α of the recourse model
//
//	r(x) ≈ fₖ₋₁ + gₖ₋₁ᵀs + ½α‖s‖²,  s = x - xₖ₋₁
//
// together with the ratio that scales α, adjusted by a trust-region test on
// the agreement between predicted and actual decrease.
type TrustRegion struct {
	n int

	alpha   float64 // current curvature
	ratio   float64 // multiplier applied to α by AlphaF
	trRatio float64 // one-step factor applied to α by AlphaTR

	alphaMin, alphaMax float64
	ratioMin, ratioMax float64

	fk      float64 // recourse value at xₖ
	fkm1    float64 // recourse value at xₖ₋₁
	fkm1Lin float64 // gₖ₋₁ᵀsₖ₋₁

	xkm1 []float64 // last center
	gkm1 []float64 // gradient at the last center
	skm1 []float64 // sₖ₋₁ = xₖ - xₖ₋₁
	ykm1 []float64 // yₖ₋₁ = gₖ - gₖ₋₁
}

// NewTrustRegion creates the model state for nc coupled variables.
func NewTrustRegion(nc int, opts *Options) *TrustRegion {
	return &TrustRegion{
		n:        nc,
		alpha:    one,
		ratio:    opts.AlphaRatio,
		trRatio:  one,
		alphaMin: opts.AlphaMin,
		alphaMax: opts.AlphaMax,
		ratioMin: opts.RatioMin,
		ratioMax: opts.RatioMax,
		fk:       inf,
		fkm1:     inf,
		fkm1Lin:  inf,
		xkm1:     make([]float64, nc),
		gkm1:     make([]float64, nc),
		skm1:     make([]float64, nc),
		ykm1:     make([]float64, nc),
	}
}

// Alpha returns the current curvature.
func (t *TrustRegion) Alpha() float64 { return t.alpha }

// Ratio returns the current curvature ratio.
func (t *TrustRegion) Ratio() float64 { return t.ratio }

// Center returns the last center xₖ₋₁ and its gradient.
func (t *TrustRegion) Center() (x, g []float64) { return t.xkm1, t.gkm1 }

// Value returns the recourse value at the last center.
func (t *TrustRegion) Value() float64 { return t.fk }

// Initialize sets the first center.
func (t *TrustRegion) Initialize(f float64, x, g []float64) {
	t.check(x, g)
	t.fk = f
	copy(t.xkm1, x)
	copy(t.gkm1, g)
	copy(t.skm1, x)
	copy(t.ykm1, x)
}

// Update moves the center to x with gradient g and recourse value f.
func (t *TrustRegion) Update(x, g []float64, f float64) {
	t.check(x, g)
	t.fkm1 = t.fk
	t.fk = f
	dsub(x, t.xkm1, t.skm1)
	dsub(g, t.gkm1, t.ykm1)
	copy(t.xkm1, x)
	t.fkm1Lin = ddot(t.n, t.gkm1, t.skm1)
	copy(t.gkm1, g)
}

// predicted returns the model value at the new center.
func (t *TrustRegion) predicted() float64 {
	ss := ddot(t.n, t.skm1, t.skm1)
	return t.fkm1 + t.fkm1Lin + half*t.alpha*ss
}

// UpdateRatio adjusts the ratio from the decrease of basecase plus recourse
//
//	ρ = (bₖ₋₁ + fₖ₋₁ - fₖ - bₖ) / (fₖ₋₁ + bₖ₋₁ - rₖ - bₖ)
//
// where rₖ is the predicted recourse value. The step is flagged as rejected
// when ρ < ⅛.
func (t *TrustRegion) UpdateRatio(base, baseOld float64) (rho float64, rejected bool) {
	rk := t.predicted()
	rho = (baseOld + t.fkm1 - t.fk - base) / (t.fkm1 + baseOld - rk - base)

	t.ratio = t.adjust(rho, t.ratio)
	t.trRatio = t.adjust(rho, one)
	return rho, rho < eighth
}

func (t *TrustRegion) adjust(rho, ratio float64) float64 {
	if rho < quarter {
		ratio /= shrink
	} else if rho > 1-quarter {
		ratio *= shrink
	}
	return clamp(ratio, t.ratioMin, t.ratioMax)
}

// UpdateRatioRecourse adjusts the ratio from the recourse decrease only
//
//	ρ = (fₖ₋₁ - fₖ) / (fₖ₋₁ - rₖ)
//
// guarded by the sign of the actual decrease and by how much the quadratic
// term dominates the linear one.
func (t *TrustRegion) UpdateRatioRecourse() (rho float64, rejected bool) {
	rk := t.predicted()
	rho = (t.fkm1 - t.fk) / (t.fkm1 - rk)

	quad := t.alpha * ddot(t.n, t.skm1, t.skm1)
	agRatio := quad / math.Abs(t.fkm1Lin)
	dec := t.fkm1 - t.fk

	r := t.ratio
	switch {
	case rho > 0 && rho < quarter && dec > 0:
		r /= shrink
	case rho < 0 && dec < 0:
		r /= shrink
	case rho > 1-quarter && rho < band && dec > 0 && agRatio > 0.1:
		r *= shrink
	case rho > band && dec < 0:
		r /= shrink
	}
	t.ratio = clamp(r, t.ratioMin, t.ratioMax)
	t.trRatio = one

	rejected = (rho > 0 && rho < eighth && dec > 0) || (rho < 0 && dec < 0)
	return rho, rejected
}

// AlphaF sets α = ratio·‖g‖²/(2·fₖ) clamped to [αmin, αmax].
func (t *TrustRegion) AlphaF(g []float64) float64 {
	gg := dnrm2(t.n, g)
	t.alpha = clamp(gg*gg/2/t.fk*t.ratio, t.alphaMin, t.alphaMax)
	return t.alpha
}

// AlphaBB sets α = sᵀy/sᵀs clamped to [αmin, αmax].
func (t *TrustRegion) AlphaBB() float64 {
	ss := ddot(t.n, t.skm1, t.skm1)
	sy := ddot(t.n, t.skm1, t.ykm1)
	t.alpha = clamp(sy/ss, t.alphaMin, t.alphaMax)
	return t.alpha
}

// AlphaTR scales α by the last trust-region factor.
func (t *TrustRegion) AlphaTR() float64 {
	t.alpha = clamp(t.alpha*t.trRatio, t.alphaMin, t.alphaMax)
	return t.alpha
}

// ConvergenceGrad returns ‖yₖ₋₁ - α·sₖ₋₁‖ / ‖g‖.
func (t *TrustRegion) ConvergenceGrad(g []float64) float64 {
	r := slices.Clone(t.ykm1)
	daxpy(t.n, -t.alpha, t.skm1, r)
	return dnrm2(t.n, r) / dnrm2(t.n, g)
}

// ConvergenceFcn returns |gₖ₋₁ᵀs + ½α‖s‖² + bₖ - bₖ₋₁|.
func (t *TrustRegion) ConvergenceFcn(base, baseOld float64) float64 {
	ss := ddot(t.n, t.skm1, t.skm1)
	return math.Abs(t.fkm1Lin + half*t.alpha*ss + base - baseOld)
}

// ComputeBase removes the model recourse from a master objective value.
func (t *TrustRegion) ComputeBase(objective float64) float64 {
	return objective - t.predicted()
}

func (t *TrustRegion) check(x, g []float64) {
	if len(x) != t.n || len(g) != t.n {
		panic("bound check error")
	}
}

// trSnapshot holds the center of the model for rollback.
type trSnapshot struct {
	fk, fkm1, fkm1Lin      float64
	xkm1, gkm1, skm1, ykm1 []float64
}

func (t *TrustRegion) save(s *trSnapshot) {
	s.fk, s.fkm1, s.fkm1Lin = t.fk, t.fkm1, t.fkm1Lin
	s.xkm1 = append(s.xkm1[:0], t.xkm1...)
	s.gkm1 = append(s.gkm1[:0], t.gkm1...)
	s.skm1 = append(s.skm1[:0], t.skm1...)
	s.ykm1 = append(s.ykm1[:0], t.ykm1...)
}

// restore returns to a saved center. The curvature ratio is kept.
func (t *TrustRegion) restore(s *trSnapshot) {
	t.fk, t.fkm1, t.fkm1Lin = s.fk, s.fkm1, s.fkm1Lin
	copy(t.xkm1, s.xkm1)
	copy(t.gkm1, s.gkm1)
	copy(t.skm1, s.skm1)
	copy(t.ykm1, s.ykm1)
}

