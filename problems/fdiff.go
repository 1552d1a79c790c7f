package problems

import (
	"math"
	"slices"

	"github.com/curioloop/pridec/pridec"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

// FiniteDiff replaces the recourse gradients of a problem by finite
// differences of its recourse values. Use it for terms that only provide
// values.
//
// The default step is h = RelStep·sign(x)·max(1, |x|) with RelStep chosen by
// the method, shrunk or flipped to keep x + h inside [Lower, Upper].
type FiniteDiff struct {
	pridec.Problem
	Method Method
	// Relative step size, selected by the method when zero.
	RelStep float64
	// Optional bounds on the coupled variables.
	Lower, Upper []float64
}

// CoupledIndices forwards to the wrapped problem.
func (fd *FiniteDiff) CoupledIndices() []int {
	if c, ok := fd.Problem.(pridec.Coupled); ok {
		return c.CoupledIndices()
	}
	idx := make([]int, fd.NumVars())
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// EvalRecourseGradient estimates the gradient of term idx at xc.
func (fd *FiniteDiff) EvalRecourseGradient(idx int, xc, grad []float64) bool {
	if len(grad) != len(xc) {
		return false
	}

	x := slices.Clone(xc)
	ok := true
	eval := func() float64 {
		f, good := fd.EvalRecourseValue(idx, x)
		ok = ok && good
		return f
	}

	f0 := eval()
	for i, v := range xc {
		if !ok {
			return false
		}
		h, oneSide := fd.step(i, v)
		switch {
		case fd.Method == Forward:
			x[i] = v + h
			grad[i] = (eval() - f0) / h
		case oneSide:
			x[i] = v + h
			f1 := eval()
			x[i] = v + 2*h
			f2 := eval()
			grad[i] = (4*f1 - 3*f0 - f2) / (2 * h)
		default:
			x[i] = v - h
			f1 := eval()
			x[i] = v + h
			f2 := eval()
			grad[i] = (f2 - f1) / (2 * h)
		}
		x[i] = v
	}
	return ok
}

func (fd *FiniteDiff) bounds(i int) (lb, ub float64) {
	lb, ub = math.Inf(-1), math.Inf(1)
	if fd.Lower != nil && !math.IsNaN(fd.Lower[i]) {
		lb = fd.Lower[i]
	}
	if fd.Upper != nil && !math.IsNaN(fd.Upper[i]) {
		ub = fd.Upper[i]
	}
	return
}

// step returns the step for coordinate i at x0 and whether a one-sided
// second order formula is needed for the central method.
func (fd *FiniteDiff) step(i int, x0 float64) (h float64, oneSide bool) {

	eps := fd.RelStep
	if eps == 0 {
		eps = sqrtEps
		if fd.Method == Central {
			eps = cubeEps
		}
	}
	h = math.Copysign(eps, x0) * math.Max(1.0, math.Abs(x0))

	lb, ub := fd.bounds(i)
	ld, ud := x0-lb, ub-x0

	if fd.Method == Forward {
		x := x0 + h
		violated := x < lb || x > ub
		fitting := math.Abs(h) < math.Max(ld, ud)
		if violated && fitting {
			h = -h
		} else if !fitting {
			if ud >= ld {
				h = ud
			} else {
				h = -ld
			}
		}
		return
	}

	h = math.Abs(h)
	central := ld >= h && ud >= h
	if !central {
		if ud >= ld {
			h = math.Min(h, 0.5*ud)
		} else {
			h = -math.Min(h, 0.5*ld)
		}
		oneSide = true
		if minDist := math.Min(ud, ld); math.Abs(h) <= minDist {
			h, oneSide = minDist, false
		}
	}
	return
}
