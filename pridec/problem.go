// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import "fmt"

// SolveStatus is the outcome reported by the master problem solver.
type SolveStatus int

const (
	// Solved the master problem reached its optimality tolerance.
	Solved SolveStatus = iota
	// SolvedAcceptable the master problem stopped at an acceptable point.
	SolvedAcceptable
	// MasterMaxIter the master solver ran out of iterations.
	MasterMaxIter
	// MasterInfeasible the master problem has no feasible point.
	MasterInfeasible
	// MasterFailed the master solver failed for any other reason.
	MasterFailed
)

// OK reports whether the returned solution is usable.
func (s SolveStatus) OK() bool { return s == Solved || s == SolvedAcceptable }

func (s SolveStatus) String() string {
	switch s {
	case Solved:
		return "solved"
	case SolvedAcceptable:
		return "solved-acceptable"
	case MasterMaxIter:
		return "max-iter"
	case MasterInfeasible:
		return "infeasible"
	case MasterFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Problem is the two-stage problem driven by the decomposition.
//
// The master methods (SolveMaster, Objective, Solution, InstallRecourseModel)
// are only called on the coordinator. The recourse evaluations are called on
// whichever rank a term is dispatched to, with xc holding the coupled part of
// the current master solution.
type Problem interface {
	// NumRecourseTerms returns S, the number of recourse terms.
	NumRecourseTerms() int
	// NumVars returns n, the dimension of the master variable.
	NumVars() int
	// SolveMaster solves the master problem, with the installed recourse model
	// added to its objective when withModel is set. x is the starting point
	// on entry.
	SolveMaster(x []float64, withModel bool) SolveStatus
	// Objective returns the objective of the last master solve.
	Objective() float64
	// Solution copies the last master solution into x.
	Solution(x []float64)
	// EvalRecourseValue evaluates term idx at xc.
	EvalRecourseValue(idx int, xc []float64) (float64, bool)
	// EvalRecourseGradient writes the gradient of term idx at xc into grad.
	EvalRecourseGradient(idx int, xc, grad []float64) bool
	// InstallRecourseModel hands the quadratic recourse model to the master problem.
	InstallRecourseModel(m *RecourseModel) bool
}

// Coupled is implemented by problems whose recourse only depends on a subset
// of the master variables.
type Coupled interface {
	// CoupledIndices returns the distinct indices into x that couple the
	// master problem with the recourse terms.
	CoupledIndices() []int
}

// RecourseModel is the quadratic model of the averaged recourse function
//
//	r(x) ≈ v + gᵀ(xc - x₀) + ½ (xc - x₀)ᵀ diag(h) (xc - x₀)
//
// around the coupled point x₀, where xc = x[Index].
type RecourseModel struct {
	N, S  int       // master dimension and number of recourse terms
	Value float64   // averaged recourse value at X0
	Grad  []float64 // averaged recourse gradient at X0
	Hess  []float64 // diagonal curvature
	X0    []float64 // expansion point
	Index []int     // coupled indices into x
}

// Eval evaluates the model at the full master point x.
func (m *RecourseModel) Eval(x []float64) float64 {
	if len(x) != m.N {
		panic("bound check error")
	}
	f := m.Value
	for i, k := range m.Index {
		d := x[k] - m.X0[i]
		f += m.Grad[i]*d + half*m.Hess[i]*d*d
	}
	return f
}

// Gradient writes the gradient of the model at x into grad.
// Entries outside the coupled set are zero.
func (m *RecourseModel) Gradient(x, grad []float64) {
	if len(x) != m.N || len(grad) != m.N {
		panic("bound check error")
	}
	dzero(grad)
	for i, k := range m.Index {
		grad[k] = m.Grad[i] + m.Hess[i]*(x[k]-m.X0[i])
	}
}

func (m *RecourseModel) set(value float64, grad []float64, alpha float64, x0 []float64) {
	m.Value = value
	copy(m.Grad, grad)
	copy(m.X0, x0)
	for i := range m.Hess {
		m.Hess[i] = alpha
	}
}

// coupledIndices resolves the coupled set of p and validates it.
func coupledIndices(p Problem) ([]int, error) {
	n := p.NumVars()
	c, ok := p.(Coupled)
	if !ok {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := append([]int(nil), c.CoupledIndices()...)
	if len(idx) == 0 || len(idx) > n {
		return nil, &ConfigError{Key: "coupled_indices", Reason: fmt.Sprintf("size %d not in [1,%d]", len(idx), n)}
	}
	seen := make(map[int]bool, len(idx))
	for _, k := range idx {
		if k < 0 || k >= n {
			return nil, &ConfigError{Key: "coupled_indices", Reason: fmt.Sprintf("index %d out of range [0,%d)", k, n)}
		}
		if seen[k] {
			return nil, &ConfigError{Key: "coupled_indices", Reason: fmt.Sprintf("index %d repeated", k)}
		}
		seen[k] = true
	}
	return idx, nil
}
