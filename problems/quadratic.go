// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package problems provides reference two-stage problems for the
// decomposition solver.
package problems

import (
	"errors"
	"fmt"
	"math"

	"github.com/curioloop/pridec/pridec"
)

// Var is one master variable with basecase cost ½·Curv·(x - Center)² and
// optional bounds (NaN means unbounded).
type Var struct {
	Curv   float64 `yaml:"curv"`
	Center float64 `yaml:"center"`
	Lower  float64 `yaml:"lower"`
	Upper  float64 `yaml:"upper"`
}

// Free returns an unbounded variable.
func Free(curv, center float64) Var {
	return Var{Curv: curv, Center: center, Lower: math.Inf(-1), Upper: math.Inf(1)}
}

// Scenario is a recourse term r(xc) = Weight·‖xc - Center‖².
type Scenario struct {
	Weight float64   `yaml:"weight"`
	Center []float64 `yaml:"center"`
}

// Quadratic is a separable box-constrained quadratic master problem with
// quadratic recourse terms. The master problem with the diagonal recourse
// model installed has a closed form solution, so every master solve is exact.
type Quadratic struct {
	Vars      []Var
	Coupled   []int // coupled indices, all variables when empty
	Scenarios []Scenario

	x     []float64
	obj   float64
	model *pridec.RecourseModel
	pos   []int // position of a variable in the coupled vector, -1 if uncoupled
}

// NewQuadratic checks the problem data and prepares the master workspace.
func NewQuadratic(vars []Var, coupled []int, scenarios []Scenario) (q *Quadratic, err error) {

	n := len(vars)
	switch {
	case n == 0:
		err = errors.New("problem dimension must be greater than 0")
	case len(scenarios) == 0:
		err = errors.New("recourse terms are required")
	case len(coupled) > n:
		err = errors.New("coupled size must not greater than n")
	}
	if err != nil {
		return
	}

	for i := range vars {
		v := &vars[i]
		if math.IsNaN(v.Lower) {
			v.Lower = math.Inf(-1)
		}
		if math.IsNaN(v.Upper) {
			v.Upper = math.Inf(1)
		}
		switch {
		case !(v.Curv > 0):
			err = fmt.Errorf("curvature of var %d must be greater than 0", i)
		case v.Lower > v.Upper:
			err = fmt.Errorf("bound range of var %d has no feasible solution", i)
		}
		if err != nil {
			return
		}
	}

	q = &Quadratic{Vars: vars, Coupled: coupled, Scenarios: scenarios, x: make([]float64, n), pos: make([]int, n)}
	for i := range q.pos {
		q.pos[i] = -1
	}
	for j, k := range q.CoupledIndices() {
		if k < 0 || k >= n {
			return nil, fmt.Errorf("coupled index %d out of range", k)
		}
		q.pos[k] = j
	}
	nc := len(q.CoupledIndices())
	for i, s := range scenarios {
		if len(s.Center) != nc {
			return nil, fmt.Errorf("scenario %d center has dimension %d, want %d", i, len(s.Center), nc)
		}
	}
	return
}

func (q *Quadratic) NumRecourseTerms() int { return len(q.Scenarios) }
func (q *Quadratic) NumVars() int          { return len(q.Vars) }

// CoupledIndices returns the coupled variables.
func (q *Quadratic) CoupledIndices() []int {
	if len(q.Coupled) > 0 {
		return q.Coupled
	}
	idx := make([]int, len(q.Vars))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// SolveMaster minimizes the basecase cost, plus the installed model when
// withModel is set, coordinate by coordinate.
func (q *Quadratic) SolveMaster(x []float64, withModel bool) pridec.SolveStatus {
	if len(x) != len(q.Vars) {
		return pridec.MasterFailed
	}
	if withModel && q.model == nil {
		return pridec.MasterFailed
	}
	for i, v := range q.Vars {
		xi := v.Center
		if j := q.pos[i]; withModel && j >= 0 {
			m := q.model
			h := m.Hess[j]
			xi = (v.Curv*v.Center - m.Grad[j] + h*m.X0[j]) / (v.Curv + h)
		}
		q.x[i] = math.Min(math.Max(xi, v.Lower), v.Upper)
	}
	q.obj = q.Basecase(q.x)
	if withModel {
		q.obj += q.model.Eval(q.x)
	}
	return pridec.Solved
}

// Basecase evaluates the master cost without recourse.
func (q *Quadratic) Basecase(x []float64) (f float64) {
	for i, v := range q.Vars {
		d := x[i] - v.Center
		f += 0.5 * v.Curv * d * d
	}
	return
}

func (q *Quadratic) Objective() float64 { return q.obj }

func (q *Quadratic) Solution(x []float64) { copy(x, q.x) }

func (q *Quadratic) EvalRecourseValue(idx int, xc []float64) (float64, bool) {
	s := &q.Scenarios[idx]
	if len(xc) != len(s.Center) {
		return 0, false
	}
	var f float64
	for i, c := range s.Center {
		d := xc[i] - c
		f += d * d
	}
	return s.Weight * f, true
}

func (q *Quadratic) EvalRecourseGradient(idx int, xc, grad []float64) bool {
	s := &q.Scenarios[idx]
	if len(xc) != len(s.Center) || len(grad) != len(s.Center) {
		return false
	}
	for i, c := range s.Center {
		grad[i] = 2 * s.Weight * (xc[i] - c)
	}
	return true
}

func (q *Quadratic) InstallRecourseModel(m *pridec.RecourseModel) bool {
	if m.N != len(q.Vars) || len(m.Index) != len(q.CoupledIndices()) {
		return false
	}
	q.model = m
	return true
}

// Optimum returns the minimizer of the full problem for unbounded variables.
// The averaged recourse is a quadratic with curvature 2·w̄ around the
// weighted mean of the scenario centers, so the coupled coordinates solve
// b(x - c) + 2∑wₖ(x - cₖ)/S = 0.
func (q *Quadratic) Optimum() []float64 {
	x := make([]float64, len(q.Vars))
	s := float64(len(q.Scenarios))
	for i, v := range q.Vars {
		j := q.pos[i]
		if j < 0 {
			x[i] = v.Center
			continue
		}
		num, den := v.Curv*v.Center, v.Curv
		for _, sc := range q.Scenarios {
			num += 2 * sc.Weight * sc.Center[j] / s
			den += 2 * sc.Weight / s
		}
		x[i] = num / den
	}
	return x
}
