// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curioloop/pridec/comm"
)

// bowl is a test problem with basecase ½∑bᵢ(xᵢ - cᵢ)² and recourse terms
// wₖ‖xc - dₖ‖². Faults can be injected per term and per master solve.
type bowl struct {
	b, c    []float64
	coupled []int // nil means every variable
	w       []float64
	d       [][]float64

	badValue     map[int]bool
	badGrad      map[int]bool
	panicOn      map[int]bool
	failMasterAt int // model solve that fails, 0 means never
	refuseModel  bool

	x      []float64
	obj    float64
	model  *RecourseModel
	pos    []int
	solves int
}

func newBowl(b, c []float64, coupled []int, w []float64, d [][]float64) *bowl {
	p := &bowl{b: b, c: c, coupled: coupled, w: w, d: d, x: make([]float64, len(b)), pos: make([]int, len(b))}
	for i := range p.pos {
		p.pos[i] = -1
	}
	for j, k := range p.coupledSet() {
		p.pos[k] = j
	}
	return p
}

// integerBowl is the one dimensional problem with terms (x - k)², k < s.
func integerBowl(s int) *bowl {
	w := make([]float64, s)
	d := make([][]float64, s)
	for k := range d {
		w[k], d[k] = 1, []float64{float64(k)}
	}
	return newBowl([]float64{1}, []float64{0}, nil, w, d)
}

func (p *bowl) coupledSet() []int {
	if p.coupled != nil {
		return p.coupled
	}
	idx := make([]int, len(p.b))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (p *bowl) NumRecourseTerms() int { return len(p.w) }
func (p *bowl) NumVars() int          { return len(p.b) }
func (p *bowl) CoupledIndices() []int { return p.coupledSet() }

func (p *bowl) SolveMaster(x []float64, withModel bool) SolveStatus {
	if withModel {
		p.solves++
		if p.solves == p.failMasterAt {
			return MasterInfeasible
		}
	}
	p.obj = 0
	for i := range p.b {
		xi := p.c[i]
		if j := p.pos[i]; withModel && j >= 0 {
			m := p.model
			xi = (p.b[i]*p.c[i] - m.Grad[j] + m.Hess[j]*m.X0[j]) / (p.b[i] + m.Hess[j])
		}
		p.x[i] = xi
		p.obj += 0.5 * p.b[i] * (xi - p.c[i]) * (xi - p.c[i])
	}
	if withModel {
		p.obj += p.model.Eval(p.x)
	}
	return Solved
}

func (p *bowl) Objective() float64   { return p.obj }
func (p *bowl) Solution(x []float64) { copy(x, p.x) }

func (p *bowl) EvalRecourseValue(idx int, xc []float64) (float64, bool) {
	if p.panicOn[idx] {
		panic("term blew up")
	}
	if p.badValue[idx] {
		return 0, false
	}
	var f float64
	for i, dk := range p.d[idx] {
		f += (xc[i] - dk) * (xc[i] - dk)
	}
	return p.w[idx] * f, true
}

func (p *bowl) EvalRecourseGradient(idx int, xc, grad []float64) bool {
	if p.badGrad[idx] {
		return false
	}
	for i, dk := range p.d[idx] {
		grad[i] = 2 * p.w[idx] * (xc[i] - dk)
	}
	return true
}

func (p *bowl) InstallRecourseModel(m *RecourseModel) bool {
	if p.refuseModel {
		return false
	}
	p.model = m
	return true
}

func (p *bowl) clone() *bowl {
	q := newBowl(p.b, p.c, p.coupled, p.w, p.d)
	q.badValue, q.badGrad, q.panicOn = p.badValue, p.badGrad, p.panicOn
	q.failMasterAt, q.refuseModel = p.failMasterAt, p.refuseModel
	return q
}

// outcome is what one rank returned from Run.
type outcome struct {
	res *Result
	err error
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// solveSerial runs p on a single process.
func solveSerial(t *testing.T, p Problem, opts Options) (*Result, error) {
	t.Helper()
	s, err := (&Decomposition{Problem: p, Options: &opts}).New()
	require.NoError(t, err)
	return s.Run(testContext(t))
}

// solveWorld runs size in-process ranks, each with its own copy of p.
func solveWorld(t *testing.T, size int, p *bowl, opts Options) []outcome {
	t.Helper()
	out := make([]outcome, size)
	var mu sync.Mutex
	err := comm.RunWorld(testContext(t), size, func(ctx context.Context, c *comm.Comm) error {
		s, err := (&Decomposition{Problem: p.clone(), Comm: c, Options: &opts}).New()
		if err != nil {
			return err
		}
		res, err := s.Run(ctx)
		mu.Lock()
		out[c.Rank()] = outcome{res, err}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return out
}
