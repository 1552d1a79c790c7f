// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/curioloop/pridec/comm"
)

// ignoreTiming drops the fields that differ between identical runs.
var ignoreTiming = cmpopts.IgnoreFields(Summary{}, "Elapsed", "Latency")

func TestFirstIterationAverages(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIter = 1

	serial, err := solveSerial(t, integerBowl(4), opts)
	require.NoError(t, err)
	require.Equal(t, MaxIterReached, serial.Status)
	assert.Equal(t, 1, serial.NumIter)

	// At x0 = 0 the terms are k² with gradient -2k.
	rval := (0.0 + 1 + 4 + 9) / 4
	g := (0.0 - 2 - 4 - 6) / 4
	assert.Equal(t, rval, serial.F)
	assert.Equal(t, clamp(g*g/2/rval*opts.AlphaRatio, opts.AlphaMin, opts.AlphaMax), serial.Alpha)

	for _, local := range []bool{false, true} {
		opts.LocalAccumulation = local
		out := solveWorld(t, 4, integerBowl(4), opts)
		root := out[0]
		require.NoError(t, root.err)
		assert.Equal(t, serial.F, root.res.F, "local=%v", local)
		assert.Equal(t, serial.Alpha, root.res.Alpha, "local=%v", local)
		assert.Equal(t, serial.X, root.res.X, "local=%v", local)
		for r := 1; r < 4; r++ {
			require.NoError(t, out[r].err)
			assert.Equal(t, MaxIterReached, out[r].res.Status)
			assert.Nil(t, out[r].res.X, "workers hold no master solution")
		}
	}
}

func TestConverges(t *testing.T) {
	p := newBowl([]float64{1, 2, 0.5}, []float64{1, -1, 0.5}, []int{0, 2},
		[]float64{1, 0.5, 2}, [][]float64{{0, 1}, {2, -1}, {-1, 0.25}})
	// Secant curvature is exact for these terms.
	opts := DefaultOptions()
	opts.CurvatureRule = CurvatureBB
	opts.Tolerance = 1e-10
	opts.AcceptableTolerance = 1e-10
	res, err := solveSerial(t, p, opts)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, Converged, res.Status)
	assert.Less(t, res.Convg, opts.Tolerance)

	// The averaged recourse adds curvature 2w̄ around the weighted mean center.
	want := []float64{0, -1, 0}
	for j, k := range []int{0, 2} {
		num, den := p.b[k]*p.c[k], p.b[k]
		for s := range p.w {
			num += 2 * p.w[s] * p.d[s][j] / 3
			den += 2 * p.w[s] / 3
		}
		want[k] = num / den
	}
	assert.InDeltaSlice(t, want, res.X, 1e-9)
}

func TestStrategiesAgree(t *testing.T) {
	p := newBowl([]float64{1, 3}, []float64{0.5, -2}, nil,
		[]float64{1, 2, 0.5, 1.5, 1, 0.25},
		[][]float64{{1, 1}, {-1, 0}, {0, 2}, {3, -1}, {0.5, 0.5}, {-2, 1}})
	opts := DefaultOptions()
	opts.Tolerance = 1e-300
	opts.AcceptableTolerance = 1e-300
	opts.MaxIter = 12

	serial, err := solveSerial(t, p.clone(), opts)
	require.NoError(t, err)

	approx := cmpopts.EquateApprox(1e-9, 1e-12)
	for _, size := range []int{2, 3, 7} {
		for _, local := range []bool{false, true} {
			opts.LocalAccumulation = local
			root := solveWorld(t, size, p, opts)[0]
			require.NoError(t, root.err)
			if diff := cmp.Diff(serial.X, root.res.X, approx); diff != "" {
				t.Errorf("size=%d local=%v x mismatch (-serial +world):\n%s", size, local, diff)
			}
			assert.InEpsilon(t, serial.F, root.res.F, 1e-9)
			assert.Equal(t, serial.NumIter, root.res.NumIter)
		}
	}
}

func TestSingleWorkerIsExact(t *testing.T) {
	p := newBowl([]float64{2}, []float64{0.3}, nil,
		[]float64{1, 0.7, 1.1}, [][]float64{{0.1}, {-0.4}, {2.2}})
	opts := DefaultOptions()
	opts.MaxIter = 8

	serial, err := solveSerial(t, p.clone(), opts)
	require.NoError(t, err)

	// One worker receives the terms in index order, so sums match bit for bit.
	root := solveWorld(t, 2, p, opts)[0]
	require.NoError(t, root.err)
	if diff := cmp.Diff(serial, root.res, ignoreTiming); diff != "" {
		t.Errorf("result mismatch (-serial +world):\n%s", diff)
	}
}

func TestSerialDeterministic(t *testing.T) {
	mk := func() *bowl {
		return newBowl([]float64{1, 1}, []float64{0, 1}, nil,
			[]float64{1, 2, 3}, [][]float64{{0.3, 0.1}, {-1, 2}, {0.7, -0.2}})
	}
	a, err := solveSerial(t, mk(), DefaultOptions())
	require.NoError(t, err)
	b, err := solveSerial(t, mk(), DefaultOptions())
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, ignoreTiming); diff != "" {
		t.Errorf("serial runs differ:\n%s", diff)
	}
}

func TestAcceptableStreak(t *testing.T) {
	opts := DefaultOptions()
	opts.Tolerance = 1e-300
	opts.AcceptableTolerance = 1e10
	opts.AcceptableIterations = 3

	res, err := solveSerial(t, integerBowl(5), opts)
	require.NoError(t, err)
	assert.Equal(t, AcceptableStreak, res.Status)
	// Iteration 0 has no measure yet, the next three qualify.
	assert.Equal(t, 4, res.NumIter)
}

func TestMaxIter(t *testing.T) {
	opts := DefaultOptions()
	opts.Tolerance = 1e-300
	opts.AcceptableTolerance = 1e-300
	opts.MaxIter = 3

	out := solveWorld(t, 3, integerBowl(5), opts)
	require.NoError(t, out[0].err)
	assert.Equal(t, MaxIterReached, out[0].res.Status)
	assert.Equal(t, 3, out[0].res.NumIter)
	for _, o := range out[1:] {
		require.NoError(t, o.err)
		assert.Equal(t, MaxIterReached, o.res.Status)
	}
}

func TestEvalFaultPropagates(t *testing.T) {
	for _, size := range []int{1, 3} {
		p := integerBowl(4)
		p.badValue = map[int]bool{2: true}
		p.panicOn = map[int]bool{3: true}

		var out []outcome
		if size == 1 {
			res, err := solveSerial(t, p, DefaultOptions())
			out = []outcome{{res, err}}
		} else {
			out = solveWorld(t, size, p, DefaultOptions())
		}

		root := out[0]
		require.Error(t, root.err, "size=%d", size)
		assert.Equal(t, HaltEval, root.res.Status)
		assert.False(t, root.res.OK)
		assert.Equal(t, 0, root.res.NumIter)

		errs := multierr.Errors(root.err)
		require.Len(t, errs, 2)
		kinds := map[int]EvalKind{}
		for _, e := range errs {
			var ee *EvalError
			require.ErrorAs(t, e, &ee)
			kinds[ee.Index] = ee.Kind
			if ee.Kind == EvalPanic {
				assert.Equal(t, "term blew up", ee.Detail)
			}
		}
		assert.Equal(t, map[int]EvalKind{2: EvalValue, 3: EvalPanic}, kinds)

		// Workers stop on the end signal without an error of their own.
		for _, o := range out[1:] {
			assert.NoError(t, o.err)
			assert.Equal(t, HaltEval, o.res.Status)
		}
	}
}

func TestEvalFaultIgnored(t *testing.T) {
	p := integerBowl(4)
	p.badGrad = map[int]bool{1: true}
	opts := DefaultOptions()
	opts.FailurePolicy = FailIgnore
	opts.Tolerance = 1e-300
	opts.AcceptableTolerance = 1e-300
	opts.MaxIter = 5

	out := solveWorld(t, 3, p, opts)
	root := out[0]
	require.NoError(t, root.err)
	assert.True(t, root.res.OK)
	assert.Equal(t, 5, root.res.Faults, "one fault per iteration")

	faults := 0
	for _, o := range out[1:] {
		require.NoError(t, o.err)
		faults += o.res.Faults
	}
	assert.Equal(t, 5, faults, "each fault is seen by the worker that hit it")
}

func TestMasterFailure(t *testing.T) {
	p := integerBowl(3)
	p.failMasterAt = 2

	out := solveWorld(t, 2, p, DefaultOptions())
	var me *MasterError
	require.ErrorAs(t, out[0].err, &me)
	assert.Equal(t, 1, me.Iter)
	assert.Equal(t, MasterInfeasible, me.Status)
	assert.Equal(t, HaltMaster, out[0].res.Status)
	assert.NoError(t, out[1].err)
	assert.Equal(t, HaltMaster, out[1].res.Status)
}

func TestModelRefused(t *testing.T) {
	p := integerBowl(3)
	p.refuseModel = true
	_, err := solveSerial(t, p, DefaultOptions())
	var me *MasterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 0, me.Iter)
}

func TestConfigErrors(t *testing.T) {
	ce := func(t *testing.T, err error) *ConfigError {
		t.Helper()
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		return ce
	}

	t.Run("too many workers", func(t *testing.T) {
		w := comm.NewWorld(4)
		for r := 0; r < 4; r++ {
			_, err := (&Decomposition{Problem: integerBowl(2), Comm: w.Comm(r)}).New()
			assert.Equal(t, "num_recourse_terms", ce(t, err).Key, "rank %d", r)
		}
	})

	t.Run("coupled indices", func(t *testing.T) {
		for _, idx := range [][]int{{}, {0, 0}, {2}, {-1}, {0, 1, 1}} {
			p := integerBowl(2)
			p.b, p.c = []float64{1, 1}, []float64{0, 0}
			p.coupled = idx
			_, err := (&Decomposition{Problem: p}).New()
			assert.Equal(t, "coupled_indices", ce(t, err).Key, "%v", idx)
		}
	})

	t.Run("options", func(t *testing.T) {
		opts := DefaultOptions()
		opts.RatioMax = 0.1
		_, err := (&Decomposition{Problem: integerBowl(2), Options: &opts}).New()
		assert.Equal(t, "ratio_max", ce(t, err).Key)
	})

	t.Run("no problem", func(t *testing.T) {
		_, err := (&Decomposition{}).New()
		assert.Error(t, err)
	})
}

func TestVerbosityLadder(t *testing.T) {
	run := func(v int) string {
		var buf bytes.Buffer
		opts := DefaultOptions()
		opts.Verbosity = v
		opts.PrintOptions = true
		opts.MaxIter = 3
		log := NewLogger(&LogConfig{Verbosity: v, Format: "json", Writer: &buf})
		s, err := (&Decomposition{Problem: integerBowl(3), Options: &opts, Logger: log}).New()
		require.NoError(t, err)
		_, err = s.Run(testContext(t))
		require.NoError(t, err)
		return buf.String()
	}

	quiet := run(0)
	assert.NotContains(t, quiet, `"msg":"iteration"`)

	summary := run(3)
	assert.Contains(t, summary, `"msg":"iteration"`)
	assert.Contains(t, summary, `"tolerance"`, "print_options dumps the options")
	assert.NotContains(t, summary, `"msg":"ratio test"`)

	scalars := run(int(LogScalars))
	assert.Contains(t, scalars, `"msg":"ratio test"`)
	assert.Equal(t, 2, strings.Count(scalars, `"msg":"iteration"`), "no summary row at iteration 0")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := (&Decomposition{Problem: integerBowl(3)}).New()
	require.NoError(t, err)
	res, err := s.Run(ctx)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, HaltTransport, res.Status)
}
