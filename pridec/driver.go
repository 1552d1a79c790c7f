// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/curioloop/pridec/comm"
)

// iterCtx is the mutable state of a run.
type iterCtx struct {
	x   []float64 // master solution, n
	x0  []float64 // coupled point the terms are evaluated at, nc
	agg aggregate

	tr    *TrustRegion
	snap  trSnapshot
	model RecourseModel

	base, baseOld float64 // basecase objective of this and the previous iteration

	convg, convgF, convgG float64
	accept                int // consecutive iterations with convg ≤ acceptable tolerance
	dinf                  float64

	iter     int
	rejected int
	faults   int

	disp dispatcher
	lat  *latency
}

func newIterCtx(s *iterSpec) *iterCtx {
	nc := len(s.idx)
	w := &iterCtx{
		x:      make([]float64, s.n),
		x0:     make([]float64, nc),
		agg:    aggregate{grad: make([]float64, nc)},
		tr:     NewTrustRegion(nc, &s.opts),
		convg:  inf,
		convgF: inf,
		convgG: inf,
		lat:    newLatency(),
		model: RecourseModel{
			N: s.n, S: s.s,
			Grad:  make([]float64, nc),
			Hess:  make([]float64, nc),
			X0:    make([]float64, nc),
			Index: s.idx,
		},
	}
	ev := &evaluator{p: s.p, rank: s.rank}
	if s.serial() {
		ev.lat = w.lat
		w.disp = newSerialDispatch(ev, s.s, nc)
	} else {
		var lat *latency
		if s.rank == comm.Root {
			lat = w.lat
		} else {
			ev.lat = w.lat
		}
		w.disp = newAsyncDispatch(s.comm, ev, &s.log, lat, s.s, nc, s.opts.LocalAccumulation)
	}
	return w
}

// iterDriver runs the outer iteration on the coordinator and the task loop
// on workers.
type iterDriver struct {
	solver *Solver
	ctx    *iterCtx
}

// solveMaster runs one master solve and loads its solution.
func (d *iterDriver) solveMaster(withModel bool) error {
	spec, w := &d.solver.iterSpec, d.ctx
	st := spec.p.SolveMaster(w.x, withModel)
	if !st.OK() {
		recordMasterFailure()
		return &MasterError{Iter: w.iter, Status: st}
	}
	spec.p.Solution(w.x)
	return nil
}

// failure applies the failure policy. It returns err when the run must halt.
func (d *iterDriver) failure(err error) error {
	spec := &d.solver.iterSpec
	if spec.opts.FailurePolicy == FailPropagate {
		return err
	}
	for _, e := range multierr.Errors(err) {
		spec.log.warn("failure ignored", "iter", d.ctx.iter, "error", e.Error())
	}
	return nil
}

// broadcast sends the control word and the coupled point to the workers.
func (d *iterDriver) broadcast(ctx context.Context, status Status) error {
	spec, w := &d.solver.iterSpec, d.ctx
	if spec.serial() {
		return nil
	}
	if _, err := spec.comm.BcastFloats(ctx, comm.Root, int(status), w.x0); err != nil {
		return &TransportError{Op: "broadcast", Peer: comm.Root, Err: err}
	}
	return nil
}

// updateModel refreshes the trust-region model from the aggregate of this
// iteration and installs the recourse model for the next master solve.
func (d *iterDriver) updateModel() {
	spec, w := &d.solver.iterSpec, d.ctx
	opts, log, tr := &spec.opts, &spec.log, w.tr
	g, rval := w.agg.grad, w.agg.value

	if w.iter == 0 {
		tr.Initialize(rval, w.x0, g)
		alpha := tr.AlphaF(g)
		log.info(LogSummary, "initial curvature", "alpha", alpha)
		w.model.set(rval, g, alpha, w.x0)
		return
	}

	rollback := opts.StepRejection == RejectRollback
	base, baseOld := w.base, w.baseOld
	if rollback {
		tr.save(&w.snap)
	}

	tr.Update(w.x0, g, rval)
	w.baseOld = w.base
	w.base = tr.ComputeBase(spec.p.Objective())

	var rho float64
	var rejected bool
	if opts.RatioBasis == RatioRecourse {
		rho, rejected = tr.UpdateRatioRecourse()
	} else {
		rho, rejected = tr.UpdateRatio(w.base, w.baseOld)
	}
	log.info(LogScalars, "ratio test",
		"previousBase", w.baseOld, "base", w.base, "rho", rho, "ratio", tr.Ratio())

	alpha := d.curvature(g)
	w.convgG = tr.ConvergenceGrad(g)
	w.convgF = tr.ConvergenceFcn(w.base, w.baseOld)
	w.convg = minMeasure(w.convgF, w.convgG)
	log.info(LogSummary, "convergence measure", "alpha", alpha, "convgG", w.convgG, "convgF", w.convgF)

	if !rejected {
		w.model.set(rval, g, alpha, w.x0)
		return
	}

	w.rejected++
	recordRejectedStep()
	if !rollback {
		log.warn("step rejected", "iter", w.iter, "rho", rho)
		w.model.set(rval, g, alpha, w.x0)
		return
	}

	// Return to the previous center with the enlarged ratio.
	tr.restore(&w.snap)
	w.base, w.baseOld = base, baseOld
	xc, gc := tr.Center()
	alpha = tr.AlphaF(gc)
	log.warn("step rejected, model rolled back", "iter", w.iter, "rho", rho, "alpha", alpha)
	w.model.set(tr.Value(), gc, alpha, xc)
}

func (d *iterDriver) curvature(g []float64) float64 {
	tr := d.ctx.tr
	switch d.solver.opts.CurvatureRule {
	case CurvatureBB:
		return tr.AlphaBB()
	case CurvatureTR:
		return tr.AlphaTR()
	default:
		return tr.AlphaF(g)
	}
}

// countAcceptable extends the acceptable streak or restarts it when the
// measure of this iteration is above the acceptable tolerance.
func (d *iterDriver) countAcceptable() {
	w := d.ctx
	if w.convg <= d.solver.opts.AcceptableTolerance {
		w.accept++
	} else {
		w.accept = 0
	}
	d.solver.log.info(LogSummary, "acceptable count", "count", w.accept)
}

// stoppingCriteria decides whether the iteration ends.
func (d *iterDriver) stoppingCriteria() Status {
	opts, w := &d.solver.opts, d.ctx
	switch {
	case w.convg < opts.Tolerance:
		return Converged
	case w.iter == opts.MaxIter-1:
		return MaxIterReached
	case w.accept == opts.AcceptableIterations:
		return AcceptableStreak
	}
	return Iterating
}

// mainLoop is the outer iteration of the coordinator.
func (d *iterDriver) mainLoop(ctx context.Context) (*Result, error) {

	spec, w := &d.solver.iterSpec, d.ctx
	log := &spec.log

	start := time.Now()
	d.printInit()

	var err error
	status := Iterating

	for w.iter = 0; ; w.iter++ {

		iterStart := time.Now()

		if w.iter == 0 {
			if e := d.solveMaster(false); e != nil {
				if err = d.failure(e); err != nil {
					status = HaltMaster
					break
				}
			}
			w.base = spec.p.Objective()
			w.baseOld = w.base
		}

		gather(w.x0, w.x, spec.idx)
		if err = d.broadcast(ctx, Iterating); err != nil {
			status = HaltTransport
			break
		}

		faults, e := w.disp.coordinate(ctx, w.x0, &w.agg)
		if e != nil {
			err, status = e, HaltTransport
			break
		}
		if faults != nil {
			w.faults += len(multierr.Errors(faults))
			if err = d.failure(faults); err != nil {
				status = HaltEval
				break
			}
		}
		log.info(LogScalars, "recourse value", "rval", w.agg.value)

		d.updateModel()

		if log.enable(LogFcnEval) {
			log.info(LogFcnEval, "recourse gradient", "grad", w.agg.grad)
		}
		if w.iter > 0 {
			d.printIter()
		}

		if !spec.p.InstallRecourseModel(&w.model) {
			recordMasterFailure()
			if err = d.failure(&MasterError{Iter: w.iter, Status: MasterFailed}); err != nil {
				status = HaltMaster
				break
			}
		}
		if e := d.solveMaster(true); e != nil {
			if err = d.failure(e); err != nil {
				status = HaltMaster
				break
			}
		}

		w.dinf = stepSize(w.x, w.x0, spec.idx)
		if log.enable(LogFcnEval) {
			log.info(LogFcnEval, "master solution", "x", w.x)
		}

		d.countAcceptable()

		elapsed := time.Since(iterStart)
		recordIteration(elapsed)
		recordModel(w.tr.Alpha(), w.tr.Ratio(), w.convg, w.base+w.agg.value)
		log.info(LogScalars, "iteration time", "iter", w.iter, "elapsed", elapsed)

		if status = d.stoppingCriteria(); status.Done() {
			break
		}
	}

	// End signal; a broken transport cannot carry it.
	if status != HaltTransport {
		if e := d.broadcast(ctx, status); e != nil {
			err = multierr.Append(err, e)
			status = HaltTransport
		}
	}

	res := d.result(status, time.Since(start))
	d.printExit(res)
	return res, err
}

// workLoop serves recourse tasks until the coordinator ends the run.
func (d *iterDriver) workLoop(ctx context.Context) (*Result, error) {

	spec, w := &d.solver.iterSpec, d.ctx
	start := time.Now()

	var err error
	status := Iterating
	for w.iter = 0; ; w.iter++ {
		ctl, e := spec.comm.BcastFloats(ctx, comm.Root, 0, w.x0)
		if e != nil {
			err, status = &TransportError{Op: "broadcast", Peer: comm.Root, Err: e}, HaltTransport
			break
		}
		if status = Status(ctl); status.Done() {
			break
		}
		faults, e := w.disp.serve(ctx, w.x0)
		if e != nil {
			err, status = e, HaltTransport
			break
		}
		w.faults += len(multierr.Errors(faults))
	}

	if err != nil {
		spec.log.error(err, "worker stopped", "iter", w.iter)
	}
	return d.result(status, time.Since(start)), err
}

func (d *iterDriver) result(status Status, elapsed time.Duration) *Result {
	spec, w := &d.solver.iterSpec, d.ctx
	res := &Result{
		OK: status.OK(),
		Summary: Summary{
			Status:   status,
			NumIter:  w.iter,
			Alpha:    w.tr.Alpha(),
			Ratio:    w.tr.Ratio(),
			Convg:    w.convg,
			ConvgF:   w.convgF,
			ConvgG:   w.convgG,
			Rejected: w.rejected,
			Faults:   w.faults,
			Elapsed:  elapsed,
			Latency:  w.lat.summary(),
		},
	}
	if spec.rank == comm.Root {
		res.X = w.x
		res.F = w.base + w.agg.value
		if status.OK() {
			res.NumIter = w.iter + 1
		}
	}
	return res
}

func (d *iterDriver) printInit() {
	spec := &d.solver.iterSpec
	log := &spec.log
	if spec.raise {
		log.warn("acceptable_tolerance raised to tolerance", "tolerance", spec.opts.Tolerance)
	}
	if spec.opts.PrintOptions && log.enable(LogSummary) {
		log.info(LogSummary, "options", spec.opts.keysAndValues()...)
	}
	log.info(LogSummary, "decomposition started",
		"ranks", spec.size, "recourseTerms", spec.s, "vars", spec.n, "coupled", len(spec.idx))
}

// printIter writes the summary row of the current iteration.
func (d *iterDriver) printIter() {
	w := d.ctx
	d.solver.log.info(LogSummary, "iteration",
		"iter", w.iter,
		"objective", w.base+w.agg.value,
		"residual", w.convgF,
		"stepSize", w.dinf,
		"convg", w.convgG,
	)
}

func (d *iterDriver) printExit(res *Result) {
	log := &d.solver.log
	if !res.OK {
		log.error(errors.New(res.Status.message()), "decomposition halted", "iter", res.NumIter)
	}
	log.info(LogSummary, res.Status.message(),
		"iterations", res.NumIter,
		"objective", res.F,
		"convg", res.Convg,
		"alpha", res.Alpha,
		"rejected", res.Rejected,
		"faults", res.Faults,
		"elapsed", res.Elapsed,
		"taskP50", res.Latency.P50,
		"taskP99", res.Latency.P99,
	)
}

// stepSize returns ‖x[idx] - x0‖₂.
func stepSize(x, x0 []float64, idx []int) float64 {
	d := make([]float64, len(idx))
	gather(d, x, idx)
	daxpy(len(d), -one, x0, d)
	return dnrm2(len(d), d)
}

// minMeasure returns the smaller measure, ignoring NaN.
func minMeasure(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Min(a, b)
}
