// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pridec implements a primal decomposition solver for two-stage
// problems
//
//	min  f₀(x) + 1/S ∑ᵢ rᵢ(xc),  xc = x[coupled]
//
// The coordinator (rank 0) solves the master problem in x with the recourse
// replaced by the quadratic model
//
//	r(xc) ≈ v + gᵀ(xc - x₀) + ½α‖xc - x₀‖²
//
// while the S recourse terms are evaluated at x₀ by the worker ranks. The
// scalar curvature α is refreshed every outer iteration and its scale is
// tuned by a trust-region test on the observed decrease.
package pridec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/curioloop/pridec/comm"
)

// Decomposition specifies a decomposition run on one rank.
type Decomposition struct {
	Problem Problem     // The two-stage problem
	Comm    *comm.Comm  // Optional communicator, single process when nil
	Options *Options    // Optional options, defaults when nil
	Logger  logr.Logger // Optional logger, discarded when zero
}

// New validates the decomposition and creates its solver.
func (d *Decomposition) New() (solver *Solver, err error) {

	p := d.Problem
	opts := DefaultOptions()
	if d.Options != nil {
		opts = *d.Options
	}

	log := d.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	rank, size := comm.Root, 1
	if d.Comm != nil {
		rank, size = d.Comm.Rank(), d.Comm.Size()
		log = log.WithValues("rank", rank)
	}

	switch {
	case p == nil:
		err = errors.New("problem is required")
	case p.NumVars() <= 0:
		err = &ConfigError{Key: "num_vars", Reason: "must be greater than 0"}
	case p.NumRecourseTerms() <= 0:
		err = &ConfigError{Key: "num_recourse_terms", Reason: "must be greater than 0"}
	case size > 1 && p.NumRecourseTerms() < size-1:
		err = &ConfigError{Key: "num_recourse_terms",
			Reason: fmt.Sprintf("%d terms cannot keep %d workers busy", p.NumRecourseTerms(), size-1)}
	}
	if err != nil {
		return
	}

	idx, err := coupledIndices(p)
	if err != nil {
		return
	}

	raised, err := opts.validate()
	if err != nil {
		return
	}

	solver = &Solver{
		iterSpec{
			p:     p,
			comm:  d.Comm,
			opts:  opts,
			rank:  rank,
			size:  size,
			n:     p.NumVars(),
			s:     p.NumRecourseTerms(),
			idx:   idx,
			log:   logger{log: log, level: LogLevel(opts.Verbosity)},
			raise: raised,
		},
	}
	return
}

// iterSpec is the immutable part of a run.
type iterSpec struct {
	p    Problem
	comm *comm.Comm
	opts Options

	rank, size int
	n, s       int
	idx        []int // coupled indices, nc = len(idx)

	log   logger
	raise bool // acceptable tolerance was lifted to tolerance
}

func (s *iterSpec) serial() bool { return s.size == 1 }

// Solver runs the decomposition on one rank.
type Solver struct {
	iterSpec
}

// Result contains the outcome of a run.
type Result struct {
	OK      bool      // Whether the run stopped regularly.
	F       float64   // Final basecase plus recourse estimate (coordinator).
	X       []float64 // Final master solution (coordinator).
	Summary           // Run summary.
}

// Summary contains a summary of the decomposition process.
type Summary struct {
	Status   Status        // Final status.
	NumIter  int           // Outer iterations performed.
	Alpha    float64       // Final curvature.
	Ratio    float64       // Final curvature ratio.
	Convg    float64       // min(ConvgF, ConvgG) of the last iteration.
	ConvgF   float64       // Function value measure of the last iteration.
	ConvgG   float64       // Gradient measure of the last iteration.
	Rejected int           // Steps flagged as rejected.
	Faults   int           // Failed recourse evaluations seen by this rank.
	Elapsed  time.Duration // Wall time of the run.
	Latency  Latency       // Recourse task round trip times seen by this rank.
}

// Run executes the decomposition. Every rank of the communicator must call
// Run with an equivalent problem and options.
//
// The returned error is non-nil when the run halted: a *TransportError when
// a message could not be delivered, and under failure_policy=propagate a
// *MasterError or the combined *EvalError values of the failing iteration.
// The Result is valid in every case.
func (s *Solver) Run(ctx context.Context) (*Result, error) {
	driver := iterDriver{
		solver: s,
		ctx:    newIterCtx(&s.iterSpec),
	}
	if s.rank == comm.Root {
		return driver.mainLoop(ctx)
	}
	return driver.workLoop(ctx)
}
