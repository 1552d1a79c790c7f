// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

const (
	zero    = 0.0
	one     = 1.0
	half    = 0.5
	quarter = 0.25
	eighth  = 0.125

	// shrink is the factor applied to the curvature ratio by the trust-region rule.
	shrink = 0.75
	// band is the upper edge of the "model agrees" region of the recourse-only rule.
	band = 1.333
	// inf is the initial value of every convergence measure.
	inf = 1e20
)

// Status is the state of the outer iteration.
type Status int

const (
	// Init the master problem has not been solved yet.
	Init Status = iota
	// Iterating the outer loop is running.
	Iterating
	// Converged the convergence measure dropped below the tolerance.
	Converged
	// MaxIterReached the iteration limit was hit.
	MaxIterReached
	// AcceptableStreak the measure stayed below the acceptable tolerance long enough.
	AcceptableStreak
	// HaltMaster the master problem solver failed.
	HaltMaster
	// HaltEval a recourse evaluation failed.
	HaltEval
	// HaltTransport a message could not be delivered.
	HaltTransport
)

// Done reports whether s ends the run.
func (s Status) Done() bool { return s >= Converged }

// OK reports whether s is a regular stop rather than a halt.
func (s Status) OK() bool { return s == Converged || s == MaxIterReached || s == AcceptableStreak }

func (s Status) String() string {
	switch s {
	case Init:
		return "INIT"
	case Iterating:
		return "ITERATING"
	case Converged:
		return "CONVERGED"
	case MaxIterReached:
		return "MAX_ITER"
	case AcceptableStreak:
		return "ACCEPTABLE_STREAK"
	case HaltMaster:
		return "HALT_MASTER"
	case HaltEval:
		return "HALT_EVAL"
	case HaltTransport:
		return "HALT_TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

func (s Status) message() string {
	switch s {
	case Converged:
		return "CONVERGENCE: MEASURE_<=_TOLERANCE"
	case MaxIterReached:
		return "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case AcceptableStreak:
		return "CONVERGENCE: ACCEPTABLE_LEVEL_REACHED"
	case HaltMaster:
		return "STOP: MASTER PROBLEM SOLVE FAILED"
	case HaltEval:
		return "STOP: RECOURSE EVALUATION FAILED"
	case HaltTransport:
		return "STOP: COMMUNICATION FAILED"
	default:
		return "UNKNOWN TASK"
	}
}
