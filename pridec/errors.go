// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"fmt"
	"strings"
)

// EvalKind tells which recourse callback failed.
type EvalKind int

const (
	// EvalValue the value callback returned false.
	EvalValue EvalKind = iota
	// EvalGradient the gradient callback returned false.
	EvalGradient
	// EvalPanic a callback panicked.
	EvalPanic
)

func (k EvalKind) String() string {
	switch k {
	case EvalValue:
		return "value"
	case EvalGradient:
		return "gradient"
	case EvalPanic:
		return "panic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func parseEvalKind(s string) EvalKind {
	switch s {
	case "value":
		return EvalValue
	case "gradient":
		return EvalGradient
	default:
		return EvalPanic
	}
}

// EvalError reports a failed recourse evaluation.
type EvalError struct {
	Index  int      // recourse term
	Rank   int      // rank that evaluated the term
	Kind   EvalKind // failing callback
	Detail string   // recovered panic value, if any
}

func (e *EvalError) Error() string {
	msg := fmt.Sprintf("pridec: recourse term %d %s evaluation failed on rank %d", e.Index, e.Kind, e.Rank)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// fault encodes e into a message fault field.
func (e *EvalError) fault() string {
	return e.Kind.String() + ":" + e.Detail
}

func faultError(idx, rank int, fault string) *EvalError {
	kind, detail, _ := strings.Cut(fault, ":")
	return &EvalError{Index: idx, Rank: rank, Kind: parseEvalKind(kind), Detail: detail}
}

// MasterError reports a failed master solve.
type MasterError struct {
	Iter   int
	Status SolveStatus
}

func (e *MasterError) Error() string {
	return fmt.Sprintf("pridec: master solve failed at iteration %d: %v", e.Iter, e.Status)
}

// TransportError wraps a communication failure.
type TransportError struct {
	Op   string
	Peer int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pridec: %s with rank %d: %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigError reports an invalid option or problem shape.
type ConfigError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "pridec: invalid " + e.Key
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }
