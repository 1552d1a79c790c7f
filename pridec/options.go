// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CurvatureRule selects how the scalar curvature α is refreshed.
type CurvatureRule string

const (
	// CurvatureGradient α = ratio·‖g‖²/(2·f), the default.
	CurvatureGradient CurvatureRule = "gradient"
	// CurvatureBB α = sᵀy/sᵀs (Barzilai-Borwein).
	CurvatureBB CurvatureRule = "bb"
	// CurvatureTR α is scaled by the trust-region factor.
	CurvatureTR CurvatureRule = "tr"
)

// RatioBasis selects which decrease the trust-region ratio is measured on.
type RatioBasis string

const (
	// RatioTotal basecase plus recourse decrease, the default.
	RatioTotal RatioBasis = "total"
	// RatioRecourse recourse decrease only.
	RatioRecourse RatioBasis = "recourse"
)

// StepRejection selects what happens to a step flagged as rejected (ρ < ⅛).
type StepRejection string

const (
	// RejectNone the flag is only logged.
	RejectNone StepRejection = "none"
	// RejectRollback the model returns to the previous center.
	RejectRollback StepRejection = "rollback"
)

// FailurePolicy selects how evaluation and master failures are handled.
type FailurePolicy string

const (
	// FailPropagate the run stops on every rank and the error is returned.
	FailPropagate FailurePolicy = "propagate"
	// FailIgnore failures are logged and the run continues.
	FailIgnore FailurePolicy = "ignore"
)

// Options configures the decomposition.
type Options struct {
	// The iteration stops when min(convg_f, convg_g) < Tolerance.
	Tolerance float64 `yaml:"tolerance"`
	// Measures below AcceptableTolerance count towards the acceptable streak.
	AcceptableTolerance float64 `yaml:"acceptable_tolerance"`
	// The iteration stops after this many consecutive acceptable iterations.
	AcceptableIterations int `yaml:"acceptable_iterations"`
	// The iteration stops after MaxIter outer iterations.
	MaxIter int `yaml:"max_iter"`

	// Bounds of the scalar curvature α.
	AlphaMin float64 `yaml:"alpha_min"`
	AlphaMax float64 `yaml:"alpha_max"`
	// Initial curvature ratio and its bounds.
	AlphaRatio float64 `yaml:"alpha_ratio"`
	RatioMin   float64 `yaml:"ratio_min"`
	RatioMax   float64 `yaml:"ratio_max"`

	// Workers reduce their sums once per iteration instead of replying per term.
	LocalAccumulation bool `yaml:"local_accumulation"`
	// Verbosity follows the level ladder of the solver log.
	Verbosity int `yaml:"verbosity_level"`
	// Print the effective options when the run starts.
	PrintOptions bool `yaml:"print_options"`

	CurvatureRule CurvatureRule `yaml:"curvature_rule"`
	RatioBasis    RatioBasis    `yaml:"ratio_basis"`
	StepRejection StepRejection `yaml:"step_rejection"`
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Tolerance:            1e-5,
		AcceptableTolerance:  1e-3,
		AcceptableIterations: 25,
		MaxIter:              30000,
		AlphaMin:             1e-5,
		AlphaMax:             1e6,
		AlphaRatio:           1.0,
		RatioMin:             0.5,
		RatioMax:             5.0,
		Verbosity:            2,
		CurvatureRule:        CurvatureGradient,
		RatioBasis:           RatioTotal,
		StepRejection:        RejectNone,
		FailurePolicy:        FailPropagate,
	}
}

// optionKeys lists every key accepted by Set in print order.
var optionKeys = []string{
	"tolerance",
	"acceptable_tolerance",
	"acceptable_iterations",
	"max_iter",
	"alpha_min",
	"alpha_max",
	"alpha_ratio",
	"ratio_min",
	"ratio_max",
	"local_accumulation",
	"verbosity_level",
	"print_options",
	"curvature_rule",
	"ratio_basis",
	"step_rejection",
	"failure_policy",
}

// Set assigns the option named key from its text form.
// A value that does not parse leaves the options unchanged.
func (o *Options) Set(key, value string) (err error) {
	prev := *o
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "tolerance":
		o.Tolerance, err = parseFloat(value)
	case "acceptable_tolerance":
		o.AcceptableTolerance, err = parseFloat(value)
	case "acceptable_iterations":
		o.AcceptableIterations, err = strconv.Atoi(value)
	case "max_iter":
		o.MaxIter, err = strconv.Atoi(value)
	case "alpha_min":
		o.AlphaMin, err = parseFloat(value)
	case "alpha_max":
		o.AlphaMax, err = parseFloat(value)
	case "alpha_ratio":
		o.AlphaRatio, err = parseFloat(value)
	case "ratio_min":
		o.RatioMin, err = parseFloat(value)
	case "ratio_max":
		o.RatioMax, err = parseFloat(value)
	case "local_accumulation", "accum_local":
		o.LocalAccumulation, err = parseBool(value)
	case "verbosity_level":
		o.Verbosity, err = strconv.Atoi(value)
	case "print_options":
		o.PrintOptions, err = parseBool(value)
	case "curvature_rule":
		o.CurvatureRule = CurvatureRule(strings.ToLower(value))
	case "ratio_basis":
		o.RatioBasis = RatioBasis(strings.ToLower(value))
	case "step_rejection":
		o.StepRejection = StepRejection(strings.ToLower(value))
	case "failure_policy":
		o.FailurePolicy = FailurePolicy(strings.ToLower(value))
	default:
		return &ConfigError{Key: key, Reason: "unknown option"}
	}
	if err != nil {
		*o = prev
		return &ConfigError{Key: key, Reason: fmt.Sprintf("cannot parse %q", value), Err: err}
	}
	return nil
}

// Get returns the text form of the option named key.
func (o *Options) Get(key string) (string, bool) {
	switch key {
	case "tolerance":
		return formatFloat(o.Tolerance), true
	case "acceptable_tolerance":
		return formatFloat(o.AcceptableTolerance), true
	case "acceptable_iterations":
		return strconv.Itoa(o.AcceptableIterations), true
	case "max_iter":
		return strconv.Itoa(o.MaxIter), true
	case "alpha_min":
		return formatFloat(o.AlphaMin), true
	case "alpha_max":
		return formatFloat(o.AlphaMax), true
	case "alpha_ratio":
		return formatFloat(o.AlphaRatio), true
	case "ratio_min":
		return formatFloat(o.RatioMin), true
	case "ratio_max":
		return formatFloat(o.RatioMax), true
	case "local_accumulation", "accum_local":
		return formatBool(o.LocalAccumulation), true
	case "verbosity_level":
		return strconv.Itoa(o.Verbosity), true
	case "print_options":
		return formatBool(o.PrintOptions), true
	case "curvature_rule":
		return string(o.CurvatureRule), true
	case "ratio_basis":
		return string(o.RatioBasis), true
	case "step_rejection":
		return string(o.StepRejection), true
	case "failure_policy":
		return string(o.FailurePolicy), true
	}
	return "", false
}

// String renders the options in the flat "key value" file format.
func (o Options) String() string {
	var sb strings.Builder
	for _, k := range optionKeys {
		v, _ := o.Get(k)
		fmt.Fprintf(&sb, "%-24s %s\n", k, v)
	}
	return sb.String()
}

// keysAndValues returns the options as alternating structured log fields.
func (o *Options) keysAndValues() []any {
	kv := make([]any, 0, 2*len(optionKeys))
	for _, k := range optionKeys {
		v, _ := o.Get(k)
		kv = append(kv, k, v)
	}
	return kv
}

// validate checks the options and reconciles the acceptable tolerance.
// raised is set when AcceptableTolerance was lifted up to Tolerance.
func (o *Options) validate() (raised bool, err error) {

	var key string
	switch {
	case !(o.Tolerance > zero):
		key, err = "tolerance", errors.New("must be greater than 0")
	case !(o.AcceptableTolerance > zero):
		key, err = "acceptable_tolerance", errors.New("must be greater than 0")
	case o.AcceptableIterations < 1:
		key, err = "acceptable_iterations", errors.New("must be greater than 0")
	case o.MaxIter < 1:
		key, err = "max_iter", errors.New("must be greater than 0")
	case !(o.AlphaMin >= zero):
		key, err = "alpha_min", errors.New("must not be less than 0")
	case !(o.AlphaMax > o.AlphaMin) || math.IsInf(o.AlphaMax, 0):
		key, err = "alpha_max", errors.New("must be finite and greater than alpha_min")
	case !(o.RatioMin > zero):
		key, err = "ratio_min", errors.New("must be greater than 0")
	case !(o.RatioMax >= o.RatioMin) || math.IsInf(o.RatioMax, 0):
		key, err = "ratio_max", errors.New("must be finite and not less than ratio_min")
	case !(o.AlphaRatio > zero) || math.IsInf(o.AlphaRatio, 0):
		key, err = "alpha_ratio", errors.New("must be finite and greater than 0")
	case o.Verbosity < 0:
		key, err = "verbosity_level", errors.New("must not be less than 0")
	case o.CurvatureRule != CurvatureGradient && o.CurvatureRule != CurvatureBB && o.CurvatureRule != CurvatureTR:
		key, err = "curvature_rule", fmt.Errorf("unknown rule %q", o.CurvatureRule)
	case o.RatioBasis != RatioTotal && o.RatioBasis != RatioRecourse:
		key, err = "ratio_basis", fmt.Errorf("unknown basis %q", o.RatioBasis)
	case o.StepRejection != RejectNone && o.StepRejection != RejectRollback:
		key, err = "step_rejection", fmt.Errorf("unknown strategy %q", o.StepRejection)
	case o.FailurePolicy != FailPropagate && o.FailurePolicy != FailIgnore:
		key, err = "failure_policy", fmt.Errorf("unknown policy %q", o.FailurePolicy)
	}
	if err != nil {
		return false, &ConfigError{Key: key, Err: err}
	}

	if o.AcceptableTolerance < o.Tolerance {
		o.AcceptableTolerance = o.Tolerance
		raised = true
	}
	return
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "on", "true", "1":
		return true, nil
	case "no", "n", "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
