// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/curioloop/pridec/pridec"
	"github.com/curioloop/pridec/problems"
)

// Version is the current release.
const Version = "0.1.0"

var (
	optionsFile string
	overrides   []string
	problemFile string
	genVars     int
	genCoupled  int
	genTerms    int
	genSeed     uint64
	logFile     string
	metricsAddr string
	runID       string
)

var logFormat = choice{value: "console", allowed: []string{"console", "json"}}

var rootCmd = &cobra.Command{
	Use:     "pridec",
	Short:   "Primal decomposition solver for two-stage problems",
	Version: Version,
	Long: `pridec solves two-stage problems by primal decomposition: a coordinator
solves the master problem with a quadratic model of the recourse while worker
ranks evaluate the recourse terms.

Problems are read from a YAML file (--problem) or generated (--vars, --coupled,
--terms, --seed). Options come from an options file (--options) in YAML or
"key value" format and --set overrides.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&optionsFile, "options", "", "options file (.yaml/.yml or key value lines)")
	pf.StringArrayVar(&overrides, "set", nil, "option override key=value, repeatable")
	pf.StringVar(&problemFile, "problem", "", "problem file, a random problem is generated when empty")
	pf.IntVar(&genVars, "vars", 8, "generated problem: number of master variables")
	pf.IntVar(&genCoupled, "coupled", 4, "generated problem: number of coupled variables")
	pf.IntVar(&genTerms, "terms", 16, "generated problem: number of recourse terms")
	pf.Uint64Var(&genSeed, "seed", 1, "generated problem: random seed")
	pf.Var(&logFormat, "log-format", "log format, console or json")
	pf.StringVar(&logFile, "log-file", "", "also write logs to this rotated file")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	pf.StringVar(&runID, "run-id", "", "run id attached to every log line, generated when empty")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// choice is a string flag restricted to a fixed set of values.
type choice struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*choice)(nil)

func (c *choice) String() string { return c.value }

func (c *choice) Type() string { return "string" }

func (c *choice) Set(v string) error {
	if !slices.Contains(c.allowed, v) {
		return fmt.Errorf("expect one of %s", strings.Join(c.allowed, ", "))
	}
	c.value = v
	return nil
}

// loadOptions reads the options file and applies --set overrides.
func loadOptions() (pridec.Options, error) {
	opts, err := pridec.LoadOptions(optionsFile)
	if err != nil {
		return opts, err
	}
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return opts, fmt.Errorf("--set %q: expect key=value", kv)
		}
		if err = opts.Set(k, v); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// loadProblem builds a fresh problem instance. Every rank owns one.
func loadProblem() (pridec.Problem, error) {
	if problemFile != "" {
		return problems.Load(problemFile)
	}
	q, err := problems.Random(genVars, genCoupled, genTerms, genSeed)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func newLogger(opts *pridec.Options) logr.Logger {
	cfg := &pridec.LogConfig{
		Verbosity: opts.Verbosity,
		Format:    logFormat.value,
		Output:    "stdout",
	}
	if logFile != "" {
		cfg.Output = "both"
		cfg.FilePath = logFile
		cfg.MaxSize = 64
		cfg.MaxBackups = 3
		cfg.MaxAge = 7
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return pridec.NewLogger(cfg).WithValues("run", runID)
}

// serveMetrics exposes the solver metrics until ctx is done.
func serveMetrics(ctx context.Context, log logr.Logger) {
	pridec.Register(prometheus.DefaultRegisterer)
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// report prints the coordinator result.
func report(cmd *cobra.Command, res *pridec.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status     %v\n", res.Status)
	fmt.Fprintf(out, "iterations %d\n", res.NumIter)
	fmt.Fprintf(out, "objective  %.12e\n", res.F)
	fmt.Fprintf(out, "convg      %.6e\n", res.Convg)
	fmt.Fprintf(out, "alpha      %.6e\n", res.Alpha)
	fmt.Fprintf(out, "rejected   %d\n", res.Rejected)
	fmt.Fprintf(out, "elapsed    %v\n", res.Elapsed)
	fmt.Fprintf(out, "x          %.6g\n", res.X)
}
