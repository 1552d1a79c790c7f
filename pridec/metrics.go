// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "pridec"

var (
	iterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "iterations_total",
			Help:      "Count of completed outer iterations.",
		},
	)
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Count of recourse terms evaluated, by evaluating rank.",
		},
		[]string{"rank"},
	)
	evalFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "eval_faults_total",
			Help:      "Count of failed recourse evaluations, by failing callback.",
		},
		[]string{"kind"},
	)
	masterFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "master_failures_total",
			Help:      "Count of master solves that did not report success.",
		},
	)
	rejectedStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "rejected_steps_total",
			Help:      "Count of steps flagged as rejected by the trust-region test.",
		},
	)
	modelGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "model",
			Help:      "Current scalars of the recourse model and the outer iteration.",
		},
		[]string{"scalar"},
	)
	iterationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one outer iteration.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 12),
		},
	)
)

var registerMetrics sync.Once

// Register adds the solver metrics to reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(iterationsTotal)
		reg.MustRegister(tasksTotal)
		reg.MustRegister(evalFaultsTotal)
		reg.MustRegister(masterFailuresTotal)
		reg.MustRegister(rejectedStepsTotal)
		reg.MustRegister(modelGauge)
		reg.MustRegister(iterationSeconds)
	})
}

func recordIteration(d time.Duration) {
	iterationsTotal.Inc()
	iterationSeconds.Observe(d.Seconds())
}

func recordTasks(rank, n int) {
	tasksTotal.WithLabelValues(strconv.Itoa(rank)).Add(float64(n))
}

func recordEvalFault(kind EvalKind) {
	evalFaultsTotal.WithLabelValues(kind.String()).Inc()
}

func recordMasterFailure() {
	masterFailuresTotal.Inc()
}

func recordRejectedStep() {
	rejectedStepsTotal.Inc()
}

func recordModel(alpha, ratio, convg, objective float64) {
	modelGauge.WithLabelValues("alpha").Set(alpha)
	modelGauge.WithLabelValues("ratio").Set(ratio)
	modelGauge.WithLabelValues("convergence").Set(convg)
	modelGauge.WithLabelValues("objective").Set(objective)
}

// latency tracks round trip times of recourse tasks in microseconds.
type latency struct {
	h *hdrhistogram.Histogram
}

func newLatency() *latency {
	// 1µs up to one hour with 3 significant digits
	return &latency{h: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)}
}

func (l *latency) record(d time.Duration) {
	us := max(d.Microseconds(), 1)
	_ = l.h.RecordValue(min(us, l.h.HighestTrackableValue()))
}

// Latency summarizes task round trip times.
type Latency struct {
	Count         int64
	P50, P99, Max time.Duration
}

func (l *latency) summary() Latency {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return Latency{
		Count: l.h.TotalCount(),
		P50:   us(l.h.ValueAtQuantile(50)),
		P99:   us(l.h.ValueAtQuantile(99)),
		Max:   us(l.h.Max()),
	}
}
