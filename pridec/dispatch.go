// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/multierr"

	"github.com/curioloop/pridec/comm"
)

// aggregate is the recourse value and gradient averaged over all terms.
type aggregate struct {
	value float64
	grad  []float64
}

// load sets the aggregate from a [value, grad...] sum over s terms.
func (a *aggregate) load(sum []float64, s int) {
	w := one / float64(s)
	a.value = sum[0] * w
	copy(a.grad, sum[1:])
	dscal(len(a.grad), w, a.grad)
}

// dispatcher evaluates every recourse term once per outer iteration.
//
// coordinate runs on the coordinator and leaves the average in agg. serve
// runs on workers. Failed evaluations are returned as faults (combined
// *EvalError values) and do not stop the iteration; err reports a broken
// protocol and is fatal.
type dispatcher interface {
	coordinate(ctx context.Context, xc []float64, agg *aggregate) (faults, err error)
	serve(ctx context.Context, xc []float64) (faults, err error)
}

// evaluator runs the recourse callbacks of one rank.
type evaluator struct {
	p    Problem
	rank int
	lat  *latency
}

// eval writes [value, grad...] of term idx at xc into out.
func (e *evaluator) eval(idx int, xc, out []float64) (err *EvalError) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvalError{Index: idx, Rank: e.rank, Kind: EvalPanic, Detail: fmt.Sprint(r)}
		}
	}()
	start := time.Now()
	v, ok := e.p.EvalRecourseValue(idx, xc)
	if !ok {
		return &EvalError{Index: idx, Rank: e.rank, Kind: EvalValue}
	}
	g := out[1:]
	dzero(g)
	if !e.p.EvalRecourseGradient(idx, xc, g) {
		return &EvalError{Index: idx, Rank: e.rank, Kind: EvalGradient}
	}
	out[0] = v
	if e.lat != nil {
		e.lat.record(time.Since(start))
	}
	return nil
}

// serialDispatch evaluates the terms in index order on the calling rank.
type serialDispatch struct {
	ev  *evaluator
	s   int
	buf []float64
	sum []float64
}

func newSerialDispatch(ev *evaluator, s, nc int) *serialDispatch {
	return &serialDispatch{ev: ev, s: s, buf: make([]float64, nc+1), sum: make([]float64, nc+1)}
}

func (d *serialDispatch) coordinate(ctx context.Context, xc []float64, agg *aggregate) (faults, err error) {
	dzero(d.sum)
	for i := 0; i < d.s; i++ {
		if err = ctx.Err(); err != nil {
			return faults, &TransportError{Op: "evaluate", Peer: comm.Root, Err: err}
		}
		if e := d.ev.eval(i, xc, d.buf); e != nil {
			recordEvalFault(e.Kind)
			faults = multierr.Append(faults, e)
			continue
		}
		daxpy(len(d.sum), one, d.buf, d.sum)
	}
	recordTasks(d.ev.rank, d.s)
	agg.load(d.sum, d.s)
	return faults, nil
}

func (d *serialDispatch) serve(context.Context, []float64) (error, error) {
	panic("serial dispatch has no workers")
}

// asyncDispatch hands out one term at a time to whichever worker is free.
//
// With payload distribution every reply carries [value, grad...] and the
// coordinator sums them as they arrive. With accumulate distribution workers
// keep the sum and reply with an empty done message, and a single reduction
// after the sentinel collects the sums in rank order.
type asyncDispatch struct {
	c   *comm.Comm
	ev  *evaluator
	log *logger
	lat *latency

	s, nc int
	local bool

	sum  []float64    // coordinator running sum, worker local sum
	red  []float64    // reduction result
	bufs [2][]float64 // worker payload buffers, alternated between sends
}

func newAsyncDispatch(c *comm.Comm, ev *evaluator, log *logger, lat *latency, s, nc int, local bool) *asyncDispatch {
	d := &asyncDispatch{
		c: c, ev: ev, log: log, lat: lat,
		s: s, nc: nc, local: local,
		sum: make([]float64, nc+1),
		red: make([]float64, nc+1),
	}
	d.bufs[0] = make([]float64, nc+1)
	d.bufs[1] = make([]float64, nc+1)
	return d
}

func (d *asyncDispatch) coordinate(ctx context.Context, xc []float64, agg *aggregate) (faults, err error) {

	size := d.c.Size()
	send := make([]comm.Request, size)
	recv := make([]comm.Request, size)
	task := make([]int, size)
	sent := make([]time.Time, size)
	active := make([]bool, size)

	dzero(d.sum)
	next, idle := 0, 0

	// One initial task per worker.
	for r := 1; r < size; r++ {
		if err = d.c.Send(ctx, r, comm.TagIndex, comm.Message{Index: next}); err != nil {
			return faults, &TransportError{Op: "send index", Peer: r, Err: err}
		}
		d.log.info(LogTrace, "task sent", "rank", r, "index", next)
		task[r], sent[r] = next, time.Now()
		next++
		if err = d.c.Irecv(&recv[r], r, comm.TagResult); err != nil {
			return faults, &TransportError{Op: "post receive", Peer: r, Err: err}
		}
		active[r] = true
	}

	// Poll until every worker has returned its last result.
	for remaining := size - 1; remaining > 0; {
		progressed := false
		for r := 1; r < size; r++ {
			if !active[r] {
				continue
			}
			if ok, _ := recv[r].Test(); !ok {
				continue
			}
			progressed = true
			m, e := recv[r].Take()
			if e != nil {
				return faults, &TransportError{Op: "receive result", Peer: r, Err: e}
			}
			if d.lat != nil {
				d.lat.record(time.Since(sent[r]))
			}
			fault, e := d.absorb(r, task[r], m)
			if e != nil {
				return faults, e
			}
			if fault != nil {
				faults = multierr.Append(faults, fault)
			}
			if next >= d.s {
				active[r] = false
				remaining--
				continue
			}
			if e = send[r].Wait(ctx); e != nil {
				return faults, &TransportError{Op: "send index", Peer: r, Err: e}
			}
			if e = d.c.Isend(ctx, &send[r], r, comm.TagIndex, comm.Message{Index: next}); e != nil {
				return faults, &TransportError{Op: "send index", Peer: r, Err: e}
			}
			d.log.info(LogTrace, "task sent", "rank", r, "index", next)
			task[r], sent[r] = next, time.Now()
			next++
			if e = d.c.Irecv(&recv[r], r, comm.TagResult); e != nil {
				return faults, &TransportError{Op: "post receive", Peer: r, Err: e}
			}
		}
		if progressed {
			idle = 0
			continue
		}
		if err = ctx.Err(); err != nil {
			return faults, &TransportError{Op: "poll results", Peer: comm.Root, Err: err}
		}
		if pause := pollBackoff(idle); pause > 0 {
			time.Sleep(pause)
		} else {
			runtime.Gosched()
		}
		idle++
	}

	// All results are in, release the workers.
	for r := 1; r < size; r++ {
		if err = send[r].Wait(ctx); err != nil {
			return faults, &TransportError{Op: "send index", Peer: r, Err: err}
		}
		if err = d.c.Isend(ctx, &send[r], r, comm.TagIndex, comm.Message{Index: comm.Sentinel}); err != nil {
			return faults, &TransportError{Op: "send sentinel", Peer: r, Err: err}
		}
	}
	for r := 1; r < size; r++ {
		if err = send[r].Wait(ctx); err != nil {
			return faults, &TransportError{Op: "send sentinel", Peer: r, Err: err}
		}
	}

	total := d.sum
	if d.local {
		if err = d.c.Reduce(ctx, comm.Root, d.sum, d.red); err != nil {
			return faults, &TransportError{Op: "reduce", Peer: comm.Root, Err: err}
		}
		total = d.red
	}
	agg.load(total, d.s)
	return faults, nil
}

// Empty poll sweeps yield the processor a few times before sleeping, with
// the sleep doubling up to pollSleepMax.
const (
	pollSpins    = 64
	pollSleepMin = 10 * time.Microsecond
	pollSleepMax = time.Millisecond
)

// pollBackoff returns the pause after idle consecutive empty sweeps, zero
// meaning a bare yield.
func pollBackoff(idle int) time.Duration {
	if idle < pollSpins {
		return 0
	}
	d := pollSleepMin
	for k := pollSpins; k < idle && d < pollSleepMax; k++ {
		d *= 2
	}
	return min(d, pollSleepMax)
}

// absorb accounts one reply of worker r for task idx.
func (d *asyncDispatch) absorb(r, idx int, m comm.Message) (*EvalError, error) {
	d.log.info(LogTrace, "result received", "rank", r, "index", m.Index)
	if m.Index != idx {
		return nil, &TransportError{Op: "receive result", Peer: r,
			Err: fmt.Errorf("reply for task %d while task %d is in flight", m.Index, idx)}
	}
	if m.Fault != "" {
		return faultError(m.Index, r, m.Fault), nil
	}
	if d.local {
		return nil, nil
	}
	if len(m.Data) != d.nc+1 {
		return nil, &TransportError{Op: "receive result", Peer: r,
			Err: &comm.LengthError{From: r, Tag: comm.TagResult, Got: len(m.Data), Want: d.nc + 1}}
	}
	daxpy(d.nc+1, one, m.Data, d.sum)
	return nil, nil
}

func (d *asyncDispatch) serve(ctx context.Context, xc []float64) (faults, err error) {

	dzero(d.sum)
	rank := d.c.Rank()

	m, err := d.c.Recv(ctx, comm.Root, comm.TagIndex)
	if err != nil {
		return faults, &TransportError{Op: "receive index", Peer: comm.Root, Err: err}
	}

	var send, recv comm.Request
	n := 0
	for m.Index != comm.Sentinel {
		idx := m.Index
		if idx < 0 || idx >= d.s {
			return faults, &TransportError{Op: "receive index", Peer: comm.Root,
				Err: fmt.Errorf("task %d out of range [0,%d)", idx, d.s)}
		}
		out := d.bufs[n%2]
		reply := comm.Message{Index: idx}
		if e := d.ev.eval(idx, xc, out); e != nil {
			recordEvalFault(e.Kind)
			faults = multierr.Append(faults, e)
			reply.Fault = e.fault()
			d.log.warn("recourse evaluation failed", "rank", rank, "index", idx, "kind", e.Kind.String())
		} else if d.local {
			daxpy(d.nc+1, one, out, d.sum)
		} else {
			reply.Data = out
		}
		n++

		if err = send.Wait(ctx); err != nil {
			return faults, &TransportError{Op: "send result", Peer: comm.Root, Err: err}
		}
		if err = d.c.Isend(ctx, &send, comm.Root, comm.TagResult, reply); err != nil {
			return faults, &TransportError{Op: "send result", Peer: comm.Root, Err: err}
		}
		if err = d.c.Irecv(&recv, comm.Root, comm.TagIndex); err != nil {
			return faults, &TransportError{Op: "post receive", Peer: comm.Root, Err: err}
		}
		if err = recv.Wait(ctx); err != nil {
			return faults, &TransportError{Op: "receive index", Peer: comm.Root, Err: err}
		}
		if m, err = recv.Take(); err != nil {
			return faults, &TransportError{Op: "receive index", Peer: comm.Root, Err: err}
		}
	}
	if err = send.Wait(ctx); err != nil {
		return faults, &TransportError{Op: "send result", Peer: comm.Root, Err: err}
	}
	recordTasks(rank, n)
	d.log.info(LogTrace, "tasks done", "rank", rank, "count", n)

	if d.local {
		if err = d.c.Reduce(ctx, comm.Root, d.sum, nil); err != nil {
			return faults, &TransportError{Op: "reduce", Peer: comm.Root, Err: err}
		}
	}
	return faults, nil
}
