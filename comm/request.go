// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
)

// State is the lifecycle state of a Request.
type State int

const (
	// Idle no operation is posted.
	Idle State = iota
	// Pending an operation is in flight.
	Pending
	// Complete the operation finished and its outcome was observed by Test or Wait.
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request is a completion handle for one outstanding send or receive.
//
// A handle accepts a new operation unless it is Pending. Test and Wait move a
// finished operation to Complete, Take hands out the payload and returns the
// handle to Idle. A Request belongs to a single goroutine.
type Request struct {
	state State
	box   <-chan Message // receive source while pending
	done  chan struct{}  // closed when a pending send finished
	msg   Message
	err   error
}

// State reports the current state.
func (r *Request) State() State { return r.state }

func (r *Request) arm() error {
	if r.state == Pending {
		return ErrRequestPending
	}
	r.state = Pending
	r.box = nil
	r.done = make(chan struct{})
	r.msg, r.err = Message{}, nil
	return nil
}

// finish is called by the goroutine carrying a pending send.
func (r *Request) finish(m Message, err error) {
	r.msg, r.err = m, err
	close(r.done)
}

func (r *Request) complete(m Message, ok bool) {
	r.state = Complete
	r.box = nil
	if !ok {
		r.err = ErrClosed
		return
	}
	r.msg = m
}

// Test polls the handle without blocking and reports whether it holds a
// completed operation. The error is the outcome of that operation.
func (r *Request) Test() (bool, error) {
	switch r.state {
	case Complete:
		return true, r.err
	case Idle:
		return false, nil
	}
	if r.box != nil {
		select {
		case m, ok := <-r.box:
			r.complete(m, ok)
			return true, r.err
		default:
			return false, nil
		}
	}
	select {
	case <-r.done:
		r.state = Complete
		return true, r.err
	default:
		return false, nil
	}
}

// Wait blocks until the pending operation finishes or ctx is done.
// Waiting on an Idle or Complete handle returns immediately.
func (r *Request) Wait(ctx context.Context) error {
	switch r.state {
	case Complete:
		return r.err
	case Idle:
		return nil
	}
	if r.box != nil {
		select {
		case m, ok := <-r.box:
			r.complete(m, ok)
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-r.done:
		r.state = Complete
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take returns the payload of a completed operation and resets the handle.
func (r *Request) Take() (Message, error) {
	switch r.state {
	case Pending:
		return Message{}, ErrRequestPending
	case Idle:
		return Message{}, ErrRequestIdle
	}
	m, err := r.msg, r.err
	r.state = Idle
	r.msg, r.err = Message{}, nil
	return m, err
}
