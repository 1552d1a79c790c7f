// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package comm provides the message passing layer used by the decomposition
// solver: point-to-point messages with non-blocking completion handles and the
// few collectives the coordinator needs (broadcast and sum reduction).
//
// Ranks never share memory. A Transport moves messages between ranks and the
// Comm built on top of it implements the MPI-like calls.
package comm

import (
	"context"
	"errors"
	"fmt"
)

// Root is the rank of the coordinator.
const Root = 0

// Sentinel is the task index meaning "no more work".
const Sentinel = -1

// Tag separates independent message streams between the same pair of ranks.
type Tag int

const (
	// TagIndex carries task indices from the coordinator to a worker.
	TagIndex Tag = 1
	// TagResult carries partial results (or done signals) back to the coordinator.
	TagResult Tag = 2
	// TagBcast carries broadcast payloads.
	TagBcast Tag = 3
	// TagReduce carries reduction contributions.
	TagReduce Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagIndex:
		return "index"
	case TagResult:
		return "result"
	case TagBcast:
		return "bcast"
	case TagReduce:
		return "reduce"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Message is the unit moved by a Transport.
//
// Index holds a task index or control word, Data a numeric payload
// (value followed by gradient for partial results) and Fault a non-empty
// description when the sender failed to produce the payload.
type Message struct {
	Index int       `json:"i"`
	Data  []float64 `json:"d,omitempty"`
	Fault string    `json:"f,omitempty"`
}

// Transport delivers messages between ranks.
// Send may block while the destination mailbox is full.
// Messages with the same (source, tag) are delivered in send order.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, m Message) error
	Mailbox(from int, tag Tag) <-chan Message
	Close() error
}

var (
	// ErrRequestPending is returned when an operation is posted on a handle
	// that still has one in flight.
	ErrRequestPending = errors.New("comm: request is pending")
	// ErrRequestIdle is returned when a handle without a completed operation is consumed.
	ErrRequestIdle = errors.New("comm: request has no completed operation")
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("comm: transport closed")
)

// RankError reports an invalid peer rank.
type RankError struct {
	Rank, Size int
}

func (e *RankError) Error() string {
	return fmt.Sprintf("comm: rank %d out of range [0,%d)", e.Rank, e.Size)
}

// Comm is a communicator over a Transport.
type Comm struct {
	t Transport
}

// New wraps a transport.
func New(t Transport) *Comm {
	return &Comm{t: t}
}

// Rank returns the calling rank.
func (c *Comm) Rank() int { return c.t.Rank() }

// Size returns the number of ranks.
func (c *Comm) Size() int { return c.t.Size() }

// Close releases the underlying transport.
func (c *Comm) Close() error { return c.t.Close() }

func (c *Comm) peer(r int) error {
	if r < 0 || r >= c.t.Size() || r == c.t.Rank() {
		return &RankError{Rank: r, Size: c.t.Size()}
	}
	return nil
}

// Send delivers m to rank `to`, blocking until the transport accepted it.
func (c *Comm) Send(ctx context.Context, to int, tag Tag, m Message) error {
	if err := c.peer(to); err != nil {
		return err
	}
	return c.t.Send(ctx, to, tag, m)
}

// Recv blocks until a message from rank `from` with the given tag arrives.
func (c *Comm) Recv(ctx context.Context, from int, tag Tag) (Message, error) {
	if err := c.peer(from); err != nil {
		return Message{}, err
	}
	select {
	case m, ok := <-c.t.Mailbox(from, tag):
		if !ok {
			return Message{}, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Isend posts a non-blocking send on r.
func (c *Comm) Isend(ctx context.Context, r *Request, to int, tag Tag, m Message) error {
	if err := c.peer(to); err != nil {
		return err
	}
	if err := r.arm(); err != nil {
		return err
	}
	go func() {
		r.finish(Message{}, c.t.Send(ctx, to, tag, m))
	}()
	return nil
}

// Irecv posts a non-blocking receive on r.
func (c *Comm) Irecv(r *Request, from int, tag Tag) error {
	if err := c.peer(from); err != nil {
		return err
	}
	if err := r.arm(); err != nil {
		return err
	}
	r.box = c.t.Mailbox(from, tag)
	return nil
}
