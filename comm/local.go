// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"
)

// World is a set of in-process ranks connected by channels.
type World struct {
	boxes []*Mailboxes
}

// NewWorld creates size in-process ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic("world size must be greater than 0")
	}
	w := &World{boxes: make([]*Mailboxes, size)}
	for i := range w.boxes {
		w.boxes[i] = NewMailboxes()
	}
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int { return len(w.boxes) }

// Comm returns the communicator of the given rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= len(w.boxes) {
		panic("rank out of range")
	}
	return New(&localPort{rank: rank, world: w})
}

// Close closes every mailbox of the world.
// No rank may be sending when Close is called.
func (w *World) Close() {
	for _, b := range w.boxes {
		b.Close()
	}
}

type localPort struct {
	rank  int
	world *World
}

func (p *localPort) Rank() int { return p.rank }
func (p *localPort) Size() int { return len(p.world.boxes) }

// Send copies the payload so the receiver never aliases the sender's buffer.
func (p *localPort) Send(ctx context.Context, to int, tag Tag, m Message) error {
	if to < 0 || to >= len(p.world.boxes) {
		return &RankError{Rank: to, Size: len(p.world.boxes)}
	}
	m.Data = slices.Clone(m.Data)
	return p.world.boxes[to].Deliver(ctx, p.rank, tag, m)
}

func (p *localPort) Mailbox(from int, tag Tag) <-chan Message {
	return p.world.boxes[p.rank].Chan(from, tag)
}

func (p *localPort) Close() error { return nil }

// RunWorld runs fn on size in-process ranks concurrently and returns the
// first error. The context handed to fn is cancelled when any rank fails.
func RunWorld(ctx context.Context, size int, fn func(ctx context.Context, c *Comm) error) error {
	w := NewWorld(size)
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		c := w.Comm(r)
		g.Go(func() error { return fn(ctx, c) })
	}
	return g.Wait()
}
