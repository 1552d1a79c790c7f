// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"
)

// MailboxDepth is the per (source, tag) queue capacity.
// The dispatch protocol keeps at most two messages in flight per queue.
const MailboxDepth = 64

type boxKey struct {
	from int
	tag  Tag
}

// Mailboxes holds the incoming queues of one rank, created on first use.
// Transports deliver into it and the Comm reads from it.
type Mailboxes struct {
	mu     sync.Mutex
	boxes  map[boxKey]chan Message
	gone   map[int]bool // sources whose queues were closed by CloseFrom
	closed bool
}

// NewMailboxes creates an empty set of queues.
func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxes: make(map[boxKey]chan Message), gone: make(map[int]bool)}
}

// Chan returns the queue for messages from `from` carrying tag.
func (b *Mailboxes) Chan(from int, tag Tag) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := boxKey{from, tag}
	ch, ok := b.boxes[k]
	if !ok {
		ch = make(chan Message, MailboxDepth)
		if b.closed || b.gone[from] {
			close(ch)
		}
		b.boxes[k] = ch
	}
	return ch
}

// Deliver enqueues m, blocking while the queue is full.
func (b *Mailboxes) Deliver(ctx context.Context, from int, tag Tag, m Message) error {
	b.mu.Lock()
	closed := b.closed || b.gone[from]
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case b.Chan(from, tag) <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every queue. Readers observe ErrClosed once drained.
// Deliver must not run concurrently with Close.
func (b *Mailboxes) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.boxes {
		close(ch)
	}
}

// CloseFrom closes the queues of source from only. Readers waiting on them
// observe ErrClosed, queues of other sources stay open.
// Deliver for the same source must not run concurrently with CloseFrom.
func (b *Mailboxes) CloseFrom(from int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.gone[from] {
		return
	}
	b.gone[from] = true
	for k, ch := range b.boxes {
		if k.from == from {
			close(ch)
		}
	}
}
