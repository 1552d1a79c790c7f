// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
)

// LengthError reports a payload whose length does not match the receive buffer.
type LengthError struct {
	From      int
	Tag       Tag
	Got, Want int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("comm: %v payload from rank %d has length %d, want %d", e.Tag, e.From, e.Got, e.Want)
}

// Bcast sends m from root to every other rank. On non-root ranks m is
// overwritten with the received message.
func (c *Comm) Bcast(ctx context.Context, root int, m *Message) error {
	if c.Rank() == root {
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, TagBcast, *m); err != nil {
				return err
			}
		}
		return nil
	}
	got, err := c.Recv(ctx, root, TagBcast)
	if err != nil {
		return err
	}
	*m = got
	return nil
}

// BcastFloats broadcasts buf from root together with a control word.
// Every rank must pass a buffer of the same length.
func (c *Comm) BcastFloats(ctx context.Context, root int, ctl int, buf []float64) (int, error) {
	m := Message{Index: ctl}
	if c.Rank() == root {
		m.Data = buf
	}
	if err := c.Bcast(ctx, root, &m); err != nil {
		return 0, err
	}
	if c.Rank() != root {
		if len(m.Data) != len(buf) {
			return 0, &LengthError{From: root, Tag: TagBcast, Got: len(m.Data), Want: len(buf)}
		}
		copy(buf, m.Data)
	}
	return m.Index, nil
}

// BcastInt broadcasts a single integer from root.
func (c *Comm) BcastInt(ctx context.Context, root int, v int) (int, error) {
	m := Message{Index: v}
	if err := c.Bcast(ctx, root, &m); err != nil {
		return 0, err
	}
	return m.Index, nil
}

// Reduce sums send element-wise over all ranks into recv on root.
// Contributions are added in rank order so the result does not depend on
// arrival order. recv is ignored on non-root ranks.
func (c *Comm) Reduce(ctx context.Context, root int, send, recv []float64) error {
	if c.Rank() != root {
		return c.Send(ctx, root, TagReduce, Message{Data: send})
	}
	if len(recv) != len(send) {
		return &LengthError{From: root, Tag: TagReduce, Got: len(send), Want: len(recv)}
	}
	for i := range recv {
		recv[i] = 0
	}
	for r := 0; r < c.Size(); r++ {
		part := send
		if r != root {
			m, err := c.Recv(ctx, r, TagReduce)
			if err != nil {
				return err
			}
			if len(m.Data) != len(recv) {
				return &LengthError{From: r, Tag: TagReduce, Got: len(m.Data), Want: len(recv)}
			}
			part = m.Data
		}
		for i, v := range part {
			recv[i] += v
		}
	}
	return nil
}
