// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcastFloats(t *testing.T) {
	got := make([][]float64, 4)
	ctls := make([]int, 4)
	err := RunWorld(testCtx(t), 4, func(ctx context.Context, c *Comm) error {
		buf := make([]float64, 3)
		ctl := 0
		if c.Rank() == Root {
			copy(buf, []float64{1, -2, 3})
			ctl = 5
		}
		v, err := c.BcastFloats(ctx, Root, ctl, buf)
		got[c.Rank()], ctls[c.Rank()] = buf, v
		return err
	})
	require.NoError(t, err)
	for r := range got {
		assert.Equal(t, []float64{1, -2, 3}, got[r], "rank %d", r)
		assert.Equal(t, 5, ctls[r], "rank %d", r)
	}
}

func TestBcastFloatsLength(t *testing.T) {
	err := RunWorld(testCtx(t), 2, func(ctx context.Context, c *Comm) error {
		buf := make([]float64, 2+c.Rank())
		_, err := c.BcastFloats(ctx, Root, 0, buf)
		return err
	})
	var le *LengthError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 2, le.Got)
	assert.Equal(t, 3, le.Want)
}

func TestBcastInt(t *testing.T) {
	vals := make([]int, 3)
	err := RunWorld(testCtx(t), 3, func(ctx context.Context, c *Comm) error {
		v, err := c.BcastInt(ctx, 1, 10*c.Rank())
		vals[c.Rank()] = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 10}, vals)
}

func TestReduceRankOrder(t *testing.T) {
	var sum []float64
	err := RunWorld(testCtx(t), 5, func(ctx context.Context, c *Comm) error {
		r := float64(c.Rank())
		send := []float64{r, r * r, 1}
		if c.Rank() != Root {
			return c.Reduce(ctx, Root, send, nil)
		}
		sum = make([]float64, 3)
		return c.Reduce(ctx, Root, send, sum)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 30, 5}, sum)
}

func TestReduceLength(t *testing.T) {
	err := RunWorld(testCtx(t), 2, func(ctx context.Context, c *Comm) error {
		if c.Rank() != Root {
			return c.Reduce(ctx, Root, []float64{1}, nil)
		}
		return c.Reduce(ctx, Root, []float64{0, 0}, make([]float64, 2))
	})
	var le *LengthError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.From)
}
