// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/curioloop/pridec/comm"
	"github.com/curioloop/pridec/comm/grpcx"
	"github.com/curioloop/pridec/pridec"
	"github.com/curioloop/pridec/problems"
)

func TestDecompositionOverGRPC(t *testing.T) {
	const size = 3
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := pridec.DefaultOptions()
	opts.CurvatureRule = pridec.CurvatureBB
	opts.LocalAccumulation = true

	newSolver := func(c *comm.Comm) (*pridec.Solver, error) {
		p, err := problems.Random(6, 4, 9, 11)
		if err != nil {
			return nil, err
		}
		return (&pridec.Decomposition{Problem: p, Comm: c, Options: &opts}).New()
	}

	serialSolver, err := newSolver(nil)
	require.NoError(t, err)
	serial, err := serialSolver.Run(ctx)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	hub := grpcx.Serve(lis, size)
	defer hub.Close()
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	var root *pridec.Result
	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < size; r++ {
		g.Go(func() error {
			spoke, err := grpcx.Dial("passthrough:///bufnet", r, size, dialer)
			if err != nil {
				return err
			}
			defer spoke.Close()
			s, err := newSolver(comm.New(spoke))
			if err != nil {
				return err
			}
			res, err := s.Run(gctx)
			if err == nil && res.Status != serial.Status {
				t.Errorf("rank %d ended with %v", r, res.Status)
			}
			return err
		})
	}
	g.Go(func() error {
		if err := hub.Ready(gctx); err != nil {
			return err
		}
		s, err := newSolver(comm.New(hub))
		if err != nil {
			return err
		}
		root, err = s.Run(gctx)
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, serial.Status, root.Status)
	assert.Equal(t, serial.NumIter, root.NumIter)
	if diff := cmp.Diff(serial.X, root.X, cmpopts.EquateApprox(1e-9, 1e-12)); diff != "" {
		t.Errorf("solution mismatch (-serial +grpc):\n%s", diff)
	}
	assert.Positive(t, root.Latency.Count)
}
