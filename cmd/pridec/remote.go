// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/curioloop/pridec/comm"
	"github.com/curioloop/pridec/comm/grpcx"
	"github.com/curioloop/pridec/pridec"
)

var (
	listenAddr string
	hubAddr    string
	worldSize  int
	workerRank int
	linkWait   time.Duration
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run rank 0 and wait for workers over gRPC",
	Example: `  pridec coordinator --listen :7070 --ranks 3 --problem problem.yaml
  pridec worker --hub localhost:7070 --rank 1 --ranks 3 --problem problem.yaml
  pridec worker --hub localhost:7070 --rank 2 --ranks 3 --problem problem.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, p, ctx, stop, err := setup(cmd)
		if err != nil {
			return err
		}
		defer stop()

		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		hub := grpcx.Serve(lis, worldSize)
		defer hub.Close()

		wait, cancel := context.WithTimeout(ctx, linkWait)
		defer cancel()
		if err = hub.Ready(wait); err != nil {
			return fmt.Errorf("waiting for %d workers: %w", worldSize-1, err)
		}

		res, err := solve(ctx, p, comm.New(hub), &opts)
		if res != nil {
			report(cmd, res)
		}
		return err
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker rank linked to a coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, p, ctx, stop, err := setup(cmd)
		if err != nil {
			return err
		}
		defer stop()

		spoke, err := grpcx.Dial(hubAddr, workerRank, worldSize)
		if err != nil {
			return err
		}
		defer spoke.Close()

		_, err = solve(ctx, p, comm.New(spoke), &opts)
		return err
	},
}

func setup(cmd *cobra.Command) (opts pridec.Options, p pridec.Problem, ctx context.Context, stop context.CancelFunc, err error) {
	if opts, err = loadOptions(); err != nil {
		return
	}
	if p, err = loadProblem(); err != nil {
		return
	}
	ctx, stop = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return
}

func solve(ctx context.Context, p pridec.Problem, c *comm.Comm, opts *pridec.Options) (*pridec.Result, error) {
	log := newLogger(opts)
	serveMetrics(ctx, log)
	d := pridec.Decomposition{Problem: p, Comm: c, Options: opts, Logger: log}
	s, err := d.New()
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

func init() {
	coordinatorCmd.Flags().StringVar(&listenAddr, "listen", ":7070", "address to accept workers on")
	coordinatorCmd.Flags().DurationVar(&linkWait, "wait", time.Minute, "how long to wait for all workers")
	workerCmd.Flags().StringVar(&hubAddr, "hub", "localhost:7070", "coordinator address")
	workerCmd.Flags().IntVar(&workerRank, "rank", 1, "rank of this worker")
	for _, c := range []*cobra.Command{coordinatorCmd, workerCmd} {
		c.Flags().IntVar(&worldSize, "ranks", 2, "number of ranks including the coordinator")
		rootCmd.AddCommand(c)
	}
}
