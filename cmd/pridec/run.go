// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curioloop/pridec/comm"
	"github.com/curioloop/pridec/pridec"
)

var runRanks int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Solve with in-process ranks",
	Example: `  # serial solve of a generated problem
  pridec run --ranks 1

  # four ranks with local accumulation
  pridec run --ranks 4 --set local_accumulation=yes --set verbosity_level=3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := newLogger(&opts)
		serveMetrics(ctx, log)

		var res *pridec.Result
		err = comm.RunWorld(ctx, runRanks, func(ctx context.Context, c *comm.Comm) error {
			p, err := loadProblem()
			if err != nil {
				return err
			}
			d := pridec.Decomposition{Problem: p, Comm: c, Options: &opts, Logger: log}
			s, err := d.New()
			if err != nil {
				return err
			}
			r, err := s.Run(ctx)
			if c.Rank() == comm.Root {
				res = r
			}
			return err
		})
		if res != nil {
			report(cmd, res)
		}
		return err
	},
}

func init() {
	runCmd.Flags().IntVar(&runRanks, "ranks", 4, "number of in-process ranks")
	rootCmd.AddCommand(runCmd)
}
