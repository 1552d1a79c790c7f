// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package problems

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/curioloop/pridec/pridec"
)

type fileVar struct {
	Curv   float64  `yaml:"curv"`
	Center float64  `yaml:"center"`
	Lower  *float64 `yaml:"lower"`
	Upper  *float64 `yaml:"upper"`
}

type fileSpec struct {
	Vars       []fileVar  `yaml:"vars"`
	Coupled    []int      `yaml:"coupled"`
	Scenarios  []Scenario `yaml:"scenarios"`
	FiniteDiff string     `yaml:"finite_diff"` // forward or central, exact gradients when empty
}

// Load reads a quadratic problem from a YAML file:
//
//	vars:
//	  - {curv: 1, center: 0, lower: -1, upper: 1}
//	  - {curv: 2, center: 1}
//	coupled: [0]
//	scenarios:
//	  - {weight: 1, center: [0.5]}
//	finite_diff: central
func Load(path string) (pridec.Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("problem file %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a problem in the format accepted by Load.
func Parse(data []byte) (pridec.Problem, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}

	vars := make([]Var, len(spec.Vars))
	for i, v := range spec.Vars {
		vars[i] = Free(v.Curv, v.Center)
		if v.Lower != nil {
			vars[i].Lower = *v.Lower
		}
		if v.Upper != nil {
			vars[i].Upper = *v.Upper
		}
	}

	q, err := NewQuadratic(vars, spec.Coupled, spec.Scenarios)
	if err != nil {
		return nil, err
	}

	switch spec.FiniteDiff {
	case "":
		return q, nil
	case "forward":
		return &FiniteDiff{Problem: q, Method: Forward}, nil
	case "central":
		return &FiniteDiff{Problem: q, Method: Central}, nil
	default:
		return nil, fmt.Errorf("unknown finite_diff method %q", spec.FiniteDiff)
	}
}

// Random generates an unbounded quadratic problem with n variables of which
// the first nc are coupled, and s scenarios. Equal seeds give equal problems.
func Random(n, nc, s int, seed uint64) (*Quadratic, error) {
	if nc < 1 || nc > n {
		return nil, fmt.Errorf("coupled size %d not in [1,%d]", nc, n)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vars := make([]Var, n)
	for i := range vars {
		vars[i] = Free(0.5+rng.Float64(), 4*rng.Float64()-2)
	}
	coupled := make([]int, nc)
	for i := range coupled {
		coupled[i] = i
	}
	scenarios := make([]Scenario, s)
	for k := range scenarios {
		c := make([]float64, nc)
		for i := range c {
			c[i] = math.Round((6*rng.Float64()-3)*1e3) / 1e3
		}
		scenarios[k] = Scenario{Weight: 0.5 + rng.Float64(), Center: c}
	}
	return NewQuadratic(vars, coupled, scenarios)
}
