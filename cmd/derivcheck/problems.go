package main

import (
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/synth"
)

// problem is a test problem with analytic derivatives. The parameter w scales
// the objective.
type problem struct {
	name    string
	summary string
	x0      []float64
	m       int
	obj     synth.Objective[float64]
	cons    *synth.Constraints[float64]

	grad    func(x []float64, w float64) []float64
	jac     func(x []float64) *mat.Dense
	lagHess func(x []float64, w, sigma float64, lambda []float64) *mat.SymDense
}

var problems = map[string]*problem{}

func register(p *problem) {
	problems[p.name] = p
}

func lookup(name string) (*problem, error) {
	if p, ok := problems[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown problem %q, expected one of %s", name, strings.Join(problemNames(), ", "))
}

func problemNames() []string {
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func init() {
	register(&problem{
		name:    "quadratic",
		summary: "separable quadratic Σ (i+1) xᵢ², unconstrained",
		x0:      []float64{1, -2, 0.5, 3, -1},
		obj: synth.Objective[float64]{F: func(x []float64, w float64) float64 {
			s := 0.0
			for i, v := range x {
				s += float64(i+1) * v * v
			}
			return w * s
		}},
		grad: func(x []float64, w float64) []float64 {
			g := make([]float64, len(x))
			for i, v := range x {
				g[i] = 2 * w * float64(i+1) * v
			}
			return g
		},
		lagHess: func(x []float64, w, sigma float64, _ []float64) *mat.SymDense {
			h := mat.NewSymDense(len(x), nil)
			for i := range x {
				h.SetSym(i, i, 2*sigma*w*float64(i+1))
			}
			return h
		},
	})

	register(&problem{
		name:    "rosenbrock-disk",
		summary: "Rosenbrock function inside the disk x₀² + x₁² ≤ 2",
		x0:      []float64{-1.2, 1},
		m:       1,
		obj: synth.Objective[float64]{F: func(x []float64, w float64) float64 {
			a, b := 1-x[0], x[1]-x[0]*x[0]
			return w * (a*a + 100*b*b)
		}},
		cons: &synth.Constraints[float64]{Cons: func(c, x []float64, _ float64) {
			c[0] = x[0]*x[0] + x[1]*x[1] - 2
		}},
		grad: func(x []float64, w float64) []float64 {
			b := x[1] - x[0]*x[0]
			return []float64{w * (-2*(1-x[0]) - 400*x[0]*b), w * 200 * b}
		},
		jac: func(x []float64) *mat.Dense {
			return mat.NewDense(1, 2, []float64{2 * x[0], 2 * x[1]})
		},
		lagHess: func(x []float64, w, sigma float64, lambda []float64) *mat.SymDense {
			s, l := sigma*w, lambda[0]
			return mat.NewSymDense(2, []float64{
				s*(2-400*x[1]+1200*x[0]*x[0]) + 2*l, s * (-400 * x[0]),
				s * (-400 * x[0]), s*200 + 2*l,
			})
		},
	})

	register(&problem{
		name:    "hs071",
		summary: "Hock-Schittkowski problem 71, two constraints",
		x0:      []float64{1, 5, 5, 1},
		m:       2,
		obj: synth.Objective[float64]{F: func(x []float64, w float64) float64 {
			return w*x[0]*x[3]*(x[0]+x[1]+x[2]) + x[2]
		}},
		cons: &synth.Constraints[float64]{Cons: func(c, x []float64, _ float64) {
			c[0] = x[0] * x[1] * x[2] * x[3]
			c[1] = x[0]*x[0] + x[1]*x[1] + x[2]*x[2] + x[3]*x[3]
		}},
		grad: func(x []float64, w float64) []float64 {
			return []float64{
				w * x[3] * (2*x[0] + x[1] + x[2]),
				w * x[0] * x[3],
				w*x[0]*x[3] + 1,
				w * x[0] * (x[0] + x[1] + x[2]),
			}
		},
		jac: func(x []float64) *mat.Dense {
			return mat.NewDense(2, 4, []float64{
				x[1] * x[2] * x[3], x[0] * x[2] * x[3], x[0] * x[1] * x[3], x[0] * x[1] * x[2],
				2 * x[0], 2 * x[1], 2 * x[2], 2 * x[3],
			})
		},
		lagHess: func(x []float64, w, sigma float64, lambda []float64) *mat.SymDense {
			h := mat.NewSymDense(4, nil)
			s, l1, l2 := sigma*w, lambda[0], lambda[1]
			h.SetSym(0, 0, s*2*x[3]+2*l2)
			h.SetSym(0, 1, s*x[3]+l1*x[2]*x[3])
			h.SetSym(0, 2, s*x[3]+l1*x[1]*x[3])
			h.SetSym(0, 3, s*(2*x[0]+x[1]+x[2])+l1*x[1]*x[2])
			h.SetSym(1, 1, 2*l2)
			h.SetSym(1, 2, l1*x[0]*x[3])
			h.SetSym(1, 3, s*x[0]+l1*x[0]*x[2])
			h.SetSym(2, 2, 2*l2)
			h.SetSym(2, 3, s*x[0]+l1*x[0]*x[1])
			h.SetSym(3, 3, 2*l2)
			return h
		},
	})

	const chainLen = 12
	x0 := make([]float64, chainLen)
	for i := range x0 {
		x0[i] = 1 + 0.1*float64(i%3)
	}
	register(&problem{
		name:    "chained",
		summary: "Σ xᵢ² with chained constraints xₖ²xₖ₊₁ = 1, banded derivatives",
		x0:      x0,
		m:       chainLen - 1,
		obj: synth.Objective[float64]{F: func(x []float64, w float64) float64 {
			s := 0.0
			for _, v := range x {
				s += v * v
			}
			return w * s
		}},
		cons: &synth.Constraints[float64]{Cons: func(c, x []float64, _ float64) {
			for k := range c {
				c[k] = x[k]*x[k]*x[k+1] - 1
			}
		}},
		grad: func(x []float64, w float64) []float64 {
			g := make([]float64, len(x))
			for i, v := range x {
				g[i] = 2 * w * v
			}
			return g
		},
		jac: func(x []float64) *mat.Dense {
			n := len(x)
			j := mat.NewDense(n-1, n, nil)
			for k := 0; k < n-1; k++ {
				j.Set(k, k, 2*x[k]*x[k+1])
				j.Set(k, k+1, x[k]*x[k])
			}
			return j
		},
		lagHess: func(x []float64, w, sigma float64, lambda []float64) *mat.SymDense {
			n := len(x)
			h := mat.NewSymDense(n, nil)
			for i := range x {
				h.SetSym(i, i, 2*sigma*w)
			}
			for k, l := range lambda {
				h.SetSym(k, k, h.At(k, k)+2*l*x[k+1])
				h.SetSym(k, k+1, h.At(k, k+1)+2*l*x[k])
			}
			return h
		},
	})
}
