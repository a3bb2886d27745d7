package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// The analytic references must agree with plain finite differences before
// they can judge anything.
func TestReferences(t *testing.T) {
	const w = 1.3
	for _, name := range problemNames() {
		p := problems[name]
		t.Run(name, func(t *testing.T) {
			f := func(x []float64) float64 { return p.obj.F(x, w) }
			g := fd.Gradient(nil, f, p.x0, &fd.Settings{Formula: fd.Central})
			assert.InDeltaSlice(t, p.grad(p.x0, w), g, 1e-5)

			lambda := make([]float64, p.m)
			for k := range lambda {
				lambda[k] = 0.5 + float64(k)
			}
			lag := func(x []float64) float64 {
				v := 0.7 * p.obj.F(x, w)
				if p.m > 0 {
					c := make([]float64, p.m)
					p.cons.Cons(c, x, w)
					for k := range c {
						v += lambda[k] * c[k]
					}
				}
				return v
			}
			h := mat.NewSymDense(len(p.x0), nil)
			fd.Hessian(h, lag, p.x0, nil)
			assert.True(t, mat.EqualApprox(p.lagHess(p.x0, w, 0.7, lambda), h, 1e-3), "hessian\n%v", mat.Formatted(h))

			if p.m > 0 {
				j := mat.NewDense(p.m, len(p.x0), nil)
				fd.Jacobian(j, func(y, x []float64) { p.cons.Cons(y, x, w) }, p.x0, nil)
				assert.True(t, mat.EqualApprox(p.jac(p.x0), j, 1e-6))
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	sparse := filepath.Join(dir, "sparse.yaml")
	require.NoError(t, os.WriteFile(sparse, []byte("kind: sparse\nformula: central\n"), 0o600))

	for _, args := range [][]string{
		{"--problem", "quadratic"},
		{"--problem", "rosenbrock-disk", "--sigma", "0"},
		{"--problem", "chained", "--config", sparse, "--concurrency", "4"},
		{"--problem", "hs071", "--config", sparse, "--trials", "2"},
	} {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetArgs(args)
		cmd.SetOut(&out)
		require.NoError(t, cmd.Execute(), "%v", args)
		assert.Contains(t, out.String(), "lag_h compact")
		assert.Contains(t, out.String(), "PREPARES")
	}
}

func TestCheckCommandRejects(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: symbolic\n"), 0o600))

	for _, args := range [][]string{
		{"--problem", "nope"},
		{"--problem", "hs071", "--config", bad},
		{"--problem", "hs071", "--config", filepath.Join(dir, "missing.yaml")},
	} {
		cmd := newRootCommand()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		assert.Error(t, cmd.Execute(), "%v", args)
	}
}
