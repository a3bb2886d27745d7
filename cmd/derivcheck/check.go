package main

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
	"github.com/curioloop/derivop/sparsity"
	"github.com/curioloop/derivop/synth"
)

// deviation tracks the largest absolute error of one operator.
type deviation struct {
	op    string
	max   float64
	evals int
}

func (d *deviation) add(err float64) {
	d.max = math.Max(d.max, err)
	d.evals++
}

func runCheck(cmd *cobra.Command, args []string) error {
	p, err := lookup(problemName)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	handles, err := backend.Adapt(cfg)
	if err != nil {
		return err
	}

	// count every preparation and application
	first := backend.NewCounting(handles.First)
	counters := map[string]*backend.Counting{"main": first}
	handles.First, handles.Second = first, first
	if handles.Dense != nil {
		dense := backend.NewCounting(handles.Dense)
		counters["dense"] = dense
		handles.Dense = dense
	}

	opts := synth.Options{
		FusedValueGradient: true,
		ConsVJP:            true,
		ConsJVP:            true,
		ConsHessianStack:   true,
		Concurrency:        concurrency,
		Logger:             &log.Logger,
	}
	b, err := synth.Instantiate(p.obj, p.cons, p.x0, weight, p.m, handles, opts)
	if err != nil {
		return err
	}
	log.Info().
		Str("problem", p.name).
		Stringer("backend", cfg.Kind).
		Int("lag_nnz", sparsity.CountUpper(b.LagHPattern)).
		Msg("bundle built")

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	points := [][]float64{p.x0}
	for i := 0; i < trials; i++ {
		x := make([]float64, len(p.x0))
		for j, v := range p.x0 {
			x[j] = v + 0.1*rng.NormFloat64()*math.Max(1, math.Abs(v))
		}
		points = append(points, x)
	}

	devs, err := evaluate(b, p, points, rng)
	if err != nil {
		return err
	}
	report(cmd.OutOrStdout(), devs, counters)
	return nil
}

func evaluate(b *synth.Bundle[float64], p *problem, points [][]float64, rng *rand.Rand) ([]*deviation, error) {
	n, m := b.Dim, b.NumCons
	grad := &deviation{op: "grad"}
	fg := &deviation{op: "fg"}
	hess := &deviation{op: "hess"}
	hv := &deviation{op: "hv"}
	lagDense := &deviation{op: "lag_h"}
	lagCompact := &deviation{op: "lag_h compact"}
	devs := []*deviation{grad, fg, hess, hv, lagDense, lagCompact}

	g := make([]float64, n)
	h := mat.NewSymDense(n, nil)
	back := mat.NewSymDense(n, nil)
	compact := make([]float64, b.LagH.CompactLen())
	v := make([]float64, n)
	out := make([]float64, n)

	var jac, vjp, jvp *deviation
	if m > 0 {
		jac = &deviation{op: "cons_j"}
		vjp = &deviation{op: "cons_vjp"}
		jvp = &deviation{op: "cons_jvp"}
		devs = append(devs, jac, vjp, jvp)
	}
	noCons := make([]float64, m)

	for _, x := range points {
		want := p.grad(x, weight)
		if err := b.Grad.Apply(g, x); err != nil {
			return nil, err
		}
		grad.add(maxAbsDiff(want, g))

		val, err := b.FG.Apply(g, x)
		if err != nil {
			return nil, err
		}
		fx, _ := b.F.Apply(x)
		fg.add(math.Max(maxAbsDiff(want, g), math.Abs(val-fx)))

		objHess := p.lagHess(x, weight, 1, noCons)
		if err = b.Hess.Apply(h, x); err != nil {
			return nil, err
		}
		hess.add(maxAbsDiffMat(objHess, h))

		for i := range v {
			v[i] = rng.NormFloat64()
		}
		var wantHV mat.VecDense
		wantHV.MulVec(objHess, mat.NewVecDense(n, v))
		if err = b.HV.Apply(out, x, v); err != nil {
			return nil, err
		}
		hv.add(maxAbsDiff(wantHV.RawVector().Data, out))

		lambda := make([]float64, m)
		for k := range lambda {
			lambda[k] = rng.NormFloat64()
		}
		wantLag := p.lagHess(x, weight, sigma, lambda)
		if err = b.LagH.ApplyDense(h, x, sigma, lambda); err != nil {
			return nil, err
		}
		lagDense.add(maxAbsDiffMat(wantLag, h))
		if err = b.LagH.ApplyCompact(compact, x, sigma, lambda); err != nil {
			return nil, err
		}
		if err = sparsity.ExpandUpper(back, compact, b.LagHPattern); err != nil {
			return nil, err
		}
		lagCompact.add(maxAbsDiffMat(wantLag, back))

		if m == 0 {
			continue
		}
		if err = checkConstraints(b, p, x, lambda, jac, vjp, jvp); err != nil {
			return nil, err
		}
	}
	return devs, nil
}

func checkConstraints(b *synth.Bundle[float64], p *problem, x, w []float64, jac, vjp, jvp *deviation) error {
	n, m := b.Dim, b.NumCons
	want := p.jac(x)

	if m == 1 {
		j := mat.NewVecDense(n, nil)
		if err := b.ConsJ.Apply(j, x); err != nil {
			return err
		}
		jac.add(maxAbsDiff(want.RawRowView(0), j.RawVector().Data))
	} else {
		j := mat.NewDense(m, n, nil)
		if err := b.ConsJ.Apply(j, x); err != nil {
			return err
		}
		jac.add(maxAbsDiffMat(want, j))
	}

	var ref mat.VecDense
	ref.MulVec(want.T(), mat.NewVecDense(m, w))
	out := make([]float64, n)
	if err := b.ConsVJP.Apply(out, x, w); err != nil {
		return err
	}
	vjp.add(maxAbsDiff(ref.RawVector().Data, out))

	dir := make([]float64, n)
	floats.AddConst(1, dir)
	ref.Reset()
	ref.MulVec(want, mat.NewVecDense(n, dir))
	jv := make([]float64, m)
	if err := b.ConsJVP.Apply(jv, x, dir); err != nil {
		return err
	}
	jvp.add(maxAbsDiff(ref.RawVector().Data, jv))
	return nil
}

func report(w io.Writer, devs []*deviation, counters map[string]*backend.Counting) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATOR\tPOINTS\tMAX ABS ERROR")
	for _, d := range devs {
		fmt.Fprintf(tw, "%s\t%d\t%.3e\n", d.op, d.evals, d.max)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tPRIMITIVE\tPREPARES\tAPPLIES")
	for _, name := range []string{"main", "dense"} {
		c, ok := counters[name]
		if !ok {
			continue
		}
		for op := backend.OpGradient; op <= backend.OpJVP; op++ {
			if c.Prepares(op) == 0 && c.Applies(op) == 0 {
				continue
			}
			fmt.Fprintf(tw, "%s\t%v\t%d\t%d\n", name, op, c.Prepares(op), c.Applies(op))
		}
	}
	tw.Flush()
}

func maxAbsDiff(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}

func maxAbsDiffMat(a, b mat.Matrix) float64 {
	var d mat.Dense
	d.Sub(a, b)
	return floats.Norm(d.RawMatrix().Data, math.Inf(1))
}
