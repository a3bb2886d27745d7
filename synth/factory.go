package synth

import (
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
	"github.com/curioloop/derivop/sparsity"
)

// Instantiate builds the derivative bundle of f and c at the representative
// point x0.
//
// cons may be nil when numCons is zero. Gradients and Jacobians are prepared
// on handles.First, Hessians on handles.Second, and products on the dense
// fallback when there is one. Every preparation happens here, once; a failing
// preparation aborts the construction.
//
// A fused operator requested without an override fails with
// backend.ErrConfiguration when the backend cannot fuse.
func Instantiate[P any](obj Objective[P], cons *Constraints[P], x0 []float64, params P, numCons int, handles backend.Handles, opts Options) (*Bundle[P], error) {

	var msg string
	switch {
	case obj.F == nil:
		msg = "objective function is required"
	case len(x0) == 0:
		msg = "representative point is empty"
	case numCons < 0:
		msg = "negative number of constraints"
	case numCons > 0 && (cons == nil || cons.Cons == nil):
		msg = "constraint function is required"
	case handles.First == nil || handles.Second == nil:
		msg = "backend handles are required"
	case opts.Concurrency < 0:
		msg = "negative concurrency"
	}
	if msg != "" {
		return nil, configError(opInstantiate, "%s", msg)
	}

	b := &builder{
		x0:      slices.Clone(x0),
		handles: handles,
		log:     zerolog.Nop(),
		limit:   opts.Concurrency,
	}
	if opts.Logger != nil {
		b.log = *opts.Logger
	}
	start := time.Now()

	n, m := len(x0), numCons
	f := &objective[P]{f: obj.F, params: params}
	bundle := &Bundle[P]{Dim: n, NumCons: m, F: &Value[P]{obj: f, n: n}}

	var err error
	if bundle.Grad, err = buildGradient(b, obj, f); err != nil {
		return nil, err
	}
	if opts.FusedValueGradient || obj.FG != nil {
		if bundle.FG, err = buildValueGradient(b, obj, f); err != nil {
			return nil, err
		}
	}
	if opts.FusedValueGradientHessian || obj.FGH != nil {
		if bundle.FGH, err = buildValueGradientHessian(b, obj, f); err != nil {
			return nil, err
		}
	}
	if bundle.Hess, err = buildHessian(b, obj, f); err != nil {
		return nil, err
	}
	bundle.HessPattern, bundle.HessColors = sparseInfo(bundle.Hess.prep)
	if bundle.HV, err = buildHVP(b, obj, f); err != nil {
		return nil, err
	}

	var ev *evaluator[P]
	if m > 0 {
		ev = &evaluator[P]{cons: cons.Cons, params: params, m: m}
		bundle.Cons = &Residual[P]{ev: ev, n: n}

		if bundle.ConsJ, err = buildJacobian(b, cons, ev); err != nil {
			return nil, err
		}
		bundle.ConsJPattern, bundle.ConsJColors = sparseInfo(bundle.ConsJ.prep)

		if cons.Hess != nil || handles.Kind() == backend.DenseKind || opts.ConsHessianStack {
			if bundle.ConsH, err = buildHessianStack(b, cons, ev); err != nil {
				return nil, err
			}
			for _, p := range bundle.ConsH.preps {
				pattern, colors := sparseInfo(p)
				if pattern == nil {
					continue
				}
				bundle.ConsHPatterns = append(bundle.ConsHPatterns, pattern)
				bundle.ConsHColors = append(bundle.ConsHColors, colors)
			}
		}
		if opts.ConsVJP || cons.VJP != nil {
			if bundle.ConsVJP, err = buildVJP(b, cons, ev); err != nil {
				return nil, err
			}
		}
		if opts.ConsJVP || cons.JVP != nil {
			if bundle.ConsJVP, err = buildJVP(b, cons, ev); err != nil {
				return nil, err
			}
		}
	}

	if bundle.LagH, err = buildLagHessian(b, cons, f, ev, bundle.ConsH, params, n, m); err != nil {
		return nil, err
	}
	bundle.LagHPattern = bundle.LagH.pattern

	b.log.Info().
		Int("dim", n).
		Int("cons", m).
		Stringer("mode", handles.Kind()).
		Dur("elapsed", time.Since(start)).
		Msg("derivative bundle ready")
	return bundle, nil
}

type builder struct {
	x0      []float64
	handles backend.Handles
	log     zerolog.Logger
	limit   int
}

// prepare runs one preparation at the representative point and logs it.
func (b *builder) prepare(op string, on backend.Backend, prep func(x []float64) (backend.Prepared, error)) (backend.Prepared, error) {
	start := time.Now()
	p, err := prep(b.x0)
	if err != nil {
		b.log.Debug().Err(err).Str("op", op).Stringer("backend", on.Kind()).Msg("preparation failed")
		return nil, wrap(op, err)
	}
	ev := b.log.Debug().Str("op", op).Stringer("backend", on.Kind()).Dur("elapsed", time.Since(start))
	if sp, ok := p.(backend.SparsePrepared); ok {
		ev = ev.Int("nnz", sp.Sparsity().Len())
	}
	ev.Msg("prepared")
	return p, nil
}

func sparseInfo(p backend.Prepared) (*sparsity.Pattern, []int) {
	if sp, ok := p.(backend.SparsePrepared); ok {
		return sp.Sparsity(), sp.Colors()
	}
	return nil, nil
}

func buildGradient[P any](b *builder, obj Objective[P], f *objective[P]) (o *Gradient[P], err error) {
	o = &Gradient[P]{obj: f, n: len(b.x0)}
	if obj.Grad != nil {
		o.provision, o.user = userProvided, obj.Grad
		return o, nil
	}
	o.b = b.handles.First
	o.prep, err = b.prepare(opGrad, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareGradient(f.value, x)
	})
	return o, err
}

func buildValueGradient[P any](b *builder, obj Objective[P], f *objective[P]) (o *ValueGradient[P], err error) {
	o = &ValueGradient[P]{obj: f, n: len(b.x0)}
	if obj.FG != nil {
		o.provision, o.user = userProvided, obj.FG
		return o, nil
	}
	fused, ok := backend.AsFusedGradient(b.handles.First)
	if !ok {
		return nil, configError(opFG, "no override and the %v backend cannot fuse value and gradient", b.handles.First.Kind())
	}
	o.b = fused
	o.prep, err = b.prepare(opFG, b.handles.First, func(x []float64) (backend.Prepared, error) {
		return fused.PrepareValueGradient(f.value, x)
	})
	return o, err
}

func buildValueGradientHessian[P any](b *builder, obj Objective[P], f *objective[P]) (o *ValueGradientHessian[P], err error) {
	o = &ValueGradientHessian[P]{obj: f, n: len(b.x0)}
	if obj.FGH != nil {
		o.provision, o.user = userProvided, obj.FGH
		return o, nil
	}
	fused, ok := backend.AsFusedHessian(b.handles.Second)
	if !ok {
		return nil, configError(opFGH, "no override and the %v backend cannot fuse value, gradient and hessian", b.handles.Second.Kind())
	}
	o.b = fused
	o.prep, err = b.prepare(opFGH, b.handles.Second, func(x []float64) (backend.Prepared, error) {
		return fused.PrepareValueGradientHessian(f.value, x)
	})
	return o, err
}

func buildHessian[P any](b *builder, obj Objective[P], f *objective[P]) (o *Hessian[P], err error) {
	o = &Hessian[P]{obj: f, n: len(b.x0)}
	if obj.Hess != nil {
		o.provision, o.user = userProvided, obj.Hess
		return o, nil
	}
	o.b = b.handles.Second
	o.prep, err = b.prepare(opHess, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareHessian(f.value, x)
	})
	return o, err
}

func buildHVP[P any](b *builder, obj Objective[P], f *objective[P]) (o *HVP[P], err error) {
	o = &HVP[P]{obj: f, n: len(b.x0)}
	if obj.HV != nil {
		o.provision, o.user = userProvided, obj.HV
		return o, nil
	}
	o.b = b.handles.Fallback(b.handles.Second)
	o.prep, err = b.prepare(opHV, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareHVP(f.value, x)
	})
	return o, err
}

func buildJacobian[P any](b *builder, cons *Constraints[P], ev *evaluator[P]) (o *Jacobian[P], err error) {
	n := len(b.x0)
	o = &Jacobian[P]{ev: ev, n: n, m: ev.m}
	if ev.m == 1 {
		o.row = mat.NewDense(1, n, nil)
	}
	if cons.Jac != nil {
		o.provision, o.user = userProvided, cons.Jac
		return o, nil
	}
	o.b = b.handles.First
	o.prep, err = b.prepare(opConsJ, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareJacobian(ev.vector, ev.m, x)
	})
	return o, err
}

// buildHessianStack prepares one Hessian per scalar projection of the
// constraints, in parallel when a concurrency limit is set.
func buildHessianStack[P any](b *builder, cons *Constraints[P], ev *evaluator[P]) (o *HessianStack[P], err error) {
	o = &HessianStack[P]{ev: ev, n: len(b.x0), m: ev.m}
	if cons.Hess != nil {
		o.provision, o.user = userProvided, cons.Hess
		return o, nil
	}
	o.b = b.handles.Second
	o.fns = ev.projections()
	o.preps = make([]backend.Prepared, ev.m)

	prepare := func(k int) (err error) {
		o.preps[k], err = b.prepare(opConsH, o.b, func(x []float64) (backend.Prepared, error) {
			return o.b.PrepareHessian(o.fns[k], x)
		})
		return
	}

	if b.limit < 2 {
		for k := range o.fns {
			if err = prepare(k); err != nil {
				return nil, err
			}
		}
		return o, nil
	}

	var g errgroup.Group
	g.SetLimit(b.limit)
	for k := range o.fns {
		g.Go(func() error {
			return prepare(k)
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return o, nil
}

func buildVJP[P any](b *builder, cons *Constraints[P], ev *evaluator[P]) (o *VJP[P], err error) {
	o = &VJP[P]{ev: ev, n: len(b.x0), m: ev.m}
	if cons.VJP != nil {
		o.provision, o.user = userProvided, cons.VJP
		return o, nil
	}
	o.b = b.handles.Fallback(b.handles.First)
	o.prep, err = b.prepare(opConsVJP, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareVJP(ev.vector, ev.m, x)
	})
	return o, err
}

func buildJVP[P any](b *builder, cons *Constraints[P], ev *evaluator[P]) (o *JVP[P], err error) {
	o = &JVP[P]{ev: ev, n: len(b.x0), m: ev.m}
	if cons.JVP != nil {
		o.provision, o.user = userProvided, cons.JVP
		return o, nil
	}
	o.b = b.handles.Fallback(b.handles.First)
	o.prep, err = b.prepare(opConsJVP, o.b, func(x []float64) (backend.Prepared, error) {
		return o.b.PrepareJVP(ev.vector, ev.m, x)
	})
	return o, err
}

// buildLagHessian prepares the Lagrangian at probeWeights. The compact
// pattern is the one discovered by the backend, or the full matrix.
func buildLagHessian[P any](b *builder, cons *Constraints[P], f *objective[P], ev *evaluator[P], stack *HessianStack[P], params P, n, m int) (o *LagHessian[P], err error) {
	o = &LagHessian[P]{
		params: params,
		stack:  stack,
		n:      n,
		m:      m,
		ones:   make([]float64, m),
		full:   mat.NewSymDense(n, nil),
	}
	for k := range o.ones {
		o.ones[k] = 1
	}
	if stack != nil {
		o.hs = make([]*mat.SymDense, m)
		for k := range o.hs {
			o.hs[k] = mat.NewSymDense(n, nil)
		}
	}

	if m > 0 && cons.LagHess != nil {
		o.provision, o.user = userProvided, cons.LagHess
	} else {
		// a sparse backend fixes the pattern at the weights seen here, so
		// unit weights would hide curvature that cancels between terms
		w := probeWeights(m + 1)
		o.lag = &lagrangian[P]{obj: f, cons: ev, sigma: w[0], lambda: w[1:]}
		o.b = b.handles.Second
		o.prep, err = b.prepare(opLagH, o.b, func(x []float64) (backend.Prepared, error) {
			return o.b.PrepareHessian(o.lag.value, x)
		})
		if err != nil {
			return nil, err
		}
	}

	o.pattern, _ = sparseInfo(o.prep)
	if o.pattern == nil {
		o.pattern = sparsity.Dense(n, n)
	}
	o.upper = sparsity.CountUpper(o.pattern)
	return o, nil
}

// probeWeights returns k distinct weights spread over [0.5, 1.5) by the
// golden ratio. No weight is one and no two weights are equal.
func probeWeights(k int) []float64 {
	w := make([]float64, k)
	for i := range w {
		_, frac := math.Modf(float64(i+1) * math.Phi)
		w[i] = 0.5 + frac
	}
	return w
}
