package synth

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
	"github.com/curioloop/derivop/sparsity"
)

// lagrangian is σf(x) + λᵀc(x). The weights are read at evaluation time, so
// one prepared context serves every σ and λ.
type lagrangian[P any] struct {
	obj    *objective[P]
	cons   *evaluator[P] // nil without constraints
	sigma  float64
	lambda []float64
}

func (l *lagrangian[P]) value(x []float64) float64 {
	v := l.sigma * l.obj.value(x)
	if l.cons != nil {
		for k, c := range l.cons.eval(x) {
			v += l.lambda[k] * c
		}
	}
	return v
}

// LagHessian writes the Hessian of the Lagrangian σf + λᵀc.
//
// When σ is exactly zero and a constraint Hessian stack exists, the stack is
// evaluated and combined with λ; the Lagrangian context is not used.
type LagHessian[P any] struct {
	provision
	user   func(h *mat.SymDense, x []float64, sigma float64, lambda []float64, p P)
	params P
	lag    *lagrangian[P]
	b      backend.Backend
	prep   backend.Prepared
	stack  *HessianStack[P]
	n, m   int

	pattern *sparsity.Pattern
	upper   int
	ones    []float64
	// scratch
	hs   []*mat.SymDense
	full *mat.SymDense
}

// ApplyDense writes the full symmetric Hessian into h.
// A nil lambda sets every multiplier to one.
func (o *LagHessian[P]) ApplyDense(h *mat.SymDense, x []float64, sigma float64, lambda []float64) error {
	if h == nil || h.SymmetricDim() != o.n {
		return shapeError(opLagH, "hessian must be %d×%d", o.n, o.n)
	}
	lambda, err := o.weights(x, lambda)
	if err != nil {
		return err
	}
	return o.compute(h, x, sigma, lambda)
}

// ApplyCompact writes the entries on or above the diagonal of the pattern,
// in pattern order, into dst.
func (o *LagHessian[P]) ApplyCompact(dst, x []float64, sigma float64, lambda []float64) error {
	if len(dst) != o.upper {
		return shapeError(opLagH, "compact hessian has %d elements, pattern has %d", len(dst), o.upper)
	}
	lambda, err := o.weights(x, lambda)
	if err != nil {
		return err
	}
	if err = o.compute(o.full, x, sigma, lambda); err != nil {
		return err
	}
	if err = sparsity.CompactUpper(dst, o.full, o.pattern); err != nil {
		return shapeError(opLagH, "%v", err)
	}
	return nil
}

// Pattern returns the pattern indexing compact vectors.
func (o *LagHessian[P]) Pattern() *sparsity.Pattern {
	return o.pattern
}

// CompactLen is the number of elements written by ApplyCompact.
func (o *LagHessian[P]) CompactLen() int {
	return o.upper
}

func (o *LagHessian[P]) weights(x, lambda []float64) ([]float64, error) {
	if len(x) != o.n {
		return nil, shapeError(opLagH, "point has %d elements, want %d", len(x), o.n)
	}
	if lambda == nil {
		return o.ones, nil
	}
	if len(lambda) != o.m {
		return nil, shapeError(opLagH, "%d multipliers for %d constraints", len(lambda), o.m)
	}
	return lambda, nil
}

func (o *LagHessian[P]) compute(h *mat.SymDense, x []float64, sigma float64, lambda []float64) error {
	switch {
	case o.UserProvided():
		o.user(h, x, sigma, lambda, o.params)
	case sigma == 0 && o.m == 0:
		h.Zero()
	case sigma == 0 && o.stack != nil:
		return o.combine(h, x, lambda)
	default:
		o.lag.sigma, o.lag.lambda = sigma, lambda
		return wrap(opLagH, o.b.Hessian(h, o.lag.value, x, o.prep))
	}
	return nil
}

// combine writes Σλₖ∇²cₖ(x) from the constraint Hessian stack.
func (o *LagHessian[P]) combine(h *mat.SymDense, x, lambda []float64) error {
	if err := o.stack.Apply(o.hs, x); err != nil {
		return wrap(opLagH, err)
	}
	h.Zero()
	n, dst := o.n, h.RawSymmetric()
	for k, hk := range o.hs {
		src := hk.RawSymmetric()
		for i := 0; i < n; i++ {
			floats.AddScaled(dst.Data[i*dst.Stride+i:i*dst.Stride+n], lambda[k], src.Data[i*src.Stride+i:i*src.Stride+n])
		}
	}
	return nil
}
