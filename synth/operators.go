package synth

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
)

// objective binds F to the problem parameters.
type objective[P any] struct {
	f      func(x []float64, p P) float64
	params P
}

func (o *objective[P]) value(x []float64) float64 {
	return o.f(x, o.params)
}

// Value evaluates f.
type Value[P any] struct {
	obj *objective[P]
	n   int
}

// Apply returns f(x). A point of the wrong length is an ErrShapeMismatch.
func (o *Value[P]) Apply(x []float64) (float64, error) {
	if len(x) != o.n {
		return 0, shapeError(opF, "point has %d elements, want %d", len(x), o.n)
	}
	return o.obj.value(x), nil
}

// Gradient writes ∇f(x).
type Gradient[P any] struct {
	provision
	user func(g, x []float64, p P)
	obj  *objective[P]
	b    backend.Backend
	prep backend.Prepared
	n    int
}

// Apply writes ∇f(x) into g. Both g and x must have Dim elements, otherwise
// ErrShapeMismatch is returned.
func (o *Gradient[P]) Apply(g, x []float64) error {
	if len(g) != o.n || len(x) != o.n {
		return shapeError(opGrad, "gradient has %d elements and point %d, want %d", len(g), len(x), o.n)
	}
	if o.UserProvided() {
		o.user(g, x, o.obj.params)
		return nil
	}
	return wrap(opGrad, o.b.Gradient(g, o.obj.value, x, o.prep))
}

// ValueGradient returns f(x) and writes ∇f(x) in one pass.
type ValueGradient[P any] struct {
	provision
	user func(g, x []float64, p P) float64
	obj  *objective[P]
	b    backend.FusedGradient
	prep backend.Prepared
	n    int
}

// Apply writes ∇f(x) into g and returns f(x).
func (o *ValueGradient[P]) Apply(g, x []float64) (float64, error) {
	if len(g) != o.n || len(x) != o.n {
		return 0, shapeError(opFG, "gradient has %d elements and point %d, want %d", len(g), len(x), o.n)
	}
	if o.UserProvided() {
		return o.user(g, x, o.obj.params), nil
	}
	v, err := o.b.ValueGradient(g, o.obj.value, x, o.prep)
	return v, wrap(opFG, err)
}

// ValueGradientHessian returns f(x) and writes ∇f(x) and ∇²f(x) in one pass.
type ValueGradientHessian[P any] struct {
	provision
	user func(g []float64, h *mat.SymDense, x []float64, p P) float64
	obj  *objective[P]
	b    backend.FusedHessian
	prep backend.Prepared
	n    int
}

// Apply writes ∇f(x) into g and ∇²f(x) into the Dim×Dim matrix h, and
// returns f(x). Wrong shapes are an ErrShapeMismatch.
func (o *ValueGradientHessian[P]) Apply(g []float64, h *mat.SymDense, x []float64) (float64, error) {
	if len(g) != o.n || len(x) != o.n {
		return 0, shapeError(opFGH, "gradient has %d elements and point %d, want %d", len(g), len(x), o.n)
	}
	if h == nil || h.SymmetricDim() != o.n {
		return 0, shapeError(opFGH, "hessian must be %d×%d", o.n, o.n)
	}
	if o.UserProvided() {
		return o.user(g, h, x, o.obj.params), nil
	}
	v, err := o.b.ValueGradientHessian(g, h, o.obj.value, x, o.prep)
	return v, wrap(opFGH, err)
}

// Hessian writes ∇²f(x).
type Hessian[P any] struct {
	provision
	user func(h *mat.SymDense, x []float64, p P)
	obj  *objective[P]
	b    backend.Backend
	prep backend.Prepared
	n    int
}

// Apply writes ∇²f(x) into h, which must be Dim×Dim.
func (o *Hessian[P]) Apply(h *mat.SymDense, x []float64) error {
	if len(x) != o.n {
		return shapeError(opHess, "point has %d elements, want %d", len(x), o.n)
	}
	if h == nil || h.SymmetricDim() != o.n {
		return shapeError(opHess, "hessian must be %d×%d", o.n, o.n)
	}
	if o.UserProvided() {
		o.user(h, x, o.obj.params)
		return nil
	}
	return wrap(opHess, o.b.Hessian(h, o.obj.value, x, o.prep))
}

// HVP writes ∇²f(x)v.
type HVP[P any] struct {
	provision
	user func(hv, x, v []float64, p P)
	obj  *objective[P]
	b    backend.Backend
	prep backend.Prepared
	n    int
}

// Apply writes ∇²f(x)·v into hv. hv, x and v all have Dim elements.
func (o *HVP[P]) Apply(hv, x, v []float64) error {
	if len(hv) != o.n || len(x) != o.n || len(v) != o.n {
		return shapeError(opHV, "product, point and direction have %d, %d and %d elements, want %d", len(hv), len(x), len(v), o.n)
	}
	if o.UserProvided() {
		o.user(hv, x, v, o.obj.params)
		return nil
	}
	return wrap(opHV, o.b.HVP(hv, o.obj.value, x, v, o.prep))
}
