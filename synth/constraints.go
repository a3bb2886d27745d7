package synth

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
)

// evaluator binds the in-place constraint function to the problem parameters.
type evaluator[P any] struct {
	cons   func(c, x []float64, p P)
	params P
	m      int
}

// eval is the out-of-place form. Every call returns a fresh residual vector
// that the caller may keep.
func (e *evaluator[P]) eval(x []float64) []float64 {
	c := make([]float64, e.m)
	e.cons(c, x, e.params)
	return c
}

// vector adapts eval to the backend signature.
func (e *evaluator[P]) vector(y, x []float64) {
	copy(y, e.eval(x))
}

// projections returns m scalar functions, the k-th one extracting cₖ(x).
func (e *evaluator[P]) projections() []backend.Scalar {
	fs := make([]backend.Scalar, e.m)
	for k := range fs {
		fs[k] = func(x []float64) float64 {
			return e.eval(x)[k]
		}
	}
	return fs
}

// Residual evaluates c(x).
type Residual[P any] struct {
	ev *evaluator[P]
	n  int
}

// Apply writes c(x) into c, which must have NumCons elements.
func (o *Residual[P]) Apply(c, x []float64) error {
	if len(c) != o.ev.m || len(x) != o.n {
		return shapeError(opCons, "residual has %d elements and point %d, want %d and %d", len(c), len(x), o.ev.m, o.n)
	}
	o.ev.cons(c, x, o.ev.params)
	return nil
}

// Jacobian writes the constraint Jacobian.
//
// With a single constraint the Jacobian is the gradient of c₁ and the
// destination must be an n-vector; otherwise it is an m×n matrix.
type Jacobian[P any] struct {
	provision
	user func(j *mat.Dense, x []float64, p P)
	ev   *evaluator[P]
	b    backend.Backend
	prep backend.Prepared
	n, m int
	row  *mat.Dense
}

// Apply writes the constraint Jacobian at x into dst.
//
// With a single constraint dst must be a *mat.VecDense of length Dim holding
// the gradient of c₀. Otherwise dst must be a NumCons×Dim *mat.Dense. Any
// other destination is an ErrShapeMismatch.
func (o *Jacobian[P]) Apply(dst mat.Matrix, x []float64) error {
	if len(x) != o.n {
		return shapeError(opConsJ, "point has %d elements, want %d", len(x), o.n)
	}
	j, vec, err := o.target(dst)
	if err != nil {
		return err
	}
	if o.UserProvided() {
		o.user(j, x, o.ev.params)
	} else if err = o.b.Jacobian(j, o.ev.vector, x, o.prep); err != nil {
		return wrap(opConsJ, err)
	}
	if vec != nil {
		vec.CopyVec(j.RowView(0))
	}
	return nil
}

func (o *Jacobian[P]) target(dst mat.Matrix) (*mat.Dense, *mat.VecDense, error) {
	if o.m == 1 {
		v, ok := dst.(*mat.VecDense)
		if !ok || v == nil || v.Len() != o.n {
			return nil, nil, shapeError(opConsJ, "the jacobian of a single constraint is a %d-vector", o.n)
		}
		o.row.Zero()
		return o.row, v, nil
	}
	d, ok := dst.(*mat.Dense)
	if !ok || d == nil {
		return nil, nil, shapeError(opConsJ, "jacobian must be a %d×%d dense matrix", o.m, o.n)
	}
	if r, c := d.Dims(); r != o.m || c != o.n {
		return nil, nil, shapeError(opConsJ, "jacobian is %d×%d, want %d×%d", r, c, o.m, o.n)
	}
	return d, nil, nil
}

// HessianStack writes one Hessian per constraint. Each constraint is
// differentiated as a separate scalar function with its own prepared context.
type HessianStack[P any] struct {
	provision
	user  func(hs []*mat.SymDense, x []float64, p P)
	ev    *evaluator[P]
	b     backend.Backend
	fns   []backend.Scalar
	preps []backend.Prepared
	n, m  int
}

// Apply writes ∇²cₖ(x) into hs[k]. hs must hold NumCons matrices of size
// Dim×Dim.
func (o *HessianStack[P]) Apply(hs []*mat.SymDense, x []float64) error {
	if len(x) != o.n || len(hs) != o.m {
		return shapeError(opConsH, "stack has %d hessians and point %d elements, want %d and %d", len(hs), len(x), o.m, o.n)
	}
	for k, h := range hs {
		if h == nil || h.SymmetricDim() != o.n {
			return shapeError(opConsH, "hessian %d must be %d×%d", k, o.n, o.n)
		}
	}
	if o.UserProvided() {
		o.user(hs, x, o.ev.params)
		return nil
	}
	for k, h := range hs {
		if err := o.b.Hessian(h, o.fns[k], x, o.preps[k]); err != nil {
			return wrap(opConsH, err)
		}
	}
	return nil
}

// VJP writes Jᵀw.
type VJP[P any] struct {
	provision
	user func(out, x, w []float64, p P)
	ev   *evaluator[P]
	b    backend.Backend
	prep backend.Prepared
	n, m int
}

// Apply writes J(x)ᵀw into out. w has NumCons elements, out and x have Dim.
func (o *VJP[P]) Apply(out, x, w []float64) error {
	if len(out) != o.n || len(x) != o.n || len(w) != o.m {
		return shapeError(opConsVJP, "product, point and weights have %d, %d and %d elements, want %d, %d and %d", len(out), len(x), len(w), o.n, o.n, o.m)
	}
	if o.UserProvided() {
		o.user(out, x, w, o.ev.params)
		return nil
	}
	return wrap(opConsVJP, o.b.VJP(out, o.ev.vector, x, w, o.prep))
}

// JVP writes Jv.
type JVP[P any] struct {
	provision
	user func(out, x, v []float64, p P)
	ev   *evaluator[P]
	b    backend.Backend
	prep backend.Prepared
	n, m int
}

// Apply writes J(x)·v into out, which has NumCons elements.
func (o *JVP[P]) Apply(out, x, v []float64) error {
	if len(out) != o.m || len(x) != o.n || len(v) != o.n {
		return shapeError(opConsJVP, "product, point and direction have %d, %d and %d elements, want %d, %d and %d", len(out), len(x), len(v), o.m, o.n, o.n)
	}
	if o.UserProvided() {
		o.user(out, x, v, o.ev.params)
		return nil
	}
	return wrap(opConsJVP, o.b.JVP(out, o.ev.vector, x, v, o.prep))
}
