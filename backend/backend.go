// Package backend defines the differentiation capability consumed by the
// operator factory, and provides a dense finite-difference implementation on
// top of gonum and a sparsity-exploiting one that compresses columns by
// coloring.
//
// Every operator follows the same two-step protocol:
//
//	prep, err := b.PrepareHessian(f, x0) // once, at setup time
//	err = b.Hessian(h, f, x, prep)        // many times, on the hot path
//
// A prepared context is only valid for the function and the dimensions it was
// prepared with. Backends are not safe for concurrent apply calls sharing a
// context, since contexts own scratch buffers.
package backend

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/sparsity"
)

// Kind selects between dense and sparsity-exploiting computation.
type Kind int

const (
	// DenseKind differentiates every entry.
	DenseKind Kind = iota
	// SparseKind discovers a pattern at preparation and differentiates compressed columns.
	SparseKind
)

func (k Kind) String() string {
	switch k {
	case DenseKind:
		return "dense"
	case SparseKind:
		return "sparse"
	}
	return "unknown"
}

// Op names a differentiation primitive.
type Op int

const (
	OpGradient Op = iota
	OpValueGradient
	OpValueGradientHessian
	OpHessian
	OpHVP
	OpJacobian
	OpVJP
	OpJVP
)

var opNames = [...]string{"gradient", "value_gradient", "value_gradient_hessian", "hessian", "hvp", "jacobian", "vjp", "jvp"}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Scalar is a function ℝⁿ → ℝ.
type Scalar func(x []float64) float64

// Vector is a function ℝⁿ → ℝᵐ writing its result into y.
type Vector func(y, x []float64)

// Prepared is the opaque state produced by a Prepare call.
type Prepared interface {
	// Op is the primitive the context was prepared for.
	Op() Op
	// Dims is the input and output dimension the context was prepared for.
	Dims() (n, m int)
}

// SparsePrepared is a prepared context that discovered a sparsity pattern.
type SparsePrepared interface {
	Prepared
	Sparsity() *sparsity.Pattern
	// Colors assigns every column of the pattern to a group of structurally
	// orthogonal columns.
	Colors() []int
}

// Backend is the differentiation capability.
//
// Output buffers are owned by the caller and have the operator's shape:
// the gradient and hvp an n-vector, the Hessian an n×n symmetric matrix,
// the Jacobian an m×n matrix, the vjp an n-vector and the jvp an m-vector.
type Backend interface {
	Kind() Kind

	PrepareGradient(f Scalar, x []float64) (Prepared, error)
	Gradient(g []float64, f Scalar, x []float64, p Prepared) error

	PrepareHessian(f Scalar, x []float64) (Prepared, error)
	Hessian(h *mat.SymDense, f Scalar, x []float64, p Prepared) error

	PrepareHVP(f Scalar, x []float64) (Prepared, error)
	HVP(hv []float64, f Scalar, x, v []float64, p Prepared) error

	PrepareJacobian(f Vector, m int, x []float64) (Prepared, error)
	Jacobian(j *mat.Dense, f Vector, x []float64, p Prepared) error

	PrepareVJP(f Vector, m int, x []float64) (Prepared, error)
	VJP(out []float64, f Vector, x, w []float64, p Prepared) error

	PrepareJVP(f Vector, m int, x []float64) (Prepared, error)
	JVP(out []float64, f Vector, x, v []float64, p Prepared) error
}

// FusedGradient returns the function value together with the gradient.
type FusedGradient interface {
	PrepareValueGradient(f Scalar, x []float64) (Prepared, error)
	ValueGradient(g []float64, f Scalar, x []float64, p Prepared) (float64, error)
}

// FusedHessian returns the function value together with the gradient and the Hessian.
type FusedHessian interface {
	PrepareValueGradientHessian(f Scalar, x []float64) (Prepared, error)
	ValueGradientHessian(g []float64, h *mat.SymDense, f Scalar, x []float64, p Prepared) (float64, error)
}

type unwrapper interface {
	Unwrap() Backend
}

// AsFusedGradient reports whether b, and every backend it wraps, supports fused value and gradient.
func AsFusedGradient(b Backend) (FusedGradient, bool) {
	fg, ok := b.(FusedGradient)
	if !ok {
		return nil, false
	}
	if w, ok := b.(unwrapper); ok {
		if _, ok := AsFusedGradient(w.Unwrap()); !ok {
			return nil, false
		}
	}
	return fg, true
}

// AsFusedHessian reports whether b, and every backend it wraps, supports fused value, gradient and Hessian.
func AsFusedHessian(b Backend) (FusedHessian, bool) {
	fh, ok := b.(FusedHessian)
	if !ok {
		return nil, false
	}
	if w, ok := b.(unwrapper); ok {
		if _, ok := AsFusedHessian(w.Unwrap()); !ok {
			return nil, false
		}
	}
	return fh, true
}

// Handles are the backends actually used for each family of operators.
type Handles struct {
	// First computes gradients and Jacobians.
	First Backend
	// Second computes Hessians.
	Second Backend
	// Dense computes products in sparse mode, where compression brings nothing.
	// It is nil in dense mode.
	Dense Backend
}

// Kind is the mode of the first-order handle.
func (h Handles) Kind() Kind {
	return h.First.Kind()
}

// Fallback is the dense handle in sparse mode, b otherwise.
// Products (hvp, vjp, jvp) gain nothing from compression and always go through it.
func (h Handles) Fallback(b Backend) Backend {
	if h.Dense != nil {
		return h.Dense
	}
	return b
}
