// Package synth builds the derivative operators of a constrained optimization
// problem.
//
// Instantiate resolves every operator exactly once: a user override is bound
// to the problem parameters, anything else is prepared on a backend at the
// representative point and wrapped so that every later call only pays for the
// apply step.
//
//	handles, _ := backend.Adapt(backend.Config{Kind: backend.SparseKind})
//	b, err := synth.Instantiate(obj, &cons, x0, params, 2, handles, synth.Options{})
//	...
//	err = b.LagH.ApplyCompact(vals, x, sigma, lambda)
//
// Operators own scratch buffers, so a bundle must not be shared between goroutines.
package synth

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/backend"
	"github.com/curioloop/derivop/sparsity"
)

// Objective is a scalar function f(x, p) with optional derivative overrides.
// Overrides are trusted: they are called as is and never checked for correctness.
type Objective[P any] struct {
	F    func(x []float64, p P) float64
	Grad func(g, x []float64, p P)
	Hess func(h *mat.SymDense, x []float64, p P)
	HV   func(hv, x, v []float64, p P)
	// FG returns f(x) and writes ∇f(x) into g.
	FG func(g, x []float64, p P) float64
	// FGH returns f(x) and writes ∇f(x) into g and ∇²f(x) into h.
	FGH func(g []float64, h *mat.SymDense, x []float64, p P) float64
}

// Constraints is a vector function c(x, p) writing NumCons residuals, with
// optional derivative overrides.
type Constraints[P any] struct {
	Cons func(c, x []float64, p P)
	// Jac fills the m×n Jacobian, a 1×n matrix for a single constraint.
	Jac func(j *mat.Dense, x []float64, p P)
	// Hess fills one Hessian per constraint.
	Hess func(hs []*mat.SymDense, x []float64, p P)
	// VJP writes Jᵀw into out.
	VJP func(out, x, w []float64, p P)
	// JVP writes Jv into out.
	JVP func(out, x, v []float64, p P)
	// LagHess writes the Hessian of σf + λᵀc into h.
	LagHess func(h *mat.SymDense, x []float64, sigma float64, lambda []float64, p P)
}

// Options selects the optional operators.
type Options struct {
	// FusedValueGradient builds Bundle.FG.
	FusedValueGradient bool
	// FusedValueGradientHessian builds Bundle.FGH.
	FusedValueGradientHessian bool
	// ConsVJP builds Bundle.ConsVJP when there is no override.
	ConsVJP bool
	// ConsJVP builds Bundle.ConsJVP when there is no override.
	ConsJVP bool
	// ConsHessianStack prepares one Hessian per constraint in sparse mode.
	// Dense mode always builds the stack.
	ConsHessianStack bool
	// Concurrency bounds the number of constraint Hessians prepared in parallel.
	// Values below 2 prepare sequentially. Parallel preparation requires the
	// constraint function to be safe for concurrent use.
	Concurrency int
	// Logger receives one debug event per preparation. Nil disables logging.
	Logger *zerolog.Logger
}

// Bundle holds every operator of a problem.
//
// Constraint operators are nil without constraints. FG, FGH, ConsVJP and ConsJVP
// are nil unless requested or overridden, and ConsH is nil in sparse mode unless
// requested or overridden. Patterns and colors are nil for operators that were
// not prepared by a sparse backend, except LagHPattern which is always set.
type Bundle[P any] struct {
	Dim, NumCons int

	F    *Value[P]
	Grad *Gradient[P]
	FG   *ValueGradient[P]
	FGH  *ValueGradientHessian[P]
	Hess *Hessian[P]
	HV   *HVP[P]

	Cons    *Residual[P]
	ConsJ   *Jacobian[P]
	ConsH   *HessianStack[P]
	ConsVJP *VJP[P]
	ConsJVP *JVP[P]
	LagH    *LagHessian[P]

	HessPattern   *sparsity.Pattern
	HessColors    []int
	ConsJPattern  *sparsity.Pattern
	ConsJColors   []int
	ConsHPatterns []*sparsity.Pattern
	ConsHColors   [][]int
	// LagHPattern indexes the vectors written by LagH.ApplyCompact.
	LagHPattern *sparsity.Pattern
}

// Operator names reported in errors.
const (
	opInstantiate = "instantiate"
	opF           = "f"
	opGrad        = "grad"
	opFG          = "fg"
	opFGH         = "fgh"
	opHess        = "hess"
	opHV          = "hv"
	opCons        = "cons"
	opConsJ       = "cons_j"
	opConsH       = "cons_h"
	opConsVJP     = "cons_vjp"
	opConsJVP     = "cons_jvp"
	opLagH        = "lag_h"
)

// provision records whether an operator calls a user override or a prepared backend.
type provision uint8

const (
	synthesized provision = iota
	userProvided
)

// UserProvided reports whether the operator calls a user override.
func (p provision) UserProvided() bool {
	return p == userProvided
}

func (p provision) String() string {
	if p == userProvided {
		return "user"
	}
	return "synthesized"
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &backend.OpError{Op: op, Err: err}
}

func shapeError(op string, format string, a ...any) error {
	return &backend.OpError{Op: op, Err: fmt.Errorf("%w: %s", backend.ErrShapeMismatch, fmt.Sprintf(format, a...))}
}

func configError(op string, format string, a ...any) error {
	return &backend.OpError{Op: op, Err: fmt.Errorf("%w: %s", backend.ErrConfiguration, fmt.Sprintf(format, a...))}
}
