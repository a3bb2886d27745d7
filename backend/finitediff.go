package backend

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultHessianStep is the step of second order differences, close to ε^¼.
const DefaultHessianStep = 1e-4

// FiniteDiff is a dense backend built on gonum finite differences.
//
// Gradients, Jacobians and Hessians come straight from gonum/diff/fd.
// Hessian-vector products use a mixed second difference along eᵢ and v,
// vector-Jacobian products differentiate wᵀc and Jacobian-vector products
// take a central difference along v.
type FiniteDiff struct {
	// Formula is the first derivative formula; the zero value selects fd.Central.
	Formula fd.Formula
	// Step of first derivative formulas; zero keeps the formula default.
	Step float64
	// HessianStep of second order differences; zero selects DefaultHessianStep.
	HessianStep float64
	// Concurrent evaluates gradient, Jacobian and Hessian stencils in parallel.
	// The differentiated functions must then be safe for concurrent use.
	Concurrent bool
}

type fdPrepared struct {
	op   Op
	n, m int
	grad fd.Settings
	hess fd.Settings
	jac  fd.JacobianSettings
	// scratch
	xs     []float64
	y1, y2 []float64
}

func (p *fdPrepared) Op() Op           { return p.op }
func (p *fdPrepared) Dims() (int, int) { return p.n, p.m }

func (b *FiniteDiff) Kind() Kind { return DenseKind }

func (b *FiniteDiff) formula() fd.Formula {
	if len(b.Formula.Stencil) == 0 {
		return fd.Central
	}
	return b.Formula
}

func (b *FiniteDiff) firstStep() float64 {
	if b.Step > 0 {
		return b.Step
	}
	return b.formula().Step
}

func (b *FiniteDiff) secondStep() float64 {
	if b.HessianStep > 0 {
		return b.HessianStep
	}
	return DefaultHessianStep
}

func (b *FiniteDiff) context(op Op, n, m int) *fdPrepared {
	return &fdPrepared{
		op: op, n: n, m: m,
		grad: fd.Settings{Formula: b.formula(), Step: b.Step, Concurrent: b.Concurrent},
		hess: fd.Settings{Formula: b.formula(), Step: b.secondStep(), Concurrent: b.Concurrent},
		jac:  fd.JacobianSettings{Formula: b.formula(), Step: b.Step, Concurrent: b.Concurrent},
		xs:   make([]float64, n),
		y1:   make([]float64, m),
		y2:   make([]float64, m),
	}
}

func fdContext(p Prepared, op Op, n int) (*fdPrepared, error) {
	c, ok := p.(*fdPrepared)
	switch {
	case !ok || c == nil:
		return nil, opError(op, ErrShapeMismatch, "context was not prepared by a finite difference backend")
	case c.op != op:
		return nil, opError(op, ErrShapeMismatch, "context was prepared for %v", c.op)
	case c.n != n:
		return nil, opError(op, ErrShapeMismatch, "point has %d elements, context was prepared for %d", n, c.n)
	}
	return c, nil
}

func (b *FiniteDiff) PrepareGradient(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpGradient, f, x); err != nil {
		return nil, err
	}
	return b.context(OpGradient, len(x), 1), nil
}

func (b *FiniteDiff) Gradient(g []float64, f Scalar, x []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpGradient, len(x))
	if err != nil {
		return err
	}
	if len(g) != c.n {
		return opError(OpGradient, ErrShapeMismatch, "gradient has %d elements, want %d", len(g), c.n)
	}
	defer recoverAs(OpGradient, ErrEvaluation, &err)
	fd.Gradient(g, f, x, &c.grad)
	return nil
}

func (b *FiniteDiff) PrepareValueGradient(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpValueGradient, f, x); err != nil {
		return nil, err
	}
	return b.context(OpValueGradient, len(x), 1), nil
}

func (b *FiniteDiff) ValueGradient(g []float64, f Scalar, x []float64, p Prepared) (v float64, err error) {
	c, err := fdContext(p, OpValueGradient, len(x))
	if err != nil {
		return 0, err
	}
	if len(g) != c.n {
		return 0, opError(OpValueGradient, ErrShapeMismatch, "gradient has %d elements, want %d", len(g), c.n)
	}
	defer recoverAs(OpValueGradient, ErrEvaluation, &err)
	v = f(x)
	set := c.grad
	set.OriginKnown, set.OriginValue = true, v
	fd.Gradient(g, f, x, &set)
	return v, nil
}

func (b *FiniteDiff) PrepareHessian(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpHessian, f, x); err != nil {
		return nil, err
	}
	return b.context(OpHessian, len(x), len(x)), nil
}

func (b *FiniteDiff) Hessian(h *mat.SymDense, f Scalar, x []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpHessian, len(x))
	if err != nil {
		return err
	}
	if err = checkSym(OpHessian, h, c.n); err != nil {
		return err
	}
	defer recoverAs(OpHessian, ErrEvaluation, &err)
	fd.Hessian(h, f, x, &c.hess)
	return nil
}

func (b *FiniteDiff) PrepareValueGradientHessian(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpValueGradientHessian, f, x); err != nil {
		return nil, err
	}
	return b.context(OpValueGradientHessian, len(x), len(x)), nil
}

func (b *FiniteDiff) ValueGradientHessian(g []float64, h *mat.SymDense, f Scalar, x []float64, p Prepared) (v float64, err error) {
	c, err := fdContext(p, OpValueGradientHessian, len(x))
	if err != nil {
		return 0, err
	}
	if len(g) != c.n {
		return 0, opError(OpValueGradientHessian, ErrShapeMismatch, "gradient has %d elements, want %d", len(g), c.n)
	}
	if err = checkSym(OpValueGradientHessian, h, c.n); err != nil {
		return 0, err
	}
	defer recoverAs(OpValueGradientHessian, ErrEvaluation, &err)
	v = f(x)
	grad, hess := c.grad, c.hess
	grad.OriginKnown, grad.OriginValue = true, v
	hess.OriginKnown, hess.OriginValue = true, v
	fd.Gradient(g, f, x, &grad)
	fd.Hessian(h, f, x, &hess)
	return v, nil
}

func (b *FiniteDiff) PrepareHVP(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpHVP, f, x); err != nil {
		return nil, err
	}
	return b.context(OpHVP, len(x), len(x)), nil
}

// HVP approximates (Hv)ᵢ by the mixed difference
//
//	[f(x+heᵢ+kv) - f(x+heᵢ-kv) - f(x-heᵢ+kv) + f(x-heᵢ-kv)] / 4hk
//
// with k scaled so that the largest component of kv equals h.
func (b *FiniteDiff) HVP(hv []float64, f Scalar, x, v []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpHVP, len(x))
	if err != nil {
		return err
	}
	if len(hv) != c.n || len(v) != c.n {
		return opError(OpHVP, ErrShapeMismatch, "product has %d elements and direction %d, want %d", len(hv), len(v), c.n)
	}

	vmax := floats.Norm(v, math.Inf(1))
	if vmax == 0 {
		clear(hv)
		return nil
	}

	defer recoverAs(OpHVP, ErrEvaluation, &err)
	h := b.secondStep()
	k := h / vmax
	xs := c.xs
	eval := func(i int, si, sk float64) float64 {
		copy(xs, x)
		floats.AddScaled(xs, sk*k, v)
		xs[i] += si * h
		return f(xs)
	}
	for i := range hv {
		hv[i] = (eval(i, 1, 1) - eval(i, 1, -1) - eval(i, -1, 1) + eval(i, -1, -1)) / (4 * h * k)
	}
	return nil
}

func (b *FiniteDiff) PrepareJacobian(f Vector, m int, x []float64) (Prepared, error) {
	if _, err := probeVector(OpJacobian, f, m, x); err != nil {
		return nil, err
	}
	return b.context(OpJacobian, len(x), m), nil
}

func (b *FiniteDiff) Jacobian(j *mat.Dense, f Vector, x []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpJacobian, len(x))
	if err != nil {
		return err
	}
	if err = checkDense(OpJacobian, j, c.m, c.n); err != nil {
		return err
	}
	defer recoverAs(OpJacobian, ErrEvaluation, &err)
	fd.Jacobian(j, f, x, &c.jac)
	return nil
}

func (b *FiniteDiff) PrepareVJP(f Vector, m int, x []float64) (Prepared, error) {
	if _, err := probeVector(OpVJP, f, m, x); err != nil {
		return nil, err
	}
	return b.context(OpVJP, len(x), m), nil
}

// VJP differentiates the scalar wᵀc(x), which yields Jᵀw.
func (b *FiniteDiff) VJP(out []float64, f Vector, x, w []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpVJP, len(x))
	if err != nil {
		return err
	}
	if len(out) != c.n || len(w) != c.m {
		return opError(OpVJP, ErrShapeMismatch, "product has %d elements and weights %d, want %d and %d", len(out), len(w), c.n, c.m)
	}
	defer recoverAs(OpVJP, ErrEvaluation, &err)
	y := c.y1
	s := func(z []float64) float64 {
		f(y, z)
		return floats.Dot(w, y)
	}
	// the closure shares y, so the stencil must run serially
	set := c.grad
	set.Concurrent = false
	fd.Gradient(out, s, x, &set)
	return nil
}

func (b *FiniteDiff) PrepareJVP(f Vector, m int, x []float64) (Prepared, error) {
	if _, err := probeVector(OpJVP, f, m, x); err != nil {
		return nil, err
	}
	return b.context(OpJVP, len(x), m), nil
}

// JVP takes the central difference [c(x+kv) - c(x-kv)] / 2k.
func (b *FiniteDiff) JVP(out []float64, f Vector, x, v []float64, p Prepared) (err error) {
	c, err := fdContext(p, OpJVP, len(x))
	if err != nil {
		return err
	}
	if len(out) != c.m || len(v) != c.n {
		return opError(OpJVP, ErrShapeMismatch, "product has %d elements and direction %d, want %d and %d", len(out), len(v), c.m, c.n)
	}

	vmax := floats.Norm(v, math.Inf(1))
	if vmax == 0 {
		clear(out)
		return nil
	}

	defer recoverAs(OpJVP, ErrEvaluation, &err)
	k := b.firstStep() / vmax
	xs, lo, hi := c.xs, c.y1, c.y2
	copy(xs, x)
	floats.AddScaled(xs, -k, v)
	f(lo, xs)
	copy(xs, x)
	floats.AddScaled(xs, k, v)
	f(hi, xs)
	floats.SubTo(out, hi, lo)
	floats.Scale(1/(2*k), out)
	return nil
}

func probePoint(op Op, x []float64) error {
	if len(x) == 0 {
		return opError(op, ErrPreparation, "empty representative point")
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return opError(op, ErrPreparation, "representative point is not finite at %d", i)
		}
	}
	return nil
}

// probeScalar evaluates f once at the representative point.
func probeScalar(op Op, f Scalar, x []float64) (v float64, err error) {
	if f == nil {
		return 0, opError(op, ErrPreparation, "nil function")
	}
	if err = probePoint(op, x); err != nil {
		return 0, err
	}
	defer recoverAs(op, ErrPreparation, &err)
	v = f(x)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, opError(op, ErrPreparation, "function value %v at the representative point", v)
	}
	return v, nil
}

// probeVector evaluates f once at the representative point into an m-vector.
func probeVector(op Op, f Vector, m int, x []float64) (y []float64, err error) {
	if f == nil {
		return nil, opError(op, ErrPreparation, "nil function")
	}
	if m <= 0 {
		return nil, opError(op, ErrPreparation, "output dimension %d", m)
	}
	if err = probePoint(op, x); err != nil {
		return nil, err
	}
	defer recoverAs(op, ErrPreparation, &err)
	y = make([]float64, m)
	f(y, x)
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, opError(op, ErrPreparation, "output %d is %v at the representative point", i, v)
		}
	}
	return y, nil
}

func checkSym(op Op, h *mat.SymDense, n int) error {
	if h == nil || h.SymmetricDim() != n {
		return opError(op, ErrShapeMismatch, "hessian must be %d×%d", n, n)
	}
	return nil
}

func checkDense(op Op, j *mat.Dense, m, n int) error {
	if j == nil {
		return opError(op, ErrShapeMismatch, "jacobian must be %d×%d", m, n)
	}
	if r, c := j.Dims(); r != m || c != n {
		return opError(op, ErrShapeMismatch, "jacobian is %d×%d, want %d×%d", r, c, m, n)
	}
	return nil
}
