package backend

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/numdiff"
	"github.com/curioloop/derivop/sparsity"
)

// DefaultThreshold is the relative magnitude under which a probed entry is
// considered structurally zero.
const DefaultThreshold = 1e-6

// Sparse is a sparsity-exploiting backend.
//
// Preparation of a Jacobian or Hessian probes the dense derivative at the
// representative point and at a fixed shifted point, keeps the union of the
// entries above Threshold as the pattern and colors its columns with
// numdiff.GroupColumns. Every apply then costs one difference per color
// instead of one per column. Gradients and products are delegated to Dense.
//
// Probing cannot see an entry that vanishes at both points, so patterns of
// functions with isolated zeros of a mixed partial may be too small.
type Sparse struct {
	// Dense computes probes, inner gradients and delegated operators.
	// A nil Dense uses a zero FiniteDiff.
	Dense *FiniteDiff
	// Method of the compressed differences.
	Method numdiff.Method
	// Threshold relative to the largest probed magnitude; zero selects DefaultThreshold.
	Threshold float64
}

type sparsePrepared struct {
	op      Op
	n, m    int
	pattern *sparsity.Pattern
	colors  []int
	spec    numdiff.ApproxSpec
	scalar  Scalar
	vector  Vector
	// scratch
	xs, buf []float64
	view    *mat.Dense
}

func (p *sparsePrepared) Op() Op                      { return p.op }
func (p *sparsePrepared) Dims() (int, int)            { return p.n, p.m }
func (p *sparsePrepared) Sparsity() *sparsity.Pattern { return p.pattern }
func (p *sparsePrepared) Colors() []int               { return p.colors }

func (b *Sparse) Kind() Kind { return SparseKind }

// Unwrap returns the dense backend, so fused capabilities are only reported
// when both layers provide them.
func (b *Sparse) Unwrap() Backend { return b.dense() }

func (b *Sparse) dense() *FiniteDiff {
	if b.Dense == nil {
		return &FiniteDiff{}
	}
	return b.Dense
}

func (b *Sparse) threshold() float64 {
	if b.Threshold > 0 {
		return b.Threshold
	}
	return DefaultThreshold
}

func sparseContext(p Prepared, op Op, n int) (*sparsePrepared, error) {
	c, ok := p.(*sparsePrepared)
	switch {
	case !ok || c == nil:
		return nil, opError(op, ErrShapeMismatch, "context was not prepared by a sparse backend")
	case c.op != op:
		return nil, opError(op, ErrShapeMismatch, "context was prepared for %v", c.op)
	case c.n != n:
		return nil, opError(op, ErrShapeMismatch, "point has %d elements, context was prepared for %d", n, c.n)
	}
	return c, nil
}

// shifted returns the second probing point, moved away from x in every coordinate
// by a distinct relative offset.
func shifted(x []float64) []float64 {
	y := make([]float64, len(x))
	for i, v := range x {
		_, frac := math.Modf(float64(i+1) * math.Phi)
		y[i] = v + (0.1+0.2*frac)*math.Max(1, math.Abs(v))
	}
	return y
}

func (b *Sparse) PrepareHessian(f Scalar, x []float64) (Prepared, error) {
	if _, err := probeScalar(OpHessian, f, x); err != nil {
		return nil, err
	}

	d := b.dense()
	n := len(x)
	set := fd.Settings{Formula: d.formula(), Step: d.secondStep(), Concurrent: d.Concurrent}
	sample := func(at []float64) (h *mat.SymDense, err error) {
		defer recoverAs(OpHessian, ErrPreparation, &err)
		h = mat.NewSymDense(n, nil)
		fd.Hessian(h, f, at, &set)
		return h, nil
	}

	h0, err := sample(x)
	if err != nil {
		return nil, err
	}
	samples := []mat.Matrix{h0}
	// the shifted point may leave the domain of f, then x alone decides
	if h1, err := sample(shifted(x)); err == nil && allFinite(h1) {
		samples = append(samples, h1)
	}

	pattern, err := sparsity.Probe(b.threshold(), samples...)
	if err != nil {
		return nil, opError(OpHessian, ErrPreparation, "%v", err)
	}
	structure := pattern.ColumnRows()
	colors, _ := numdiff.GroupColumns(structure, n)

	inner := fd.Settings{Formula: d.formula(), Step: d.secondStep(), Concurrent: d.Concurrent}
	c := &sparsePrepared{
		op: OpHessian, n: n, m: n,
		pattern: pattern,
		colors:  colors,
		xs:      make([]float64, n),
		buf:     make([]float64, n*n),
	}
	c.spec = numdiff.ApproxSpec{
		N: n, M: n,
		Object: func(x, y []float64) {
			fd.Gradient(y, c.scalar, x, &inner)
		},
		Method:    b.Method,
		AbsStep:   d.secondStep(),
		Groups:    colors,
		Structure: structure,
	}
	if err = c.spec.Check(c.xs, c.buf); err != nil {
		return nil, opError(OpHessian, ErrPreparation, "%v", err)
	}
	return c, nil
}

// Hessian differentiates the gradient over compressed columns and symmetrizes
// the recovered entries. Entries outside the pattern are zero.
func (b *Sparse) Hessian(h *mat.SymDense, f Scalar, x []float64, p Prepared) (err error) {
	c, err := sparseContext(p, OpHessian, len(x))
	if err != nil {
		return err
	}
	if err = checkSym(OpHessian, h, c.n); err != nil {
		return err
	}
	defer recoverAs(OpHessian, ErrEvaluation, &err)

	c.scalar = f
	copy(c.xs, x)
	if err = c.spec.Diff(c.xs, c.buf); err != nil {
		return opError(OpHessian, ErrShapeMismatch, "%v", err)
	}

	n, buf := c.n, c.buf
	h.Zero()
	for _, e := range c.pattern.NZ {
		if e.Row <= e.Col {
			h.SetSym(e.Row, e.Col, 0.5*(buf[e.Row*n+e.Col]+buf[e.Col*n+e.Row]))
		}
	}
	return nil
}

func (b *Sparse) PrepareJacobian(f Vector, m int, x []float64) (Prepared, error) {
	if _, err := probeVector(OpJacobian, f, m, x); err != nil {
		return nil, err
	}

	d := b.dense()
	n := len(x)
	set := fd.JacobianSettings{Formula: d.formula(), Step: d.Step, Concurrent: d.Concurrent}
	sample := func(at []float64) (j *mat.Dense, err error) {
		defer recoverAs(OpJacobian, ErrPreparation, &err)
		j = mat.NewDense(m, n, nil)
		fd.Jacobian(j, f, at, &set)
		return j, nil
	}

	j0, err := sample(x)
	if err != nil {
		return nil, err
	}
	samples := []mat.Matrix{j0}
	if j1, err := sample(shifted(x)); err == nil && allFinite(j1) {
		samples = append(samples, j1)
	}

	pattern, err := sparsity.Probe(b.threshold(), samples...)
	if err != nil {
		return nil, opError(OpJacobian, ErrPreparation, "%v", err)
	}
	structure := pattern.ColumnRows()
	colors, _ := numdiff.GroupColumns(structure, m)

	c := &sparsePrepared{
		op: OpJacobian, n: n, m: m,
		pattern: pattern,
		colors:  colors,
		xs:      make([]float64, n),
		buf:     make([]float64, m*n),
	}
	c.view = mat.NewDense(m, n, c.buf)
	c.spec = numdiff.ApproxSpec{
		N: n, M: m,
		Object: func(x, y []float64) {
			c.vector(y, x)
		},
		Method:    b.Method,
		Groups:    colors,
		Structure: structure,
	}
	if err = c.spec.Check(c.xs, c.buf); err != nil {
		return nil, opError(OpJacobian, ErrPreparation, "%v", err)
	}
	return c, nil
}

func (b *Sparse) Jacobian(j *mat.Dense, f Vector, x []float64, p Prepared) (err error) {
	c, err := sparseContext(p, OpJacobian, len(x))
	if err != nil {
		return err
	}
	if err = checkDense(OpJacobian, j, c.m, c.n); err != nil {
		return err
	}
	defer recoverAs(OpJacobian, ErrEvaluation, &err)

	c.vector = f
	copy(c.xs, x)
	if err = c.spec.Diff(c.xs, c.buf); err != nil {
		return opError(OpJacobian, ErrShapeMismatch, "%v", err)
	}
	j.Copy(c.view)
	return nil
}

func (b *Sparse) PrepareGradient(f Scalar, x []float64) (Prepared, error) {
	return b.dense().PrepareGradient(f, x)
}

func (b *Sparse) Gradient(g []float64, f Scalar, x []float64, p Prepared) error {
	return b.dense().Gradient(g, f, x, p)
}

func (b *Sparse) PrepareValueGradient(f Scalar, x []float64) (Prepared, error) {
	return b.dense().PrepareValueGradient(f, x)
}

func (b *Sparse) ValueGradient(g []float64, f Scalar, x []float64, p Prepared) (float64, error) {
	return b.dense().ValueGradient(g, f, x, p)
}

func (b *Sparse) PrepareHVP(f Scalar, x []float64) (Prepared, error) {
	return b.dense().PrepareHVP(f, x)
}

func (b *Sparse) HVP(hv []float64, f Scalar, x, v []float64, p Prepared) error {
	return b.dense().HVP(hv, f, x, v, p)
}

func (b *Sparse) PrepareVJP(f Vector, m int, x []float64) (Prepared, error) {
	return b.dense().PrepareVJP(f, m, x)
}

func (b *Sparse) VJP(out []float64, f Vector, x, w []float64, p Prepared) error {
	return b.dense().VJP(out, f, x, w, p)
}

func (b *Sparse) PrepareJVP(f Vector, m int, x []float64) (Prepared, error) {
	return b.dense().PrepareJVP(f, m, x)
}

func (b *Sparse) JVP(out []float64, f Vector, x, v []float64, p Prepared) error {
	return b.dense().JVP(out, f, x, v, p)
}

func allFinite(a mat.Matrix) bool {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
