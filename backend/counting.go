package backend

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Counting wraps a backend and records how many times every operator was
// prepared and applied. It is used to check that preparation is paid once.
type Counting struct {
	Inner Backend

	mu       sync.Mutex
	prepares map[Op]int
	applies  map[Op]int
}

// NewCounting wraps b.
func NewCounting(b Backend) *Counting {
	return &Counting{Inner: b, prepares: map[Op]int{}, applies: map[Op]int{}}
}

// Prepares is the number of Prepare calls made for op.
func (c *Counting) Prepares(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepares[op]
}

// Applies is the number of apply calls made for op.
func (c *Counting) Applies(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applies[op]
}

// Reset clears both counters.
func (c *Counting) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.prepares)
	clear(c.applies)
}

func (c *Counting) prepared(op Op) {
	c.mu.Lock()
	if c.prepares == nil {
		c.prepares = map[Op]int{}
	}
	c.prepares[op]++
	c.mu.Unlock()
}

func (c *Counting) applied(op Op) {
	c.mu.Lock()
	if c.applies == nil {
		c.applies = map[Op]int{}
	}
	c.applies[op]++
	c.mu.Unlock()
}

func (c *Counting) Unwrap() Backend { return c.Inner }

func (c *Counting) Kind() Kind { return c.Inner.Kind() }

func (c *Counting) PrepareGradient(f Scalar, x []float64) (Prepared, error) {
	c.prepared(OpGradient)
	return c.Inner.PrepareGradient(f, x)
}

func (c *Counting) Gradient(g []float64, f Scalar, x []float64, p Prepared) error {
	c.applied(OpGradient)
	return c.Inner.Gradient(g, f, x, p)
}

func (c *Counting) PrepareHessian(f Scalar, x []float64) (Prepared, error) {
	c.prepared(OpHessian)
	return c.Inner.PrepareHessian(f, x)
}

func (c *Counting) Hessian(h *mat.SymDense, f Scalar, x []float64, p Prepared) error {
	c.applied(OpHessian)
	return c.Inner.Hessian(h, f, x, p)
}

func (c *Counting) PrepareHVP(f Scalar, x []float64) (Prepared, error) {
	c.prepared(OpHVP)
	return c.Inner.PrepareHVP(f, x)
}

func (c *Counting) HVP(hv []float64, f Scalar, x, v []float64, p Prepared) error {
	c.applied(OpHVP)
	return c.Inner.HVP(hv, f, x, v, p)
}

func (c *Counting) PrepareJacobian(f Vector, m int, x []float64) (Prepared, error) {
	c.prepared(OpJacobian)
	return c.Inner.PrepareJacobian(f, m, x)
}

func (c *Counting) Jacobian(j *mat.Dense, f Vector, x []float64, p Prepared) error {
	c.applied(OpJacobian)
	return c.Inner.Jacobian(j, f, x, p)
}

func (c *Counting) PrepareVJP(f Vector, m int, x []float64) (Prepared, error) {
	c.prepared(OpVJP)
	return c.Inner.PrepareVJP(f, m, x)
}

func (c *Counting) VJP(out []float64, f Vector, x, w []float64, p Prepared) error {
	c.applied(OpVJP)
	return c.Inner.VJP(out, f, x, w, p)
}

func (c *Counting) PrepareJVP(f Vector, m int, x []float64) (Prepared, error) {
	c.prepared(OpJVP)
	return c.Inner.PrepareJVP(f, m, x)
}

func (c *Counting) JVP(out []float64, f Vector, x, v []float64, p Prepared) error {
	c.applied(OpJVP)
	return c.Inner.JVP(out, f, x, v, p)
}

// The fused methods fail with ErrConfiguration when the wrapped backend lacks
// them; AsFusedGradient and AsFusedHessian see through the wrapper.

func (c *Counting) PrepareValueGradient(f Scalar, x []float64) (Prepared, error) {
	c.prepared(OpValueGradient)
	fg, ok := AsFusedGradient(c.Inner)
	if !ok {
		return nil, opError(OpValueGradient, ErrConfiguration, "%v backend has no fused gradient", c.Inner.Kind())
	}
	return fg.PrepareValueGradient(f, x)
}

func (c *Counting) ValueGradient(g []float64, f Scalar, x []float64, p Prepared) (float64, error) {
	c.applied(OpValueGradient)
	fg, ok := AsFusedGradient(c.Inner)
	if !ok {
		return 0, opError(OpValueGradient, ErrConfiguration, "%v backend has no fused gradient", c.Inner.Kind())
	}
	return fg.ValueGradient(g, f, x, p)
}

func (c *Counting) PrepareValueGradientHessian(f Scalar, x []float64) (Prepared, error) {
	c.prepared(OpValueGradientHessian)
	fh, ok := AsFusedHessian(c.Inner)
	if !ok {
		return nil, opError(OpValueGradientHessian, ErrConfiguration, "%v backend has no fused hessian", c.Inner.Kind())
	}
	return fh.PrepareValueGradientHessian(f, x)
}

func (c *Counting) ValueGradientHessian(g []float64, h *mat.SymDense, f Scalar, x []float64, p Prepared) (float64, error) {
	c.applied(OpValueGradientHessian)
	fh, ok := AsFusedHessian(c.Inner)
	if !ok {
		return 0, opError(OpValueGradientHessian, ErrConfiguration, "%v backend has no fused hessian", c.Inner.Kind())
	}
	return fh.ValueGradientHessian(g, h, f, x, p)
}
