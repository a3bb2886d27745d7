package backend

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var quadA = mat.NewSymDense(3, []float64{
	4, 1, 0,
	1, 3, -1,
	0, -1, 2,
})

var quadB = []float64{1, -2, 0.5}

// quadratic is ½xᵀAx + bᵀx.
func quadratic(x []float64) float64 {
	v := mat.NewVecDense(len(x), x)
	return 0.5*mat.Inner(v, quadA, v) + floats.Dot(quadB, x)
}

func quadraticGrad(x []float64) []float64 {
	g := mat.NewVecDense(len(x), nil)
	g.MulVec(quadA, mat.NewVecDense(len(x), x))
	floats.Add(g.RawVector().Data, quadB)
	return g.RawVector().Data
}

// circle maps ℝ³ → ℝ² with a nonlinear first row and a linear second row.
func circle(y, x []float64) {
	y[0] = x[0]*x[0] + x[1]*x[1] + x[2]*x[2] - 1
	y[1] = x[0] - 2*x[1] + 3*x[2]
}

func circleJac(x []float64) *mat.Dense {
	return mat.NewDense(2, 3, []float64{
		2 * x[0], 2 * x[1], 2 * x[2],
		1, -2, 3,
	})
}

func TestFiniteDiffGradient(t *testing.T) {
	b := &FiniteDiff{}
	x0 := []float64{0.5, -1, 2}
	p, err := b.PrepareGradient(quadratic, x0)
	require.NoError(t, err)
	assert.Equal(t, OpGradient, p.Op())

	for _, x := range [][]float64{x0, {1, 2, 3}, {-0.3, 0, 7}} {
		g := make([]float64, 3)
		require.NoError(t, b.Gradient(g, quadratic, x, p))
		assert.InDeltaSlice(t, quadraticGrad(x), g, 1e-6)
	}

	fg, ok := AsFusedGradient(b)
	require.True(t, ok)
	pv, err := fg.PrepareValueGradient(quadratic, x0)
	require.NoError(t, err)
	g := make([]float64, 3)
	v, err := fg.ValueGradient(g, quadratic, x0, pv)
	require.NoError(t, err)
	assert.Equal(t, quadratic(x0), v)
	assert.InDeltaSlice(t, quadraticGrad(x0), g, 1e-6)
}

func TestFiniteDiffHessianAndProducts(t *testing.T) {
	b := &FiniteDiff{}
	x := []float64{0.5, -1, 2}

	p, err := b.PrepareHessian(quadratic, x)
	require.NoError(t, err)
	h := mat.NewSymDense(3, nil)
	require.NoError(t, b.Hessian(h, quadratic, x, p))
	assert.True(t, mat.EqualApprox(quadA, h, 1e-5), "hessian\n%v", mat.Formatted(h))

	v := []float64{1, 0.5, -2}
	want := mat.NewVecDense(3, nil)
	want.MulVec(quadA, mat.NewVecDense(3, v))
	ph, err := b.PrepareHVP(quadratic, x)
	require.NoError(t, err)
	hv := make([]float64, 3)
	require.NoError(t, b.HVP(hv, quadratic, x, v, ph))
	assert.InDeltaSlice(t, want.RawVector().Data, hv, 1e-5)

	// zero direction
	require.NoError(t, b.HVP(hv, quadratic, x, make([]float64, 3), ph))
	assert.Equal(t, []float64{0, 0, 0}, hv)

	fh, ok := AsFusedHessian(b)
	require.True(t, ok)
	pf, err := fh.PrepareValueGradientHessian(quadratic, x)
	require.NoError(t, err)
	g := make([]float64, 3)
	val, err := fh.ValueGradientHessian(g, h, quadratic, x, pf)
	require.NoError(t, err)
	assert.Equal(t, quadratic(x), val)
	assert.InDeltaSlice(t, quadraticGrad(x), g, 1e-6)
	assert.True(t, mat.EqualApprox(quadA, h, 1e-5))
}

func TestFiniteDiffJacobianProducts(t *testing.T) {
	b := &FiniteDiff{}
	x := []float64{0.2, 0.3, -0.4}

	p, err := b.PrepareJacobian(circle, 2, x)
	require.NoError(t, err)
	j := mat.NewDense(2, 3, nil)
	require.NoError(t, b.Jacobian(j, circle, x, p))
	assert.True(t, mat.EqualApprox(circleJac(x), j, 1e-7))

	w := []float64{2, -1}
	var want mat.VecDense
	want.MulVec(circleJac(x).T(), mat.NewVecDense(2, w))
	pv, err := b.PrepareVJP(circle, 2, x)
	require.NoError(t, err)
	out := make([]float64, 3)
	require.NoError(t, b.VJP(out, circle, x, w, pv))
	assert.InDeltaSlice(t, want.RawVector().Data, out, 1e-6)

	v := []float64{1, 1, -1}
	want.Reset()
	want.MulVec(circleJac(x), mat.NewVecDense(3, v))
	pj, err := b.PrepareJVP(circle, 2, x)
	require.NoError(t, err)
	out = make([]float64, 2)
	require.NoError(t, b.JVP(out, circle, x, v, pj))
	assert.InDeltaSlice(t, want.RawVector().Data, out, 1e-6)
}

func TestPreparationErrors(t *testing.T) {
	b := &FiniteDiff{}
	cases := []struct {
		name string
		f    Scalar
		x    []float64
	}{
		{"empty point", quadratic, nil},
		{"nil function", nil, []float64{1}},
		{"not finite", func(x []float64) float64 { return math.Log(x[0]) }, []float64{-1}},
		{"panic", func(x []float64) float64 { return x[5] }, []float64{1, 2}},
		{"infinite point", quadratic, []float64{1, math.Inf(1), 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.PrepareHessian(tc.f, tc.x)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPreparation)
			var oe *OpError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, "hessian", oe.Op)
		})
	}

	_, err := b.PrepareJacobian(circle, 0, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrPreparation)
}

func TestApplyErrors(t *testing.T) {
	b := &FiniteDiff{}
	x := []float64{0.5, -1, 2}
	p, err := b.PrepareGradient(quadratic, x)
	require.NoError(t, err)

	// context of another operator
	err = b.Hessian(mat.NewSymDense(3, nil), quadratic, x, p)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// another arity
	err = b.Gradient(make([]float64, 2), quadratic, x[:2], p)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = b.Gradient(make([]float64, 4), quadratic, x, p)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	boom := func(x []float64) float64 {
		if x[0] > 10 {
			panic("out of domain")
		}
		return quadratic(x)
	}
	err = b.Gradient(make([]float64, 3), boom, []float64{11, 0, 0}, p)
	assert.ErrorIs(t, err, ErrEvaluation)

	pj, err := b.PrepareJacobian(circle, 2, x)
	require.NoError(t, err)
	err = b.Jacobian(mat.NewDense(3, 2, nil), circle, x, pj)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// a sparse context handed to the dense backend
	ps, err := (&Sparse{}).PrepareJacobian(circle, 2, x)
	require.NoError(t, err)
	err = b.Jacobian(mat.NewDense(2, 3, nil), circle, x, ps)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCounting(t *testing.T) {
	c := NewCounting(&FiniteDiff{})
	x := []float64{0.5, -1, 2}
	p, err := c.PrepareGradient(quadratic, x)
	require.NoError(t, err)
	g := make([]float64, 3)
	for i := 0; i < 5; i++ {
		x[0] += 0.1
		require.NoError(t, c.Gradient(g, quadratic, x, p))
	}
	assert.Equal(t, 1, c.Prepares(OpGradient))
	assert.Equal(t, 5, c.Applies(OpGradient))
	assert.Equal(t, 0, c.Prepares(OpHessian))

	_, ok := AsFusedHessian(c)
	assert.True(t, ok)
	_, ok = AsFusedHessian(NewCounting(&Sparse{}))
	assert.False(t, ok)
	_, ok = AsFusedGradient(NewCounting(&Sparse{}))
	assert.True(t, ok)

	_, err = NewCounting(&Sparse{}).PrepareValueGradientHessian(quadratic, x)
	assert.ErrorIs(t, err, ErrConfiguration)

	c.Reset()
	assert.Equal(t, 0, c.Applies(OpGradient))
}

func TestHandlesFallback(t *testing.T) {
	dense := &FiniteDiff{}
	h := Handles{First: dense, Second: dense}
	assert.Equal(t, DenseKind, h.Kind())
	assert.Same(t, dense, h.Fallback(dense))

	sparse := &Sparse{Dense: dense}
	h = Handles{First: sparse, Second: sparse, Dense: dense}
	assert.Equal(t, SparseKind, h.Kind())
	assert.Equal(t, Backend(dense), h.Fallback(sparse))
}
