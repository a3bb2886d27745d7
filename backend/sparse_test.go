package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/derivop/numdiff"
	"github.com/curioloop/derivop/sparsity"
)

// chain is Σ xᵢxᵢ₊₁ + Σ xᵢ³/3, whose Hessian is tridiagonal.
func chain(x []float64) float64 {
	s := 0.0
	for i, v := range x {
		s += v * v * v / 3
		if i+1 < len(x) {
			s += v * x[i+1]
		}
	}
	return s
}

func chainHess(x []float64) *mat.SymDense {
	n := len(x)
	h := mat.NewSymDense(n, nil)
	for i, v := range x {
		h.SetSym(i, i, 2*v)
		if i+1 < n {
			h.SetSym(i, i+1, 1)
		}
	}
	return h
}

// band couples every residual with its neighbours only.
func band(y, x []float64) {
	n := len(x)
	for i := range y {
		y[i] = x[i] * x[i]
		if i > 0 {
			y[i] -= x[i-1]
		}
		if i+1 < n {
			y[i] += 2 * x[i+1]
		}
	}
}

func bandJac(x []float64) *mat.Dense {
	n := len(x)
	j := mat.NewDense(n, n, nil)
	for i := range x {
		j.Set(i, i, 2*x[i])
		if i > 0 {
			j.Set(i, i-1, -1)
		}
		if i+1 < n {
			j.Set(i, i+1, 2)
		}
	}
	return j
}

func TestSparseHessian(t *testing.T) {
	b := &Sparse{Method: numdiff.Central}
	x := []float64{0.5, -1, 2, 1.5, -0.7, 0.3}

	p, err := b.PrepareHessian(chain, x)
	require.NoError(t, err)
	sp, ok := p.(SparsePrepared)
	require.True(t, ok)

	pattern := sp.Sparsity()
	assert.Equal(t, 3*len(x)-2, pattern.Len())
	// column-major discovery
	assert.Equal(t, []sparsity.Coord{{Row: 0, Col: 0}, {Row: 1, Col: 0}, {Row: 0, Col: 1}, {Row: 1, Col: 1}, {Row: 2, Col: 1}}, pattern.NZ[:5])

	groups := 0
	for _, c := range sp.Colors() {
		groups = max(groups, c+1)
	}
	assert.Equal(t, 3, groups)

	for _, at := range [][]float64{x, {1, 1, 1, 1, 1, 1}, {-2, 0, 3, 0.1, 0.2, -0.4}} {
		h := mat.NewSymDense(len(x), nil)
		require.NoError(t, b.Hessian(h, chain, at, p))
		assert.True(t, mat.EqualApprox(chainHess(at), h, 1e-5), "hessian at %v\n%v", at, mat.Formatted(h))
	}
}

func TestSparseJacobian(t *testing.T) {
	b := &Sparse{Method: numdiff.Central}
	x := []float64{0.5, -1, 2, 1.5, -0.7}

	p, err := b.PrepareJacobian(band, len(x), x)
	require.NoError(t, err)
	sp := p.(SparsePrepared)
	assert.Equal(t, 3*len(x)-2, sp.Sparsity().Len())
	assert.Equal(t, []int{0, 1, 2, 0, 1}, sp.Colors())

	j := mat.NewDense(len(x), len(x), nil)
	for _, at := range [][]float64{x, {0, 0, 0, 0, 0}, {3, -3, 1, 2, 0.5}} {
		require.NoError(t, b.Jacobian(j, band, at, p))
		assert.True(t, mat.EqualApprox(bandJac(at), j, 1e-6), "jacobian at %v\n%v", at, mat.Formatted(j))
	}
	// the caller's point is left untouched
	assert.Equal(t, []float64{0.5, -1, 2, 1.5, -0.7}, x)
}

func TestSparseDelegates(t *testing.T) {
	b := &Sparse{Dense: &FiniteDiff{}}
	x := []float64{0.5, -1, 2}

	p, err := b.PrepareGradient(quadratic, x)
	require.NoError(t, err)
	_, isSparse := p.(SparsePrepared)
	assert.False(t, isSparse)
	g := make([]float64, 3)
	require.NoError(t, b.Gradient(g, quadratic, x, p))
	assert.InDeltaSlice(t, quadraticGrad(x), g, 1e-6)

	// a dense context is not a sparse one
	err = b.Hessian(mat.NewSymDense(3, nil), quadratic, x, p)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, ok := AsFusedGradient(b)
	assert.True(t, ok)
	_, ok = Backend(b).(FusedHessian)
	assert.False(t, ok)
}

func TestSparseHessianOfLinear(t *testing.T) {
	b := &Sparse{Method: numdiff.Central}
	linear := func(x []float64) float64 { return 2*x[0] - x[1] + 0.5*x[2] }
	x := []float64{1, 2, 3}

	p, err := b.PrepareHessian(linear, x)
	require.NoError(t, err)
	assert.Zero(t, p.(SparsePrepared).Sparsity().Len())

	h := mat.NewSymDense(3, nil)
	h.SetSym(0, 2, 9)
	require.NoError(t, b.Hessian(h, linear, x, p))
	assert.True(t, mat.Equal(mat.NewSymDense(3, nil), h))
}
