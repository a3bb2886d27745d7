package sparsity

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCompactUpperKeepsDiscoveryOrder(t *testing.T) {
	h := mat.NewSymDense(3, []float64{
		1, 2, 0,
		2, 4, 5,
		0, 5, 6,
	})
	// deliberately not sorted, and with lower-triangle entries mixed in
	p, err := New(3, 3, []Coord{{2, 2}, {1, 0}, {0, 1}, {1, 2}, {0, 0}, {2, 1}, {1, 1}})
	require.NoError(t, err)

	require.Equal(t, 5, CountUpper(p))
	dst := make([]float64, 5)
	require.NoError(t, CompactUpper(dst, h, p))
	assert.Equal(t, []float64{6, 2, 5, 1, 4}, dst)
}

func TestCompactUpperDensePattern(t *testing.T) {
	h := mat.NewSymDense(3, []float64{
		1, 2, 3,
		2, 4, 5,
		3, 5, 6,
	})
	p := Dense(3, 3)
	dst := make([]float64, CountUpper(p))
	require.NoError(t, CompactUpper(dst, h, p))
	// column-major upper triangle
	assert.Equal(t, []float64{1, 2, 4, 3, 5, 6}, dst)
}

func TestCompactUpperShapeErrors(t *testing.T) {
	h := mat.NewSymDense(2, nil)

	err := CompactUpper(make([]float64, 3), h, Dense(3, 3))
	assert.ErrorIs(t, err, ErrDimension)

	err = CompactUpper(make([]float64, 2), h, Dense(2, 2))
	assert.ErrorIs(t, err, ErrDimension)

	err = ExpandUpper(mat.NewSymDense(2, nil), make([]float64, 4), Dense(2, 2))
	assert.ErrorIs(t, err, ErrDimension)
}

func TestExpandUpperRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	const n = 7

	// random symmetric structure with a full diagonal
	var nz []Coord
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			if i == j || (i < j && rng.Float64() < 0.3) {
				nz = append(nz, Coord{i, j})
				if i != j {
					nz = append(nz, Coord{j, i})
				}
			}
		}
	}
	rng.Shuffle(len(nz), func(a, b int) { nz[a], nz[b] = nz[b], nz[a] })
	p, err := New(n, n, nz)
	require.NoError(t, err)

	h := mat.NewSymDense(n, nil)
	for _, c := range p.NZ {
		if c.Row <= c.Col {
			h.SetSym(c.Row, c.Col, rng.NormFloat64())
		}
	}

	compact := make([]float64, CountUpper(p))
	require.NoError(t, CompactUpper(compact, h, p))

	back := mat.NewSymDense(n, nil)
	back.SetSym(0, 0, 42) // must be overwritten
	require.NoError(t, ExpandUpper(back, compact, p))
	assert.True(t, mat.Equal(h, back))
}

func TestNewRejectsBadCoordinates(t *testing.T) {
	_, err := New(2, 2, []Coord{{2, 0}})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = New(2, 2, []Coord{{0, 1}, {0, 1}})
	assert.Error(t, err)

	_, err = New(-1, 2, nil)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestProbe(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1e-12, 3,
		0, 0, 0,
	})
	b := mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 0, 4,
		1, 0, 0,
	})
	p, err := Probe(1e-8, a, b)
	require.NoError(t, err)
	assert.Equal(t, []Coord{{0, 0}, {2, 0}, {1, 2}}, p.NZ)
	assert.Equal(t, [][]int{{0, 2}, nil, {1}}, p.ColumnRows())
	assert.InDelta(t, 3.0/9.0, p.Density(), 1e-15)

	_, err = Probe(1e-8, a, mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ErrDimension)

	_, err = Probe(1e-8)
	assert.Error(t, err)
}
