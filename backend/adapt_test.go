package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/curioloop/derivop/numdiff"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
kind: sparse
formula: forward
hessian_step: 1e-3
threshold: 1e-8
concurrent: true
`))
	require.NoError(t, err)
	assert.Equal(t, Config{Kind: SparseKind, Formula: "forward", HessianStep: 1e-3, Threshold: 1e-8, Concurrent: true}, cfg)

	cfg, err = LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":    "kind: symbolic",
		"unknown field":   "kind: dense\ncolor: red",
		"unknown formula": "formula: backward",
		"negative step":   "step: -1",
		"threshold":       "threshold: 2",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestAdapt(t *testing.T) {
	h, err := Adapt(Config{})
	require.NoError(t, err)
	assert.Equal(t, DenseKind, h.Kind())
	assert.Same(t, h.First, h.Second)
	assert.Nil(t, h.Dense)
	fdb := h.First.(*FiniteDiff)
	assert.Equal(t, 0, len(fdb.Formula.Stencil))

	h, err = Adapt(Config{Kind: SparseKind, Formula: "forward", Threshold: 1e-9, Concurrent: true})
	require.NoError(t, err)
	assert.Equal(t, SparseKind, h.Kind())
	assert.Same(t, h.First, h.Second)
	sp := h.Second.(*Sparse)
	assert.Equal(t, numdiff.Forward, sp.Method)
	assert.Equal(t, 1e-9, sp.Threshold)
	require.NotNil(t, h.Dense)
	assert.Same(t, sp.Dense, h.Dense)
	assert.Equal(t, fd.Forward.Step, sp.Dense.Formula.Step)
	assert.True(t, sp.Dense.Concurrent)

	_, err = Adapt(Config{Kind: Kind(7)})
	assert.ErrorIs(t, err, ErrConfiguration)
}
