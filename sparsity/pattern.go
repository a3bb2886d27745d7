// Package sparsity describes which entries of a Jacobian or Hessian are
// structurally nonzero, and packs symmetric matrices into the flat
// upper-triangular vectors consumed by sparse solvers.
//
// A Pattern keeps its coordinates in the order they were discovered. That
// order is part of the contract: compact Hessian vectors are indexed
// positionally by the solver, so the coordinates are never re-sorted.
package sparsity

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDimension reports a matrix or buffer whose shape disagrees with a pattern.
var ErrDimension = errors.New("sparsity: dimension mismatch")

// Coord is the position of a structurally nonzero entry.
type Coord struct {
	Row, Col int
}

// Pattern is the structure of an r×c matrix.
type Pattern struct {
	Rows, Cols int
	// NZ holds the nonzero coordinates in discovery order.
	NZ []Coord
}

// New validates the coordinates and returns a pattern that keeps their order.
func New(rows, cols int, nz []Coord) (*Pattern, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: negative shape %d×%d", ErrDimension, rows, cols)
	}
	seen := make(map[Coord]struct{}, len(nz))
	for _, c := range nz {
		if c.Row < 0 || c.Row >= rows || c.Col < 0 || c.Col >= cols {
			return nil, fmt.Errorf("%w: coordinate (%d,%d) outside %d×%d", ErrDimension, c.Row, c.Col, rows, cols)
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("sparsity: duplicate coordinate (%d,%d)", c.Row, c.Col)
		}
		seen[c] = struct{}{}
	}
	return &Pattern{Rows: rows, Cols: cols, NZ: append([]Coord(nil), nz...)}, nil
}

// Dense returns the pattern where every entry is nonzero, discovered column by column.
func Dense(rows, cols int) *Pattern {
	nz := make([]Coord, 0, rows*cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			nz = append(nz, Coord{i, j})
		}
	}
	return &Pattern{Rows: rows, Cols: cols, NZ: nz}
}

// Probe discovers the union of the nonzero entries of several samples of the
// same matrix. An entry counts as nonzero when its magnitude exceeds tol times
// the largest magnitude seen (or tol itself when everything is below one).
// Columns are scanned left to right and rows top to bottom.
func Probe(tol float64, samples ...mat.Matrix) (*Pattern, error) {
	if len(samples) == 0 {
		return nil, errors.New("sparsity: no samples to probe")
	}
	rows, cols := samples[0].Dims()
	scale := 1.0
	for _, s := range samples {
		if r, c := s.Dims(); r != rows || c != cols {
			return nil, fmt.Errorf("%w: sample %d×%d, want %d×%d", ErrDimension, r, c, rows, cols)
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				v := s.At(i, j)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, fmt.Errorf("sparsity: non-finite sample entry at (%d,%d)", i, j)
				}
				scale = math.Max(scale, math.Abs(v))
			}
		}
	}

	cut := tol * scale
	var nz []Coord
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			for _, s := range samples {
				if math.Abs(s.At(i, j)) > cut {
					nz = append(nz, Coord{i, j})
					break
				}
			}
		}
	}
	return &Pattern{Rows: rows, Cols: cols, NZ: nz}, nil
}

// Len is the number of structurally nonzero entries.
func (p *Pattern) Len() int {
	return len(p.NZ)
}

// ColumnRows lists the nonzero rows of every column, in discovery order.
func (p *Pattern) ColumnRows() [][]int {
	s := make([][]int, p.Cols)
	for _, c := range p.NZ {
		s[c.Col] = append(s[c.Col], c.Row)
	}
	return s
}

// Density is the fraction of nonzero entries.
func (p *Pattern) Density() float64 {
	if p.Rows == 0 || p.Cols == 0 {
		return 0
	}
	return float64(len(p.NZ)) / float64(p.Rows*p.Cols)
}
