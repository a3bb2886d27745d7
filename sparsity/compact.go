package sparsity

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CountUpper is the number of pattern entries on or above the diagonal,
// which is the length of a compact Hessian vector.
func CountUpper(p *Pattern) int {
	k := 0
	for _, c := range p.NZ {
		if c.Row <= c.Col {
			k++
		}
	}
	return k
}

// CompactUpper writes the entries H[r,c] with r ≤ c of the symmetric matrix h
// into dst, visiting the pattern in discovery order.
// dst must have exactly CountUpper(p) elements.
func CompactUpper(dst []float64, h mat.Symmetric, p *Pattern) error {
	n := h.SymmetricDim()
	if p.Rows != n || p.Cols != n {
		return fmt.Errorf("%w: hessian %d×%d, pattern %d×%d", ErrDimension, n, n, p.Rows, p.Cols)
	}
	if want := CountUpper(p); len(dst) != want {
		return fmt.Errorf("%w: compact buffer holds %d entries, pattern has %d", ErrDimension, len(dst), want)
	}
	k := 0
	for _, c := range p.NZ {
		if c.Row <= c.Col {
			dst[k] = h.At(c.Row, c.Col)
			k++
		}
	}
	return nil
}

// ExpandUpper is the inverse of CompactUpper: it zeroes dst and scatters src
// back through the pattern.
func ExpandUpper(dst *mat.SymDense, src []float64, p *Pattern) error {
	n := dst.SymmetricDim()
	if p.Rows != n || p.Cols != n {
		return fmt.Errorf("%w: hessian %d×%d, pattern %d×%d", ErrDimension, n, n, p.Rows, p.Cols)
	}
	if want := CountUpper(p); len(src) != want {
		return fmt.Errorf("%w: compact buffer holds %d entries, pattern has %d", ErrDimension, len(src), want)
	}
	dst.Zero()
	k := 0
	for _, c := range p.NZ {
		if c.Row <= c.Col {
			dst.SetSym(c.Row, c.Col, src[k])
			k++
		}
	}
	return nil
}
