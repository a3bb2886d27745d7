package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// ApproxSpec estimates the m×n Jacobian of a vector function by finite differences.
//
// When Groups is set the columns are differenced in compressed form: all columns
// sharing a group are perturbed together, so the number of function evaluations
// depends on the number of groups instead of n. Each entry is then recovered from
// Structure, which must not contain two columns of the same group sharing a row.
//
// # Reference:
//
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
//   - A.R. Curtis, M.J.D. Powell, J.K. Reid, "On the estimation of sparse Jacobian matrices",
//     IMA Journal of Applied Mathematics, 13 (1974), pp. 117-120.
//
// # License
//
//   - https://github.com/scipy/scipy/blob/main/LICENSE.txt
type ApproxSpec struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is store in an m-vector y.
	Object func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0)) with RelStep being selected automatically.
	// Otherwise, absolute step size is computed as h = RelStep * sign(x0) * abs(x0) when RelStep is provided.
	RelStep float64
	// Absolute step size to use.
	// The RelStep is used when AbsStep is not provide.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Groups assigns every column to a group numbered from 0.
	Groups []int
	// Structure lists the structurally nonzero rows of every column.
	Structure [][]int
	approxCtx
}

type approxCtx struct {
	f0, fx  []float64
	dx, xs  []float64
	absStep []float64
	groups  int
}

// Check the parameters and initialize approxCtx.
// The work buffers survive across calls as long as the dimensions do not change.
func (as *ApproxSpec) Check(x0, diff []float64) (err error) {

	switch {
	case as.N <= 0 || as.M <= 0:
		err = errors.New("negative dimensions")
	case as.Method != Forward && as.Method != Central:
		err = errors.New("unknown method")
	case as.Object == nil:
		err = errors.New("object function is required")
	case as.N != len(x0):
		return errors.New("invalid x0 dimensions")
	case as.N*as.M != len(diff):
		return errors.New("invalid diff dimensions")
	case as.Groups != nil && len(as.Groups) != as.N:
		err = errors.New("invalid group dimensions")
	case as.Groups != nil && len(as.Structure) != as.N:
		err = errors.New("structure is required for grouped columns")
	}

	if err == nil && as.Groups != nil {
		as.groups = 0
		for j, g := range as.Groups {
			if g < 0 || g >= as.N {
				err = errors.New("invalid column group")
				break
			}
			as.groups = max(as.groups, g+1)
			for _, i := range as.Structure[j] {
				if i < 0 || i >= as.M {
					err = errors.New("invalid structure row")
					break
				}
			}
		}
	}

	if len(as.fx) != as.M*(int(as.Method)+1) {
		as.f0 = make([]float64, as.M)
		as.fx = make([]float64, as.M*(int(as.Method)+1))
	}
	if len(as.absStep) != as.N {
		as.absStep = make([]float64, as.N)
		as.dx = make([]float64, as.N)
		as.xs = make([]float64, as.N)
	}
	return
}

// Diff calculate approximation of derivatives by finite differences.
// The result is stored row-major: diff[i*N+j] = ∂yᵢ/∂xⱼ.
// Entries outside Structure are set to zero in grouped mode.
func (as *ApproxSpec) Diff(x0, diff []float64) error {

	if err := as.Check(x0, diff); err != nil {
		return err
	}

	as.absoluteStep(x0)
	if as.Method == Central {
		for i, v := range as.absStep {
			as.absStep[i] = math.Abs(v)
		}
	}

	switch {
	case as.Groups != nil:
		as.approxGrouped(x0, diff)
	case as.Method == Central:
		as.approxCentral(x0, diff)
	default:
		as.approxForward(x0, diff)
	}

	return nil
}

func (as *ApproxSpec) absoluteStep(x0 []float64) {
	h := as.absStep
	if len(h) != len(x0) {
		panic("bound check error")
	}

	var eps float64
	switch as.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	abs := as.AbsStep
	rel := as.RelStep
	if abs == 0 && rel == 0 {
		for i, v := range x0 {
			h[i] = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
	} else {
		for i, v := range x0 {
			s := abs
			if s == 0 {
				s = math.Copysign(rel, v) * math.Abs(v)
			}
			if (v+s)-v == 0 {
				s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
			}
			h[i] = s
		}
	}
}

func (as *ApproxSpec) approxForward(x0, df []float64) {

	f0, fx, h, n := as.f0, as.fx, as.absStep, as.N
	if len(h) != len(x0) || len(f0) != len(fx) {
		panic("bound check error")
	}

	fun := as.Object
	fun(x0, f0)
	for j, s := range h {
		t := x0[j]
		x0[j] = t + s
		d := 1.0 / (x0[j] - t)
		fun(x0, fx)
		x0[j] = t
		for i := range f0 {
			df[j+i*n] = (fx[i] - f0[i]) * d
		}
	}
}

func (as *ApproxSpec) approxCentral(x0, df []float64) {

	h, n, m := as.absStep, as.N, as.M
	f1, f2 := as.fx[:m], as.fx[m:]
	if len(h) != len(x0) || len(f1) != len(f2) {
		panic("bound check error")
	}

	fun := as.Object
	for j, s := range h {
		t := x0[j]
		x0[j] = t - s
		lo := x0[j]
		fun(x0, f1)
		x0[j] = t + s
		d := 1.0 / (x0[j] - lo)
		fun(x0, f2)
		x0[j] = t
		for i := range f1 {
			df[j+i*n] = (f2[i] - f1[i]) * d
		}
	}
}

// approxGrouped perturbs every column of a group at once and scatters the
// differences back through the structure.
func (as *ApproxSpec) approxGrouped(x0, df []float64) {

	h, dx, xs, n, m := as.absStep, as.dx, as.xs, as.N, as.M
	groups, structure := as.Groups, as.Structure
	if len(h) != len(x0) || len(dx) != len(x0) || len(xs) != len(x0) || len(groups) != n {
		panic("bound check error")
	}

	clear(df)
	copy(xs, x0)

	fun := as.Object
	central := as.Method == Central
	f0, f1 := as.f0, as.fx[:m]
	f2 := f1
	if central {
		f2 = as.fx[m:]
	} else {
		fun(x0, f0)
	}

	for g := 0; g < as.groups; g++ {
		if central {
			as.perturb(x0, g, -1)
			fun(x0, f1)
			as.perturb(x0, g, 1)
			fun(x0, f2)
		} else {
			as.perturb(x0, g, 1)
			fun(x0, f1)
		}
		copy(x0, xs)

		for j, k := range groups {
			if k != g {
				continue
			}
			if central {
				dx[j] = (xs[j] + h[j]) - (xs[j] - h[j])
			} else {
				dx[j] = (xs[j] + h[j]) - xs[j]
			}
			d := 1.0 / dx[j]
			for _, i := range structure[j] {
				if central {
					df[j+i*n] = (f2[i] - f1[i]) * d
				} else {
					df[j+i*n] = (f1[i] - f0[i]) * d
				}
			}
		}
	}
}

// perturb sets the columns of group g to x + k×h.
func (as *ApproxSpec) perturb(x0 []float64, g int, k float64) {
	for j, c := range as.Groups {
		if c == g {
			x0[j] = as.xs[j] + k*as.absStep[j]
		}
	}
}
