package posegraph

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// pinv computes the Moore-Penrose pseudo-inverse of a via SVD, the same
// construction (Factorize with SVDThin, UTo/VTo, Values, rebuild via
// V*Sigma+*Ut) this stack's fusion/utils.go already uses to invert
// ill-conditioned covariance matrices. Used here as the normal-equations
// solver for the Levenberg-Marquardt step, which sidesteps having to detect
// gauge freedom (an unconstrained global transform) explicitly: the
// pseudo-inverse returns the minimum-norm solution automatically.
func pinv(a *mat.Dense) *mat.Dense {
	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDThin)
	if !ok {
		r, c := a.Dims()
		return mat.NewDense(c, r, nil)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	_, n := v.Dims()
	sigmaInv := mat.NewDense(n, n, nil)
	const eps = 1e-10
	maxVal := 0.0
	for _, s := range values {
		if s > maxVal {
			maxVal = s
		}
	}
	thresh := eps * maxVal
	for i, s := range values {
		if s > thresh {
			sigmaInv.Set(i, i, 1/s)
		}
	}

	var tmp mat.Dense
	tmp.Mul(&v, sigmaInv)
	var out mat.Dense
	out.Mul(&tmp, u.T())
	return &out
}

func skew(x, y, z float64) [3][3]float64 {
	return [3][3]float64{
		{0, -z, y},
		{z, 0, -x},
		{-y, x, 0},
	}
}

func mat3ToDense(m [3][3]float64) *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

// choleskyOf3x3 returns the lower-triangular Cholesky factor L of a 3x3 SPD
// matrix such that L L^T = m, used to turn an information-weighted residual
// r^T * Info * r into the unweighted least-squares form ||L^T r||^2.
func choleskyOf3x3(m [3][3]float64) *mat.Dense {
	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sym.SetSym(i, j, m[i][j])
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		var l mat.TriDense
		chol.LTo(&l)
		out := mat.NewDense(3, 3, nil)
		out.Copy(&l)
		return out
	}
	// Degenerate information matrix: fall back to its square root U*sqrt(S)
	// from the SVD m = U S V^T (exact for a positive semi-definite m, zero for
	// a zero m), keeping Optimize well-defined even for a caller-supplied
	// non-SPD matrix.
	var svd mat.SVD
	if !svd.Factorize(mat3ToDense(m), mat.SVDThin) {
		return mat.NewDense(3, 3, nil)
	}
	var u mat.Dense
	svd.UTo(&u)
	values := svd.Values(nil)
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, u.At(i, j)*math.Sqrt(values[j]))
		}
	}
	return out
}

func choleskyOf6x6(m [6][6]float64) *mat.Dense {
	sym := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			sym.SetSym(i, j, m[i][j])
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		var l mat.TriDense
		chol.LTo(&l)
		out := mat.NewDense(6, 6, nil)
		out.Copy(&l)
		return out
	}
	d := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return pinv(d)
}
