package posegraph

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestPinvOfIdentityIsIdentity(t *testing.T) {
	id := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	got := pinv(id)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if !closeEnoughF(got.At(i, j), want, 1e-9) {
				t.Fatalf("pinv(I)[%d][%d] = %v, want %v", i, j, got.At(i, j), want)
			}
		}
	}
}

func TestPinvOfDiagonal(t *testing.T) {
	d := mat.NewDense(2, 2, []float64{2, 0, 0, 4})
	got := pinv(d)
	if !closeEnoughF(got.At(0, 0), 0.5, 1e-9) || !closeEnoughF(got.At(1, 1), 0.25, 1e-9) {
		t.Fatalf("pinv(diag(2,4)) = %v, want diag(0.5, 0.25)", mat.Formatted(got))
	}
}

func TestPinvOfSingularMatrixDoesNotPanic(t *testing.T) {
	// Rank-deficient: rows are linearly dependent.
	s := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	got := pinv(s)
	r, c := got.Dims()
	if r != 2 || c != 2 {
		t.Fatalf("pinv dims = %dx%d, want 2x2", r, c)
	}
}

func TestSkewIsAntisymmetric(t *testing.T) {
	m := skew(1, 2, 3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if m[i][j] != -m[j][i] {
				t.Fatalf("skew not antisymmetric at [%d][%d]: %v vs %v", i, j, m[i][j], m[j][i])
			}
		}
	}
}

func TestSkewAppliedToSelfIsZero(t *testing.T) {
	x, y, z := 1.0, 2.0, 3.0
	m := skew(x, y, z)
	// skew(v) * v == v x v == 0
	out := [3]float64{}
	v := [3]float64{x, y, z}
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	for _, c := range out {
		if !closeEnoughF(c, 0, 1e-9) {
			t.Fatalf("skew(v)*v = %v, want zero vector", out)
		}
	}
}

func TestCholeskyOf3x3RoundTrip(t *testing.T) {
	m := [3][3]float64{
		{4, 0, 0},
		{0, 9, 0},
		{0, 0, 16},
	}
	L := choleskyOf3x3(m)
	var recon mat.Dense
	recon.Mul(L, L.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !closeEnoughF(recon.At(i, j), m[i][j], 1e-6) {
				t.Fatalf("L*L^T[%d][%d] = %v, want %v", i, j, recon.At(i, j), m[i][j])
			}
		}
	}
}

func TestCholeskyOf3x3FallsBackOnDegenerate(t *testing.T) {
	// Not SPD (zero matrix): Factorize fails, must fall back to pinv without panicking.
	var zero [3][3]float64
	L := choleskyOf3x3(zero)
	r, c := L.Dims()
	if r != 3 || c != 3 {
		t.Fatalf("fallback dims = %dx%d, want 3x3", r, c)
	}
}

func TestCholeskyOf6x6RoundTrip(t *testing.T) {
	m := IdentityInfo6()
	L := choleskyOf6x6(m)
	var recon mat.Dense
	recon.Mul(L, L.T())
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			if !closeEnoughF(recon.At(i, j), m[i][j], 1e-9) {
				t.Fatalf("L*L^T[%d][%d] = %v, want %v", i, j, recon.At(i, j), m[i][j])
			}
		}
	}
}
