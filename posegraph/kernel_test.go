package posegraph

import "testing"

func TestNewRobustKernelNames(t *testing.T) {
	for _, name := range []string{"huber", "cauchy", "tukey"} {
		k, err := NewRobustKernel(name, 1.0)
		if err != nil {
			t.Fatalf("NewRobustKernel(%q): %v", name, err)
		}
		if k.Name() != name {
			t.Fatalf("Name() = %q, want %q", k.Name(), name)
		}
	}
}

func TestNewRobustKernelUnknownName(t *testing.T) {
	if _, err := NewRobustKernel("bogus", 1.0); err == nil {
		t.Fatal("expected error for unknown kernel name")
	}
}

func TestNewRobustKernelDefaultsDelta(t *testing.T) {
	k, err := NewRobustKernel("huber", 0)
	if err != nil {
		t.Fatalf("NewRobustKernel: %v", err)
	}
	// delta defaults to 1.0, so chi2 == 1 (r == delta) should still weight 1.
	if w := k.Weight(1); w != 1 {
		t.Fatalf("Weight(1) = %v, want 1", w)
	}
}

func TestHuberWeight(t *testing.T) {
	k := huberKernel{delta: 2}
	if w := k.Weight(1); w != 1 {
		t.Fatalf("Weight(1) = %v, want 1 (inside delta)", w)
	}
	// chi2 = 16 -> r = 4, beyond delta=2, weight = delta/r = 0.5
	if w := k.Weight(16); closeEnoughF(w, 0.5, 1e-9) == false {
		t.Fatalf("Weight(16) = %v, want 0.5", w)
	}
}

func TestCauchyWeightDecreasesWithResidual(t *testing.T) {
	k := cauchyKernel{delta: 1}
	w1 := k.Weight(0)
	w2 := k.Weight(10)
	if w1 != 1 {
		t.Fatalf("Weight(0) = %v, want 1", w1)
	}
	if w2 >= w1 {
		t.Fatalf("expected weight to decrease with residual, got %v >= %v", w2, w1)
	}
}

func TestTukeyWeightZerosBeyondDelta(t *testing.T) {
	k := tukeyKernel{delta: 2}
	if w := k.Weight(4.01); w != 0 {
		t.Fatalf("Weight(4.01) = %v, want 0 beyond delta^2", w)
	}
	if w := k.Weight(0); w != 1 {
		t.Fatalf("Weight(0) = %v, want 1", w)
	}
}

func TestChiSquare95Table(t *testing.T) {
	if got := chiSquare95(1); !closeEnoughF(got, 3.8415, 1e-9) {
		t.Fatalf("chiSquare95(1) = %v, want 3.8415", got)
	}
	if got := chiSquare95(3); !closeEnoughF(got, 7.8147, 1e-9) {
		t.Fatalf("chiSquare95(3) = %v, want 7.8147", got)
	}
	if got := chiSquare95(0); got != 0 {
		t.Fatalf("chiSquare95(0) = %v, want 0", got)
	}
}

func TestChiSquare95ExtrapolatesBeyondTable(t *testing.T) {
	in := chiSquare95(10)
	out := chiSquare95(12)
	if out <= in {
		t.Fatalf("expected chiSquare95 to keep increasing past the table, got %v then %v", in, out)
	}
}

func closeEnoughF(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}
