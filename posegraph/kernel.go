package posegraph

import "math"

// RobustKernel reshapes a squared residual (chi2) into a down-weighted
// scale factor applied to the edge's information matrix for one
// linearization, standard practice against outlier measurements.
type RobustKernel interface {
	// Weight returns the multiplicative factor applied to the edge's
	// information matrix given its current squared Mahalanobis residual.
	Weight(chi2 float64) float64
	Name() string
}

type huberKernel struct{ delta float64 }

func (h huberKernel) Name() string { return "huber" }
func (h huberKernel) Weight(chi2 float64) float64 {
	r := math.Sqrt(math.Max(chi2, 0))
	if r <= h.delta {
		return 1
	}
	return h.delta / r
}

type cauchyKernel struct{ delta float64 }

func (c cauchyKernel) Name() string { return "cauchy" }
func (c cauchyKernel) Weight(chi2 float64) float64 {
	d2 := c.delta * c.delta
	return d2 / (d2 + chi2)
}

type tukeyKernel struct{ delta float64 }

func (t tukeyKernel) Name() string { return "tukey" }
func (t tukeyKernel) Weight(chi2 float64) float64 {
	d2 := t.delta * t.delta
	if chi2 > d2 {
		return 0
	}
	f := 1 - chi2/d2
	return f * f
}

// NewRobustKernel builds a kernel by name ("huber", "cauchy", "tukey").
func NewRobustKernel(name string, delta float64) (RobustKernel, error) {
	if delta <= 0 {
		delta = 1.0
	}
	switch name {
	case "huber":
		return huberKernel{delta: delta}, nil
	case "cauchy":
		return cauchyKernel{delta: delta}, nil
	case "tukey":
		return tukeyKernel{delta: delta}, nil
	default:
		return nil, &ConfigurationError{Reason: "unknown robust kernel: " + name}
	}
}

// chiSquareThreshold95 gives the chi-square 0.95 quantile for degrees of
// freedom 1..10, the same lookup-table idiom this stack already used for
// gating virtual measurements; used here to default an edge-pruning
// threshold when the caller passes zero instead of disabling pruning.
var chiSquareThreshold95 = []float64{3.8415, 5.9915, 7.8147, 9.4877, 11.0705, 12.5916, 14.0671, 15.5073, 16.9189, 18.3070}

func chiSquare95(dof int) float64 {
	if dof <= 0 {
		return 0
	}
	if dof <= len(chiSquareThreshold95) {
		return chiSquareThreshold95[dof-1]
	}
	return chiSquareThreshold95[len(chiSquareThreshold95)-1] + float64(dof-len(chiSquareThreshold95))*2
}
