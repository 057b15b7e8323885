// Package sensormodel implements the pin-hole projection and the
// depth-uncertainty propagation used to weight landmark observation edges.
// The Jacobian/covariance math is built on gonum/mat the same way this
// stack's EKF already leans on gonum for its own covariance propagation.
package sensormodel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"slammap/config"
	"slammap/geom"
)

// Model converts between image coordinates + depth and 3D camera-frame
// points, and produces information matrices for landmark edges.
type Model struct {
	fx, fy float64
	cx, cy float64
	varU, varV float64
	distCoefs [4]float64
	width, height int
	sensorInRobot geom.SE3
}

// ConfigurationError is returned when the sensor model cannot be built from
// the supplied configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sensormodel: invalid configuration: %s", e.Reason)
}

// New builds a Model from a loaded SensorConfig.
func New(cfg config.SensorConfig) (*Model, error) {
	if cfg.FocalLengthU <= 0 || cfg.FocalLengthV <= 0 {
		return nil, &ConfigurationError{Reason: "focal length must be positive"}
	}
	m := &Model{
		fx: cfg.FocalLengthU,
		fy: cfg.FocalLengthV,
		cx: cfg.PrincipalPtU,
		cy: cfg.PrincipalPtV,
		varU: cfg.VarU,
		varV: cfg.VarV,
		distCoefs: cfg.DistVarCoefs,
		width: cfg.ImageWidth,
		height: cfg.ImageHeight,
		sensorInRobot: geom.FromQuaternion(cfg.PoseTx, cfg.PoseTy, cfg.PoseTz, cfg.PoseQx, cfg.PoseQy, cfg.PoseQz, cfg.PoseQw),
	}
	return m, nil
}

// SensorInRobot returns the rigid offset of the sensor within the robot frame.
func (m *Model) SensorInRobot() geom.SE3 { return m.sensorInRobot }

// GetPoint projects image coordinates (u, v) at depth z into a camera-frame 3D point.
func (m *Model) GetPoint(u, v, z float64) geom.Vec3 {
	return geom.Vec3{
		X: (u - m.cx) * z / m.fx,
		Y: (v - m.cy) * z / m.fy,
		Z: z,
	}
}

const sentinel = -1.0

// InverseModel projects a camera-frame 3D point back to image coordinates
// and depth. Returns the (-1, -1, -1) sentinel when the point is behind the
// camera or falls outside the configured image window.
func (m *Model) InverseModel(p geom.Vec3) (u, v, d float64) {
	if p.Z <= 0 {
		return sentinel, sentinel, sentinel
	}
	u = p.X*m.fx/p.Z + m.cx
	v = p.Y*m.fy/p.Z + m.cy
	if m.width > 0 && (u < 0 || u >= float64(m.width)) {
		return sentinel, sentinel, sentinel
	}
	if m.height > 0 && (v < 0 || v >= float64(m.height)) {
		return sentinel, sentinel, sentinel
	}
	return u, v, p.Z
}

// Visible reports whether InverseModel for p did not hit the sentinel.
func Visible(u, v, d float64) bool {
	return u != sentinel && v != sentinel && d != sentinel
}

// disparityVariance evaluates the depth-noise polynomial C0 + C1*z + C2*z^2 + C3*z^3.
func (m *Model) disparityVariance(z float64) float64 {
	c := m.distCoefs
	return c[0] + c[1]*z + c[2]*z*z + c[3]*z*z*z
}

// jacobian returns d(X,Y,Z)/d(u,v,z) evaluated at (u, v, z), matching GetPoint.
func (m *Model) jacobian(u, v, z float64) *mat.Dense {
	j := mat.NewDense(3, 3, nil)
	j.Set(0, 0, z/m.fx)
	j.Set(0, 2, (u-m.cx)/m.fx)
	j.Set(1, 1, z/m.fy)
	j.Set(1, 2, (v-m.cy)/m.fy)
	j.Set(2, 2, 1)
	return j
}

// Covariance returns the 3x3 world-adjacent (camera-frame) covariance of a
// point observed at image coordinates (u, v) with depth z.
func (m *Model) Covariance(u, v, z float64) *mat.SymDense {
	j := m.jacobian(u, v, z)

	sigma := mat.NewDiagDense(3, []float64{m.varU, m.varV, m.disparityVariance(z)})

	var tmp mat.Dense
	tmp.Mul(j, sigma)
	var cov mat.Dense
	cov.Mul(&tmp, j.T())

	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			sym.SetSym(i, k, cov.At(i, k))
		}
	}
	return sym
}

// InformationMatrix inverts Covariance(u, v, z) via Cholesky, the standard
// approach for an SPD covariance, falling back to SVD-based pseudo-inverse
// (mirroring this stack's own pinv helper) when the covariance is singular
// or near-singular.
func (m *Model) InformationMatrix(u, v, z float64) (*mat.SymDense, error) {
	cov := m.Covariance(u, v, z)

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); ok {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return &inv, nil
		}
	}
	return pinvSym(cov)
}

// InformationMatrixFromImageCoordinates is the numerically preferred entry
// point: it is computed directly from the original measurement rather than
// re-deriving (u, v, z) from a possibly-noisy world point.
func (m *Model) InformationMatrixFromImageCoordinates(u, v, z float64) (*mat.SymDense, error) {
	return m.InformationMatrix(u, v, z)
}

// Identity3 returns the 3x3 identity information matrix used when
// UseUncertainty is disabled.
func Identity3() *mat.SymDense {
	id := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		id.SetSym(i, i, 1)
	}
	return id
}

func pinvSym(a *mat.SymDense) (*mat.SymDense, error) {
	n := a.SymmetricDim()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("sensormodel: svd failed to factorize covariance")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	sInv := mat.NewDiagDense(n, nil)
	const eps = 1e-12
	for i, s := range vals {
		if s > eps {
			sInv.SetDiag(i, 1/s)
		}
	}
	var tmp mat.Dense
	tmp.Mul(&v, sInv)
	var inv mat.Dense
	inv.Mul(&tmp, u.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return out, nil
}
