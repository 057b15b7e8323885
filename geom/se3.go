// Package geom implements the small set of SE(3) rigid-transform and vector
// operations the map, sensor model, and pose graph share. Matrix building
// blocks follow the hand-rolled style this stack already uses for its
// numerical code, built on top of gonum/mat rather than a dedicated
// geometry library, since gonum is the linear-algebra dependency already
// pulled into the stack.
package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a 3D point or vector.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Norm() float64   { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// SE3 is a rigid body transform: rotation R (3x3, stored row-major) plus translation T.
type SE3 struct {
	R [3][3]float64
	T Vec3
}

// Identity returns the identity transform.
func Identity() SE3 {
	return SE3{R: [3][3]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}}
}

// Translation returns a pure-translation transform.
func Translation(x, y, z float64) SE3 {
	s := Identity()
	s.T = Vec3{x, y, z}
	return s
}

// FromQuaternion builds an SE3 from a translation and a unit quaternion (x, y, z, w).
func FromQuaternion(tx, ty, tz, qx, qy, qz, qw float64) SE3 {
	n := math.Sqrt(qx*qx + qy*qy + qz*qz + qw*qw)
	if n > 0 {
		qx, qy, qz, qw = qx/n, qy/n, qz/n, qw/n
	}
	xx, yy, zz := qx*qx, qy*qy, qz*qz
	xy, xz, yz := qx*qy, qx*qz, qy*qz
	wx, wy, wz := qw*qx, qw*qy, qw*qz

	var s SE3
	s.T = Vec3{tx, ty, tz}
	s.R[0] = [3]float64{1 - 2*(yy+zz), 2 * (xy - wz), 2 * (xz + wy)}
	s.R[1] = [3]float64{2 * (xy + wz), 1 - 2*(xx+zz), 2 * (yz - wx)}
	s.R[2] = [3]float64{2 * (xz - wy), 2 * (yz + wx), 1 - 2*(xx+yy)}
	return s
}

// Quaternion returns the (x, y, z, w) quaternion equivalent to s.R.
func (s SE3) Quaternion() (qx, qy, qz, qw float64) {
	m := s.R
	tr := m[0][0] + m[1][1] + m[2][2]
	switch {
	case tr > 0:
		S := math.Sqrt(tr+1.0) * 2
		qw = 0.25 * S
		qx = (m[2][1] - m[1][2]) / S
		qy = (m[0][2] - m[2][0]) / S
		qz = (m[1][0] - m[0][1]) / S
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		S := math.Sqrt(1.0+m[0][0]-m[1][1]-m[2][2]) * 2
		qw = (m[2][1] - m[1][2]) / S
		qx = 0.25 * S
		qy = (m[0][1] + m[1][0]) / S
		qz = (m[0][2] + m[2][0]) / S
	case m[1][1] > m[2][2]:
		S := math.Sqrt(1.0+m[1][1]-m[0][0]-m[2][2]) * 2
		qw = (m[0][2] - m[2][0]) / S
		qx = (m[0][1] + m[1][0]) / S
		qy = 0.25 * S
		qz = (m[1][2] + m[2][1]) / S
	default:
		S := math.Sqrt(1.0+m[2][2]-m[0][0]-m[1][1]) * 2
		qw = (m[1][0] - m[0][1]) / S
		qx = (m[0][2] + m[2][0]) / S
		qy = (m[1][2] + m[2][1]) / S
		qz = 0.25 * S
	}
	return
}

// Compose returns s followed by o: (s * o), i.e. apply s first then o in world frame
// composition order matching the odometry invariant pose_i = pose_{i-1} . odo_i.
func (s SE3) Compose(o SE3) SE3 {
	var out SE3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += s.R[i][k] * o.R[k][j]
			}
			out.R[i][j] = sum
		}
	}
	out.T = s.Apply(o.T)
	return out
}

// Apply transforms point p by s: R*p + T.
func (s SE3) Apply(p Vec3) Vec3 {
	return Vec3{
		X: s.R[0][0]*p.X + s.R[0][1]*p.Y + s.R[0][2]*p.Z + s.T.X,
		Y: s.R[1][0]*p.X + s.R[1][1]*p.Y + s.R[1][2]*p.Z + s.T.Y,
		Z: s.R[2][0]*p.X + s.R[2][1]*p.Y + s.R[2][2]*p.Z + s.T.Z,
	}
}

// Inverse returns the inverse transform: R' = Rt, T' = -Rt*T.
func (s SE3) Inverse() SE3 {
	var out SE3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = s.R[j][i]
		}
	}
	out.T = Vec3{
		X: -(out.R[0][0]*s.T.X + out.R[0][1]*s.T.Y + out.R[0][2]*s.T.Z),
		Y: -(out.R[1][0]*s.T.X + out.R[1][1]*s.T.Y + out.R[1][2]*s.T.Z),
		Z: -(out.R[2][0]*s.T.X + out.R[2][1]*s.T.Y + out.R[2][2]*s.T.Z),
	}
	return out
}

// RotationDense returns the rotation block as a gonum dense matrix, for
// Jacobian assembly in sensormodel and posegraph.
func (s SE3) RotationDense() *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, s.R[i][j])
		}
	}
	return d
}

// ToArray12 returns the 3x4 row-major pose used by the text persistence format.
func (s SE3) ToArray12() [12]float64 {
	return [12]float64{
		s.R[0][0], s.R[0][1], s.R[0][2], s.T.X,
		s.R[1][0], s.R[1][1], s.R[1][2], s.T.Y,
		s.R[2][0], s.R[2][1], s.R[2][2], s.T.Z,
	}
}

// FromArray12 rebuilds an SE3 from the row-major 3x4 persistence format.
func FromArray12(a [12]float64) SE3 {
	var s SE3
	s.R[0] = [3]float64{a[0], a[1], a[2]}
	s.R[1] = [3]float64{a[4], a[5], a[6]}
	s.R[2] = [3]float64{a[8], a[9], a[10]}
	s.T = Vec3{a[3], a[7], a[11]}
	return s
}
