package geom

import (
	"math"
	"testing"
)

func closeEnough(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func vecClose(t *testing.T, got, want Vec3, eps float64) {
	t.Helper()
	if !closeEnough(got.X, want.X, eps) || !closeEnough(got.Y, want.Y, eps) || !closeEnough(got.Z, want.Z, eps) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestIdentityApply(t *testing.T) {
	p := Vec3{1, 2, 3}
	got := Identity().Apply(p)
	vecClose(t, got, p, 1e-12)
}

func TestComposeInverseIsIdentity(t *testing.T) {
	s := FromQuaternion(1, 2, 3, 0.1, 0.2, 0.3, 0.9)
	inv := s.Inverse()
	composed := s.Compose(inv)
	identity := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !closeEnough(composed.R[i][j], identity.R[i][j], 1e-9) {
				t.Fatalf("R[%d][%d] = %v, want %v", i, j, composed.R[i][j], identity.R[i][j])
			}
		}
	}
	vecClose(t, composed.T, Vec3{}, 1e-9)
}

func TestQuaternionRoundTrip(t *testing.T) {
	s := FromQuaternion(0, 0, 0, 0.0, 0.7071, 0.0, 0.7071)
	qx, qy, qz, qw := s.Quaternion()
	rebuilt := FromQuaternion(0, 0, 0, qx, qy, qz, qw)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !closeEnough(s.R[i][j], rebuilt.R[i][j], 1e-6) {
				t.Fatalf("R[%d][%d] = %v, want %v", i, j, rebuilt.R[i][j], s.R[i][j])
			}
		}
	}
}

func TestArray12RoundTrip(t *testing.T) {
	s := FromQuaternion(1.5, -2.5, 3.5, 0.1, 0.2, 0.3, 0.9)
	a := s.ToArray12()
	rebuilt := FromArray12(a)
	vecClose(t, rebuilt.T, s.T, 1e-12)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if rebuilt.R[i][j] != s.R[i][j] {
				t.Fatalf("R[%d][%d] = %v, want %v", i, j, rebuilt.R[i][j], s.R[i][j])
			}
		}
	}
}

func TestComposeMatchesOdometryChain(t *testing.T) {
	pose0 := Translation(0, 0, 0)
	odo1 := Translation(1, 0, 0)
	odo2 := Translation(0, 1, 0)

	pose1 := pose0.Compose(odo1)
	pose2 := pose1.Compose(odo2)

	vecClose(t, pose1.T, Vec3{1, 0, 0}, 1e-12)
	vecClose(t, pose2.T, Vec3{1, 1, 0}, 1e-12)
}
