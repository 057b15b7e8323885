package posegraph

import (
	"slammap/geom"
)

// VertexSE3 is a camera pose vertex in the graph.
type VertexSE3 struct {
	ID        uint32
	Pose      geom.SE3
	Timestamp float64
	Fixed     bool
}

// Vertex3D is a landmark position vertex in the graph.
type Vertex3D struct {
	ID       uint32
	Position geom.Vec3
	Fixed    bool
}

// Edge3D is a landmark observation constraint: FromPose observed ToLandmark
// at camera-frame Measurement with information Info (3x3 SPD, row-major).
type Edge3D struct {
	FromPose   uint32
	ToLandmark uint32
	Measurement geom.Vec3
	Info       [3][3]float64
}

// EdgeSE3 is a pose-to-pose constraint (odometry or loop closure).
type EdgeSE3 struct {
	FromPose uint32
	ToPose   uint32
	Measurement geom.SE3
	Info       [6][6]float64
}

// Identity3x3 returns the SPD identity used when an edge carries no
// uncertainty estimate.
func Identity3x3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// IdentityInfo6 returns the identity 6x6 information matrix used for
// loop-closure / externally-estimated odometry edges (see Design Notes:
// no synthetic loop-edge uncertainty model is invented here).
func IdentityInfo6() [6][6]float64 {
	var m [6][6]float64
	for i := 0; i < 6; i++ {
		m[i][i] = 1
	}
	return m
}
