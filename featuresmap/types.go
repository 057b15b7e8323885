package featuresmap

import (
	"slammap/geom"
)

// FeatureStartID offsets landmark ids away from pose ids so both share a
// single graph id space without colliding.
const FeatureStartID = 1 << 20

// Pose is one entry of the camera trajectory.
type Pose struct {
	VertexID  uint32
	Pose      geom.SE3
	Timestamp float64
}

// ExtendedDescriptor carries one landmark descriptor as seen from a
// specific observing pose, so the matcher can pick whichever view is
// closest to the current one.
type ExtendedDescriptor struct {
	PoseID     uint32
	Descriptor []float64
}

// MapFeature is a landmark stored in the map.
type MapFeature struct {
	ID          uint32
	U, V        uint16
	Position    geom.Vec3
	PosesIDs    []uint32
	Descriptors []ExtendedDescriptor
}

// RGBDFeature is an observation presented by the matcher: not stored by
// itself, only ingested into a MapFeature.
type RGBDFeature struct {
	U, V        uint16
	Position    geom.Vec3 // camera frame
	Descriptors [][]float64
}

// RGBDFrame is a timestamped color+depth frame retained for the session so
// Images() can serve it back to a viewer or dumped for offline inspection.
type RGBDFrame struct {
	PoseID    uint32
	Timestamp float64
	RGB       []byte
	Depth     []byte
}
