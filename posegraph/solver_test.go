package posegraph

import (
	"os"
	"path/filepath"
	"testing"

	"slammap/geom"
)

func TestAddVertexPoseRejectsConflict(t *testing.T) {
	s := NewSolver()
	if err := s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Identity()}); err != nil {
		t.Fatalf("AddVertexPose: %v", err)
	}
	if err := s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Identity()}); err != nil {
		t.Fatalf("re-adding identical vertex should be a no-op, got: %v", err)
	}
	if err := s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Translation(1, 0, 0)}); err == nil {
		t.Fatal("expected ConfigurationError for conflicting pose vertex")
	}
}

func TestAddEdge3DRejectsUnknownVertex(t *testing.T) {
	s := NewSolver()
	s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Identity()})
	err := s.AddEdge3D(Edge3D{FromPose: 1, ToLandmark: 99, Info: Identity3x3()})
	if _, ok := err.(*UnknownIDError); !ok {
		t.Fatalf("expected UnknownIDError, got %v", err)
	}
}

func TestAddEdgeSE3RequiresBothPoses(t *testing.T) {
	s := NewSolver()
	s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Identity()})
	err := s.AddEdgeSE3(EdgeSE3{FromPose: 1, ToPose: 2, Info: IdentityInfo6()})
	if _, ok := err.(*UnknownIDError); !ok {
		t.Fatalf("expected UnknownIDError, got %v", err)
	}
}

func TestOptimizeFailsWithoutPoseVertices(t *testing.T) {
	s := NewSolver()
	if err := s.Optimize(5, false); err == nil {
		t.Fatal("expected SolverFailureError for empty graph")
	}
}

func TestOptimizeNoopWhenEverythingFixed(t *testing.T) {
	s := NewSolver()
	s.AddVertexPose(VertexSE3{ID: 1, Pose: geom.Identity(), Fixed: true})
	if err := s.Optimize(5, false); err != nil {
		t.Fatalf("Optimize on fully-fixed graph should be a no-op, got: %v", err)
	}
}

// buildTriangle constructs a small pose+landmark graph: two poses a short
// translation apart, each observing the same landmark, plus an odometry
// edge between the poses. The landmark starts slightly off its true
// position so optimization has somewhere to go.
func buildTriangle(t *testing.T) *Solver {
	t.Helper()
	s := NewSolver()

	pose0 := geom.Identity()
	pose1 := geom.Translation(1, 0, 0)

	if err := s.AddVertexPose(VertexSE3{ID: 0, Pose: pose0, Fixed: true}); err != nil {
		t.Fatalf("AddVertexPose(0): %v", err)
	}
	if err := s.AddVertexPose(VertexSE3{ID: 1, Pose: pose1}); err != nil {
		t.Fatalf("AddVertexPose(1): %v", err)
	}

	truth := geom.Vec3{X: 0.5, Y: 0.2, Z: 2.0}
	if err := s.AddVertexFeature(Vertex3D{ID: 100, Position: truth.Add(geom.Vec3{X: 0.3, Y: -0.1, Z: 0.2})}); err != nil {
		t.Fatalf("AddVertexFeature: %v", err)
	}

	obs0 := pose0.Inverse().Apply(truth)
	obs1 := pose1.Inverse().Apply(truth)

	if err := s.AddEdge3D(Edge3D{FromPose: 0, ToLandmark: 100, Measurement: obs0, Info: Identity3x3()}); err != nil {
		t.Fatalf("AddEdge3D(0): %v", err)
	}
	if err := s.AddEdge3D(Edge3D{FromPose: 1, ToLandmark: 100, Measurement: obs1, Info: Identity3x3()}); err != nil {
		t.Fatalf("AddEdge3D(1): %v", err)
	}
	if err := s.AddEdgeSE3(EdgeSE3{FromPose: 0, ToPose: 1, Measurement: geom.Translation(1, 0, 0), Info: IdentityInfo6()}); err != nil {
		t.Fatalf("AddEdgeSE3: %v", err)
	}
	return s
}

func TestOptimizeReducesLandmarkError(t *testing.T) {
	// Both poses fixed so the landmark residual is the graph's entire
	// cost, making the decrease strictly guaranteed by the LM accept/reject
	// logic (no odometry-edge trade-off to confound the measurement).
	s := buildTriangle(t)
	s.poses[0].Fixed = true
	s.poses[1].Fixed = true

	before, _, err := s.Measurements(100)
	if err != nil {
		t.Fatalf("Measurements: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("expected 2 observation edges, got %d", len(before))
	}

	errBefore := landmarkResidualNorm(s, 100)
	if err := s.Optimize(25, false); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	errAfter := landmarkResidualNorm(s, 100)

	if errAfter > errBefore {
		t.Fatalf("optimization made the landmark fit worse: before=%v after=%v", errBefore, errAfter)
	}
}

// landmarkResidualNorm sums the squared observation residuals for a
// landmark across the current vertex estimates.
func landmarkResidualNorm(s *Solver, featureID uint32) float64 {
	edges, pos, err := s.Measurements(featureID)
	if err != nil {
		return 0
	}
	total := 0.0
	poses := map[uint32]VertexSE3{}
	for _, v := range s.OptimizedPoses() {
		poses[v.ID] = v
	}
	for _, e := range edges {
		p := poses[e.FromPose]
		predicted := p.Pose.Inverse().Apply(pos)
		dx := predicted.X - e.Measurement.X
		dy := predicted.Y - e.Measurement.Y
		dz := predicted.Z - e.Measurement.Z
		total += dx*dx + dy*dy + dz*dz
	}
	return total
}

func TestSetAndDisableRobustKernel(t *testing.T) {
	s := NewSolver()
	if err := s.SetRobustKernel("cauchy", 1.0); err != nil {
		t.Fatalf("SetRobustKernel: %v", err)
	}
	if s.kernel == nil {
		t.Fatal("expected kernel to be set")
	}
	if err := s.SetRobustKernel("bogus", 1.0); err == nil {
		t.Fatal("expected error for unknown kernel name")
	}
	s.DisableRobustKernel()
	if s.kernel != nil {
		t.Fatal("expected kernel to be cleared")
	}
}

func TestPrune3DEdgesRemovesOutliers(t *testing.T) {
	s := buildTriangle(t)
	// Add a grossly inconsistent edge that should exceed the default threshold.
	s.AddEdge3D(Edge3D{FromPose: 0, ToLandmark: 100, Measurement: geom.Vec3{X: 1000, Y: 1000, Z: 1000}, Info: Identity3x3()})

	removed := s.Prune3DEdges(0)
	if removed < 1 {
		t.Fatalf("expected at least the outlier edge to be pruned, removed=%d", removed)
	}
}

func TestRemoveWeakFeatures(t *testing.T) {
	s := NewSolver()
	s.AddVertexPose(VertexSE3{ID: 0, Pose: geom.Identity()})
	s.AddVertexFeature(Vertex3D{ID: 1, Position: geom.Vec3{X: 1, Y: 0, Z: 1}})
	s.AddVertexFeature(Vertex3D{ID: 2, Position: geom.Vec3{X: 2, Y: 0, Z: 1}})
	s.AddEdge3D(Edge3D{FromPose: 0, ToLandmark: 1, Info: Identity3x3()})
	s.AddEdge3D(Edge3D{FromPose: 0, ToLandmark: 2, Info: Identity3x3()})
	s.AddEdge3D(Edge3D{FromPose: 0, ToLandmark: 2, Info: Identity3x3()})

	removed := s.RemoveWeakFeatures(2)
	if removed != 1 {
		t.Fatalf("expected 1 weak feature removed, got %d", removed)
	}
	feats := s.OptimizedFeatures()
	if len(feats) != 1 || feats[0].ID != 2 {
		t.Fatalf("expected only feature 2 to survive, got %+v", feats)
	}
}

func TestFixAndReleaseVertices(t *testing.T) {
	s := NewSolver()
	s.AddVertexPose(VertexSE3{ID: 0, Pose: geom.Identity()})
	s.AddVertexFeature(Vertex3D{ID: 1, Position: geom.Vec3{}})

	s.FixOptimizedVertices()
	for _, v := range s.OptimizedPoses() {
		if !v.Fixed {
			t.Fatal("expected pose to be fixed")
		}
	}
	for _, v := range s.OptimizedFeatures() {
		if !v.Fixed {
			t.Fatal("expected feature to be fixed")
		}
	}

	s.ReleaseFixedVertices()
	for _, v := range s.OptimizedPoses() {
		if v.Fixed {
			t.Fatal("expected pose to be released")
		}
	}
}

func TestMeasurementsUnknownFeature(t *testing.T) {
	s := NewSolver()
	_, _, err := s.Measurements(42)
	if _, ok := err.(*UnknownIDError); !ok {
		t.Fatalf("expected UnknownIDError, got %v", err)
	}
}

func TestSaveToFileWritesVerticesAndEdges(t *testing.T) {
	s := buildTriangle(t)
	path := filepath.Join(t.TempDir(), "graph.g2o")
	if err := s.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	for _, want := range []string{"VERTEX_SE3:QUAT", "VERTEX_TRACKXYZ", "EDGE_SE3:QUAT", "EDGE_TRACKXYZ"} {
		if !contains(text, want) {
			t.Fatalf("expected SaveToFile output to contain %q, got:\n%s", want, text)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
