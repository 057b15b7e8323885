package persist

import (
	"os"
	"path/filepath"
	"testing"

	"slammap/featuresmap"
	"slammap/geom"
	"slammap/posegraph"
)

func sampleTrajectory() []featuresmap.Pose {
	return []featuresmap.Pose{
		{VertexID: 0, Pose: geom.Identity(), Timestamp: 0},
		{VertexID: 1, Pose: geom.Translation(1, 2, 3), Timestamp: 1.5},
	}
}

func sampleFeatures() []featuresmap.MapFeature {
	return []featuresmap.MapFeature{
		{
			ID: 1 << 20, U: 10, V: 20,
			Position: geom.Vec3{X: 1, Y: 2, Z: 3},
			PosesIDs: []uint32{0, 1},
			Descriptors: []featuresmap.ExtendedDescriptor{
				{PoseID: 0, Descriptor: []float64{0.1, 0.2, 0.3}},
			},
		},
		{
			ID: (1 << 20) + 1, U: 5, V: 6,
			Position: geom.Vec3{X: -1, Y: 0, Z: 4},
			PosesIDs: []uint32{1},
		},
	}
}

func TestSaveLoadMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.txt")
	traj := sampleTrajectory()
	feats := sampleFeatures()

	if err := SaveMap(path, traj, feats); err != nil {
		t.Fatalf("SaveMap: %v", err)
	}

	gotTraj, gotFeats, err := LoadMap(path)
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}

	if len(gotTraj) != len(traj) {
		t.Fatalf("trajectory length = %d, want %d", len(gotTraj), len(traj))
	}
	for i, p := range traj {
		if gotTraj[i].VertexID != p.VertexID {
			t.Fatalf("pose %d VertexID = %d, want %d", i, gotTraj[i].VertexID, p.VertexID)
		}
		if gotTraj[i].Pose.T != p.Pose.T {
			t.Fatalf("pose %d T = %+v, want %+v", i, gotTraj[i].Pose.T, p.Pose.T)
		}
	}

	if len(gotFeats) != len(feats) {
		t.Fatalf("feature count = %d, want %d", len(gotFeats), len(feats))
	}
	for i, mf := range feats {
		got := gotFeats[i]
		if got.ID != mf.ID || got.U != mf.U || got.V != mf.V {
			t.Fatalf("feature %d = %+v, want id/u/v matching %+v", i, got, mf)
		}
		if got.Position != mf.Position {
			t.Fatalf("feature %d position = %+v, want %+v", i, got.Position, mf.Position)
		}
		if len(got.PosesIDs) != len(mf.PosesIDs) {
			t.Fatalf("feature %d PosesIDs = %v, want %v", i, got.PosesIDs, mf.PosesIDs)
		}
	}
	if len(gotFeats[0].Descriptors) != 1 || len(gotFeats[0].Descriptors[0].Descriptor) != 3 {
		t.Fatalf("expected feature 0 to round-trip its descriptor, got %+v", gotFeats[0].Descriptors)
	}
}

func TestLoadMapRejectsMalformedPoseLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	if err := os.WriteFile(path, []byte("Pose 0 1 2 3\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := LoadMap(path); err == nil {
		t.Fatal("expected error for a Pose line with too few fields")
	}
}

func TestExport2RGBDSLAMWritesOneLinePerPose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.txt")
	if err := Export2RGBDSLAM(path, sampleTrajectory()); err != nil {
		t.Fatalf("Export2RGBDSLAM: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// plotStubGraph satisfies posegraph.Graph, with Measurements returning a
// single synthetic edge so PlotScript's edge/ellipse drawing path executes.
type plotStubGraph struct{}

func (plotStubGraph) AddVertexPose(v posegraph.VertexSE3) error   { return nil }
func (plotStubGraph) AddVertexFeature(v posegraph.Vertex3D) error { return nil }
func (plotStubGraph) AddEdge3D(e posegraph.Edge3D) error          { return nil }
func (plotStubGraph) AddEdgeSE3(e posegraph.EdgeSE3) error        { return nil }
func (plotStubGraph) Optimize(iters int, verbose bool) error      { return nil }
func (plotStubGraph) SetRobustKernel(name string, delta float64) error { return nil }
func (plotStubGraph) DisableRobustKernel()                        {}
func (plotStubGraph) OptimizedFeatures() []posegraph.Vertex3D     { return nil }
func (plotStubGraph) OptimizedPoses() []posegraph.VertexSE3       { return nil }
func (plotStubGraph) Prune3DEdges(threshold float64) int          { return 0 }
func (plotStubGraph) RemoveWeakFeatures(minObs int) int           { return 0 }
func (plotStubGraph) FixOptimizedVertices()                       {}
func (plotStubGraph) ReleaseFixedVertices()                       {}
func (plotStubGraph) Measurements(featureID uint32) ([]posegraph.Edge3D, geom.Vec3, error) {
	return []posegraph.Edge3D{{FromPose: 0, ToLandmark: featureID, Measurement: geom.Vec3{X: 0.1}, Info: posegraph.Identity3x3()}},
		geom.Vec3{X: 1, Y: 2, Z: 3}, nil
}
func (plotStubGraph) SaveToFile(path string) error { return nil }

func TestPlotScriptSmoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plot.m")
	feats := sampleFeatures()
	if err := PlotScript(path, feats, plotStubGraph{}); err != nil {
		t.Fatalf("PlotScript: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected PlotScript to write a non-empty file")
	}
}
