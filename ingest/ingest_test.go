package ingest

import (
	"math"
	"testing"

	"slammap/featuresmap"
	"slammap/geom"
)

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	data := make([]byte, HeaderLen)
	if _, err := ParseHeader(data); err == nil {
		t.Fatal("expected error for zeroed (bad magic) header")
	}
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := ParseHeader([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for a too-short buffer")
	}
}

func TestNewPoseRoundTrip(t *testing.T) {
	dT := geom.FromQuaternion(1, 2, 3, 0.0, 0.0, 0.7071, 0.7071)
	rgb := []byte{1, 2, 3, 4}
	depth := []byte{5, 6}
	wire := EncodeNewPose(42, 123.5, dT, rgb, depth)

	hdr, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.RecordType != RecordNewPose {
		t.Fatalf("RecordType = %d, want %d", hdr.RecordType, RecordNewPose)
	}
	if hdr.SessionAddr != 42 {
		t.Fatalf("SessionAddr = %d, want 42", hdr.SessionAddr)
	}

	rec, err := ParseNewPose(wire[HeaderLen:])
	if err != nil {
		t.Fatalf("ParseNewPose: %v", err)
	}
	if rec.Timestamp != 123.5 {
		t.Fatalf("Timestamp = %v, want 123.5", rec.Timestamp)
	}
	if math.Abs(rec.DT.T.X-1) > 1e-9 || math.Abs(rec.DT.T.Y-2) > 1e-9 || math.Abs(rec.DT.T.Z-3) > 1e-9 {
		t.Fatalf("DT.T = %+v, want (1,2,3)", rec.DT.T)
	}
	if len(rec.RGB) != len(rgb) || len(rec.Depth) != len(depth) {
		t.Fatalf("payload lengths = %d/%d, want %d/%d", len(rec.RGB), len(rec.Depth), len(rgb), len(depth))
	}
	for i := range rgb {
		if rec.RGB[i] != rgb[i] {
			t.Fatalf("rgb byte %d = %d, want %d", i, rec.RGB[i], rgb[i])
		}
	}
}

func TestFeaturesRoundTrip(t *testing.T) {
	feats := []featuresmap.RGBDFeature{
		{U: 10, V: 20, Position: geom.Vec3{X: 1, Y: 2, Z: 3}, Descriptors: [][]float64{{0.1, 0.2, 0.3}}},
		{U: 30, V: 40, Position: geom.Vec3{X: -1, Y: -2, Z: -3}},
	}
	wire := EncodeFeatures(7, -1, feats)

	hdr, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.RecordType != RecordFeatures {
		t.Fatalf("RecordType = %d, want %d", hdr.RecordType, RecordFeatures)
	}

	rec, err := ParseFeatures(wire[HeaderLen:])
	if err != nil {
		t.Fatalf("ParseFeatures: %v", err)
	}
	if rec.PoseID != -1 {
		t.Fatalf("PoseID = %d, want -1", rec.PoseID)
	}
	if len(rec.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(rec.Features))
	}
	f0 := rec.Features[0]
	if f0.U != 10 || f0.V != 20 {
		t.Fatalf("feature 0 u/v = %d/%d, want 10/20", f0.U, f0.V)
	}
	if f0.Position != feats[0].Position {
		t.Fatalf("feature 0 position = %+v, want %+v", f0.Position, feats[0].Position)
	}
	if len(f0.Descriptors) != 1 || len(f0.Descriptors[0]) != 3 {
		t.Fatalf("feature 0 descriptor = %+v, want 1 descriptor of dim 3", f0.Descriptors)
	}

	f1 := rec.Features[1]
	if len(f1.Descriptors) != 0 {
		t.Fatalf("feature 1 should have no descriptor, got %+v", f1.Descriptors)
	}
}

func TestLoopClosureRoundTrip(t *testing.T) {
	transform := geom.FromQuaternion(0.5, -0.5, 1.0, 0, 0, 0, 1)
	wire := EncodeLoopClosure(9, 3, 17, transform)

	hdr, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.RecordType != RecordLoopClosure {
		t.Fatalf("RecordType = %d, want %d", hdr.RecordType, RecordLoopClosure)
	}

	rec, err := ParseLoopClosure(wire[HeaderLen:])
	if err != nil {
		t.Fatalf("ParseLoopClosure: %v", err)
	}
	if rec.FromPose != 3 || rec.ToPose != 17 {
		t.Fatalf("FromPose/ToPose = %d/%d, want 3/17", rec.FromPose, rec.ToPose)
	}
	if math.Abs(rec.T.T.X-0.5) > 1e-9 || math.Abs(rec.T.T.Y+0.5) > 1e-9 || math.Abs(rec.T.T.Z-1.0) > 1e-9 {
		t.Fatalf("T.T = %+v, want (0.5,-0.5,1.0)", rec.T.T)
	}
}

func TestParseNewPoseRejectsTruncatedBody(t *testing.T) {
	if _, err := ParseNewPose([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a too-short new-pose body")
	}
}
