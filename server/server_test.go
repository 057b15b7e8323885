package server

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"slammap/config"
	"slammap/featuresmap"
	"slammap/geom"
	"slammap/ingest"
	"slammap/notify"
	"slammap/posegraph"
	"slammap/sensormodel"
)

// fakeGraph is a minimal posegraph.Graph stand-in, enough to back a
// featuresmap.FeaturesMap for these transport-layer tests without pulling
// in the real solver.
type fakeGraph struct{}

func (fakeGraph) AddVertexPose(v posegraph.VertexSE3) error   { return nil }
func (fakeGraph) AddVertexFeature(v posegraph.Vertex3D) error { return nil }
func (fakeGraph) AddEdge3D(e posegraph.Edge3D) error          { return nil }
func (fakeGraph) AddEdgeSE3(e posegraph.EdgeSE3) error        { return nil }
func (fakeGraph) Optimize(iters int, verbose bool) error      { return nil }
func (fakeGraph) SetRobustKernel(name string, delta float64) error { return nil }
func (fakeGraph) DisableRobustKernel()                        {}
func (fakeGraph) OptimizedFeatures() []posegraph.Vertex3D     { return nil }
func (fakeGraph) OptimizedPoses() []posegraph.VertexSE3       { return nil }
func (fakeGraph) Prune3DEdges(threshold float64) int          { return 0 }
func (fakeGraph) RemoveWeakFeatures(minObs int) int           { return 0 }
func (fakeGraph) FixOptimizedVertices()                       {}
func (fakeGraph) ReleaseFixedVertices()                        {}
func (fakeGraph) Measurements(featureID uint32) ([]posegraph.Edge3D, geom.Vec3, error) {
	return nil, geom.Vec3{}, nil
}
func (fakeGraph) SaveToFile(path string) error { return nil }

func testSensor(t *testing.T) *sensormodel.Model {
	t.Helper()
	m, err := sensormodel.New(config.SensorConfig{
		FocalLengthU: 525, FocalLengthV: 525,
		PrincipalPtU: 320, PrincipalPtV: 240,
		VarU: 0.75, VarV: 0.75,
		ImageWidth: 640, ImageHeight: 480,
	})
	if err != nil {
		t.Fatalf("sensormodel.New: %v", err)
	}
	return m
}

func testMap(t *testing.T) *featuresmap.FeaturesMap {
	t.Helper()
	fm, err := featuresmap.New(config.MapConfig{}, testSensor(t), fakeGraph{})
	if err != nil {
		t.Fatalf("featuresmap.New: %v", err)
	}
	return fm
}

func TestSnapshotFromReflectsMapState(t *testing.T) {
	fm := testMap(t)
	fm.AddNewPose(geom.Identity(), 0, featuresmap.RGBDFrame{})
	fm.AddFeatures([]featuresmap.RGBDFeature{{Position: geom.Vec3{X: 1, Y: 2, Z: 3}}}, -1)

	snap := SnapshotFrom(fm)
	if len(snap.Poses) != 1 {
		t.Fatalf("expected 1 pose, got %d", len(snap.Poses))
	}
	if len(snap.Landmarks) != 1 {
		t.Fatalf("expected 1 landmark, got %d", len(snap.Landmarks))
	}
	if snap.Landmarks[0].X != 1 || snap.Landmarks[0].Y != 2 || snap.Landmarks[0].Z != 3 {
		t.Fatalf("landmark position = %+v, want (1,2,3)", snap.Landmarks[0])
	}
}

func TestHandlePacketNewPoseMutatesMapAndNotifies(t *testing.T) {
	fm := testMap(t)
	srv, err := NewUDPServer(0, fm)
	if err != nil {
		t.Fatalf("NewUDPServer: %v", err)
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	relay := notify.NewSender()
	if err := relay.AddUDPSender(pc.LocalAddr().String(), notify.FlagPose); err != nil {
		t.Fatalf("AddUDPSender: %v", err)
	}
	if err := relay.Start(); err != nil {
		t.Fatalf("relay.Start: %v", err)
	}
	defer relay.Stop()
	srv.SetNotifier(relay)

	wire := ingest.EncodeNewPose(1, 0, geom.Identity(), nil, nil)
	srv.handlePacket(wire, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})

	snap := SnapshotFrom(fm)
	if len(snap.Poses) != 1 {
		t.Fatalf("expected handlePacket to add a pose, got %d", len(snap.Poses))
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a pose-update notification, got error: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "display:") {
		t.Fatalf("expected a display: line, got %q", string(buf[:n]))
	}
}

func TestHandlePacketUnknownRecordTypeIsIgnored(t *testing.T) {
	fm := testMap(t)
	srv, err := NewUDPServer(0, fm)
	if err != nil {
		t.Fatalf("NewUDPServer: %v", err)
	}
	bogus := make([]byte, ingest.HeaderLen)
	bogus[0], bogus[1] = byte(ingest.Magic&0xFF), byte(ingest.Magic>>8)
	bogus[2] = 0xEE // unknown record type
	srv.handlePacket(bogus, &net.UDPAddr{})

	snap := SnapshotFrom(fm)
	if len(snap.Poses) != 0 {
		t.Fatal("expected an unknown record type to be ignored")
	}
}

func TestHubBroadcastDeliversToConnectedViewer(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	ts := httptest.NewServer(hub)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// give the server goroutine a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(Snapshot{Poses: []PosePoint{{ID: 1, X: 1, Y: 2, Z: 3}}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Poses) != 1 || got.Poses[0].ID != 1 {
		t.Fatalf("got %+v, want 1 pose with ID 1", got)
	}
}
