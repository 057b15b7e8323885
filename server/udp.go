// Package server hosts the transport surfaces a live deployment of this
// backend needs: a UDP listener decoding the ingest wire protocol straight
// into a featuresmap.FeaturesMap, and a WebSocket hub broadcasting map
// snapshots to connected viewers. The listener's lifecycle - a
// sync.Mutex-guarded running flag, a blocking ReadFromUDP loop, Start/Stop -
// is carried over unchanged from this stack's own UdpServer.
package server

import (
	"net"
	"sync"
	"time"

	"slammap/featuresmap"
	"slammap/ingest"
	"slammap/logging"
	"slammap/notify"
)

// UDPServer listens for ingest records and feeds them into a FeaturesMap.
type UDPServer struct {
	mu      sync.Mutex
	running bool
	conn    *net.UDPConn
	port    int

	fm  *featuresmap.FeaturesMap
	hub *Hub
	log *logging.Logger

	pcapWriter PacketWriter
	notifier   *notify.Sender
}

// PacketWriter receives a copy of every decoded packet; binlog.PcapWriter
// implements this.
type PacketWriter interface {
	WritePacket(recordType uint16, addr *net.UDPAddr, data []byte) error
}

// NewUDPServer builds a listener bound to port, feeding into fm.
func NewUDPServer(port int, fm *featuresmap.FeaturesMap) (*UDPServer, error) {
	return &UDPServer{
		port: port,
		fm:   fm,
		log:  logging.New("server"),
	}, nil
}

// SetHub attaches a WebSocket hub that gets a broadcast after every packet
// that mutates the map.
func (s *UDPServer) SetHub(h *Hub) { s.hub = h }

// SetPcapWriter attaches a packet capture sink used for later replay/debugging.
func (s *UDPServer) SetPcapWriter(w PacketWriter) { s.pcapWriter = w }

// SetNotifier attaches a downstream relay sender that receives a compact
// line-protocol message for every accepted pose and loop closure, for
// consumers that cannot speak the WebSocket hub's JSON snapshots.
func (s *UDPServer) SetNotifier(n *notify.Sender) { s.notifier = n }

// Start binds the UDP socket and blocks, reading packets until Stop is called.
func (s *UDPServer) Start() error {
	addr := &net.UDPAddr{Port: s.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.mu.Unlock()

	s.log.Infof("listening for ingest traffic on :%d", s.port)

	buf := make([]byte, 65535)
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return nil
		}

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			stillRunning := s.running
			s.mu.Unlock()
			if !stillRunning {
				return nil
			}
			s.log.Warnf("read error: %v", err)
			continue
		}
		s.handlePacket(append([]byte(nil), buf[:n]...), raddr)
	}
}

// Stop closes the socket and unblocks Start's read loop.
func (s *UDPServer) Stop() {
	s.mu.Lock()
	s.running = false
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *UDPServer) handlePacket(data []byte, raddr *net.UDPAddr) {
	hdr, err := ingest.ParseHeader(data)
	if err != nil {
		s.log.Warnf("bad header from %v: %v", raddr, err)
		return
	}
	body := data[ingest.HeaderLen:]
	if uint32(len(body)) < hdr.BodyLen {
		s.log.Warnf("truncated record from %v", raddr)
		return
	}
	body = body[:hdr.BodyLen]

	if s.pcapWriter != nil {
		if err := s.pcapWriter.WritePacket(uint16(hdr.RecordType), raddr, data); err != nil {
			s.log.Warnf("pcap write failed: %v", err)
		}
	}

	mutated := false
	switch hdr.RecordType {
	case ingest.RecordNewPose:
		rec, err := ingest.ParseNewPose(body)
		if err != nil {
			s.log.Warnf("bad new-pose record from %v: %v", raddr, err)
			return
		}
		id, err := s.fm.AddNewPose(rec.DT, rec.Timestamp, featuresmap.RGBDFrame{Timestamp: rec.Timestamp, RGB: rec.RGB, Depth: rec.Depth})
		if err != nil {
			s.log.Warnf("AddNewPose failed: %v", err)
			return
		}
		if s.notifier != nil {
			pose, err := s.fm.SensorPose(int(id))
			if err == nil {
				qx, qy, qz, qw := pose.Quaternion()
				s.notifier.Send(notify.FormatPoseUpdate(id, time.Now().UnixMilli(), pose.T.X, pose.T.Y, pose.T.Z, qx, qy, qz, qw), notify.FlagPose)
			}
		}
		mutated = true
	case ingest.RecordFeatures:
		rec, err := ingest.ParseFeatures(body)
		if err != nil {
			s.log.Warnf("bad features record from %v: %v", raddr, err)
			return
		}
		if err := s.fm.AddFeatures(rec.Features, int(rec.PoseID)); err != nil {
			s.log.Warnf("AddFeatures failed: %v", err)
			return
		}
		mutated = true
	case ingest.RecordLoopClosure:
		rec, err := ingest.ParseLoopClosure(body)
		if err != nil {
			s.log.Warnf("bad loop-closure record from %v: %v", raddr, err)
			return
		}
		if err := s.fm.AddMeasurement(rec.FromPose, rec.ToPose, rec.T); err != nil {
			s.log.Warnf("AddMeasurement failed: %v", err)
			return
		}
		if s.notifier != nil {
			s.notifier.Send(notify.FormatLoopClosure(rec.FromPose, rec.ToPose, time.Now().UnixMilli()), notify.FlagLoopClosure)
		}
		mutated = true
	default:
		s.log.Warnf("unknown record type 0x%x from %v", hdr.RecordType, raddr)
		return
	}

	if mutated && s.hub != nil {
		s.hub.Broadcast(SnapshotFrom(s.fm))
	}
}

// SnapshotFrom builds the JSON-serializable view the hub broadcasts.
func SnapshotFrom(fm *featuresmap.FeaturesMap) Snapshot {
	traj := fm.TrajectorySnapshot()
	poses := make([]PosePoint, 0, len(traj))
	for _, p := range traj {
		poses = append(poses, PosePoint{ID: p.VertexID, X: p.Pose.T.X, Y: p.Pose.T.Y, Z: p.Pose.T.Z})
	}
	feats := fm.AllFeatures()
	landmarks := make([]LandmarkPoint, 0, len(feats))
	for _, f := range feats {
		landmarks = append(landmarks, LandmarkPoint{ID: f.ID, X: f.Position.X, Y: f.Position.Y, Z: f.Position.Z})
	}
	return Snapshot{Poses: poses, Landmarks: landmarks}
}

// PosePoint and LandmarkPoint are the minimal fields a dashboard needs to
// draw the trajectory and point cloud.
type PosePoint struct {
	ID uint32  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
}

type LandmarkPoint struct {
	ID uint32  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
}

// Snapshot is broadcast to every connected viewer after a mutating packet.
type Snapshot struct {
	Poses     []PosePoint     `json:"poses"`
	Landmarks []LandmarkPoint `json:"landmarks"`
}
