// Package ingest decodes the matcher/grabber wire boundary: the binary
// record format a UDP-connected tracker process sends this backend. The
// framing - a magic-prefixed header with packed type/length byte fields,
// decoded with encoding/binary - mirrors this stack's own UNIB header
// parser (server/protocol.go) rather than a general-purpose serialization
// library, since the source devices this stack already talks to use the
// same kind of hand-packed header.
package ingest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"slammap/featuresmap"
	"slammap/geom"
)

const (
	// Magic identifies a record boundary in the stream.
	Magic = 0x534C // "SL" little-endian
	// HeaderLen is the fixed-size header preceding every record's body.
	HeaderLen = 11

	RecordNewPose       = 0x01
	RecordFeatures       = 0x02
	RecordMeasurements   = 0x03
	RecordLoopClosure    = 0x04
)

// Header is the fixed-size prefix of every ingest record.
type Header struct {
	Magic       uint16
	RecordType  uint8
	SessionAddr uint32
	BodyLen     uint32
}

// ParseHeader decodes the fixed 11-byte record header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("ingest: record too short for header")
	}
	magic := binary.LittleEndian.Uint16(data[0:2])
	if magic != Magic {
		return Header{}, fmt.Errorf("ingest: bad magic 0x%x", magic)
	}
	return Header{
		Magic:       magic,
		RecordType:  data[2],
		SessionAddr: binary.LittleEndian.Uint32(data[3:7]),
		BodyLen:     binary.LittleEndian.Uint32(data[7:11]),
	}, nil
}

// NewPoseRecord is the decoded body of a RecordNewPose packet.
type NewPoseRecord struct {
	CorrelationID uuid.UUID
	Timestamp     float64
	DT            geom.SE3
	RGB           []byte
	Depth         []byte
}

// ParseNewPose decodes a RecordNewPose body: 8-byte timestamp, 7 float64
// (tx,ty,tz,qx,qy,qz,qw), 4-byte RGB length + RGB bytes, 4-byte depth
// length + depth bytes.
func ParseNewPose(body []byte) (*NewPoseRecord, error) {
	const fixedLen = 8 + 7*8 + 4 + 4
	if len(body) < fixedLen {
		return nil, fmt.Errorf("ingest: new-pose record too short")
	}
	off := 0
	ts := math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	vals := make([]float64, 7)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		off += 8
	}
	rgbLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+rgbLen > len(body) {
		return nil, fmt.Errorf("ingest: new-pose rgb truncated")
	}
	rgb := body[off : off+rgbLen]
	off += rgbLen
	if off+4 > len(body) {
		return nil, fmt.Errorf("ingest: new-pose depth length truncated")
	}
	depthLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+depthLen > len(body) {
		return nil, fmt.Errorf("ingest: new-pose depth truncated")
	}
	depth := body[off : off+depthLen]

	return &NewPoseRecord{
		CorrelationID: uuid.New(),
		Timestamp:     ts,
		DT:            geom.FromQuaternion(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]),
		RGB:           append([]byte(nil), rgb...),
		Depth:         append([]byte(nil), depth...),
	}, nil
}

// FeaturesRecord is the decoded body of a RecordFeatures packet.
type FeaturesRecord struct {
	CorrelationID uuid.UUID
	PoseID        int32
	Features      []featuresmap.RGBDFeature
}

// ParseFeatures decodes a RecordFeatures body: 4-byte signed pose id
// (-1 meaning "last"), 4-byte count, then per feature: u,v (2 bytes each),
// 3 float64 camera-frame position, 2-byte descriptor count, then that many
// float64 descriptor values forming a single flattened descriptor.
func ParseFeatures(body []byte) (*FeaturesRecord, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("ingest: features record too short")
	}
	poseID := int32(binary.LittleEndian.Uint32(body[0:4]))
	count := int(binary.LittleEndian.Uint32(body[4:8]))
	off := 8

	out := make([]featuresmap.RGBDFeature, 0, count)
	for i := 0; i < count; i++ {
		if off+2+2+24+2 > len(body) {
			return nil, fmt.Errorf("ingest: features record truncated at feature %d", i)
		}
		u := binary.LittleEndian.Uint16(body[off:])
		off += 2
		v := binary.LittleEndian.Uint16(body[off:])
		off += 2
		var pos geom.Vec3
		pos.X = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		off += 8
		pos.Y = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		off += 8
		pos.Z = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		off += 8
		dims := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if off+8*dims > len(body) {
			return nil, fmt.Errorf("ingest: features record descriptor truncated at feature %d", i)
		}
		desc := make([]float64, dims)
		for d := 0; d < dims; d++ {
			desc[d] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
			off += 8
		}
		var descs [][]float64
		if dims > 0 {
			descs = [][]float64{desc}
		}
		out = append(out, featuresmap.RGBDFeature{U: u, V: v, Position: pos, Descriptors: descs})
	}

	return &FeaturesRecord{CorrelationID: uuid.New(), PoseID: poseID, Features: out}, nil
}

// LoopClosureRecord is the decoded body of a RecordLoopClosure packet.
type LoopClosureRecord struct {
	CorrelationID uuid.UUID
	FromPose      uint32
	ToPose        uint32
	T             geom.SE3
}

// ParseLoopClosure decodes a RecordLoopClosure body: from/to pose ids (4
// bytes each) followed by 7 float64 (tx,ty,tz,qx,qy,qz,qw).
func ParseLoopClosure(body []byte) (*LoopClosureRecord, error) {
	const wantLen = 4 + 4 + 7*8
	if len(body) < wantLen {
		return nil, fmt.Errorf("ingest: loop-closure record too short")
	}
	from := binary.LittleEndian.Uint32(body[0:4])
	to := binary.LittleEndian.Uint32(body[4:8])
	off := 8
	vals := make([]float64, 7)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		off += 8
	}
	return &LoopClosureRecord{
		CorrelationID: uuid.New(),
		FromPose:      from,
		ToPose:        to,
		T:             geom.FromQuaternion(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]),
	}, nil
}
