package ingest

import (
	"encoding/binary"
	"math"

	"slammap/featuresmap"
	"slammap/geom"
)

func putFloat64(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}

func header(recordType uint8, sessionAddr uint32, body []byte) []byte {
	out := make([]byte, HeaderLen+len(body))
	binary.LittleEndian.PutUint16(out[0:2], Magic)
	out[2] = recordType
	binary.LittleEndian.PutUint32(out[3:7], sessionAddr)
	binary.LittleEndian.PutUint32(out[7:11], uint32(len(body)))
	copy(out[HeaderLen:], body)
	return out
}

// EncodeNewPose builds a wire record for a RecordNewPose packet, the
// counterpart to ParseNewPose. Used by the tests exercising the
// ingest/server round trip.
func EncodeNewPose(sessionAddr uint32, timestamp float64, dT geom.SE3, rgb, depth []byte) []byte {
	qx, qy, qz, qw := dT.Quaternion()
	body := make([]byte, 8+7*8+4+len(rgb)+4+len(depth))
	off := 0
	putFloat64(body[off:], timestamp)
	off += 8
	for _, v := range []float64{dT.T.X, dT.T.Y, dT.T.Z, qx, qy, qz, qw} {
		putFloat64(body[off:], v)
		off += 8
	}
	binary.LittleEndian.PutUint32(body[off:], uint32(len(rgb)))
	off += 4
	copy(body[off:], rgb)
	off += len(rgb)
	binary.LittleEndian.PutUint32(body[off:], uint32(len(depth)))
	off += 4
	copy(body[off:], depth)
	return header(RecordNewPose, sessionAddr, body)
}

// EncodeFeatures builds a wire record for a RecordFeatures packet.
func EncodeFeatures(sessionAddr uint32, poseID int32, features []featuresmap.RGBDFeature) []byte {
	size := 8
	for _, f := range features {
		dims := 0
		if len(f.Descriptors) > 0 {
			dims = len(f.Descriptors[0])
		}
		size += 2 + 2 + 24 + 2 + 8*dims
	}
	body := make([]byte, size)
	binary.LittleEndian.PutUint32(body[0:4], uint32(poseID))
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(features)))
	off := 8
	for _, f := range features {
		binary.LittleEndian.PutUint16(body[off:], f.U)
		off += 2
		binary.LittleEndian.PutUint16(body[off:], f.V)
		off += 2
		putFloat64(body[off:], f.Position.X)
		off += 8
		putFloat64(body[off:], f.Position.Y)
		off += 8
		putFloat64(body[off:], f.Position.Z)
		off += 8
		var desc []float64
		if len(f.Descriptors) > 0 {
			desc = f.Descriptors[0]
		}
		binary.LittleEndian.PutUint16(body[off:], uint16(len(desc)))
		off += 2
		for _, v := range desc {
			putFloat64(body[off:], v)
			off += 8
		}
	}
	return header(RecordFeatures, sessionAddr, body)
}

// EncodeLoopClosure builds a wire record for a RecordLoopClosure packet.
func EncodeLoopClosure(sessionAddr uint32, from, to uint32, t geom.SE3) []byte {
	qx, qy, qz, qw := t.Quaternion()
	body := make([]byte, 4+4+7*8)
	binary.LittleEndian.PutUint32(body[0:4], from)
	binary.LittleEndian.PutUint32(body[4:8], to)
	off := 8
	for _, v := range []float64{t.T.X, t.T.Y, t.T.Z, qx, qy, qz, qw} {
		putFloat64(body[off:], v)
		off += 8
	}
	return header(RecordLoopClosure, sessionAddr, body)
}
