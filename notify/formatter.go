package notify

import (
	"fmt"
	"time"
)

// FormatPoseUpdate builds a length-prefixed "display:" line reporting a
// pose's current world position and orientation, the line protocol
// downstream relay consumers expect: a 12-byte "display:   ," header whose
// three spaces are overwritten with the ASCII-decimal body length, the
// way this stack's original tag-position formatter filled its length field.
func FormatPoseUpdate(poseID uint32, ts int64, x, y, z, qx, qy, qz, qw float64) []byte {
	timeStr := time.UnixMilli(ts).Format("20060102150405.000")
	idStr := fmt.Sprintf("%016X", poseID)

	body := fmt.Sprintf("display:   ,%s,%s,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f\r\n",
		idStr, timeStr, x, y, z, qx, qy, qz, qw)

	b := []byte(body)
	fillLengthField(b)
	return b
}

// FormatLoopClosure builds a compact line reporting a newly accepted loop
// closure constraint between two pose ids.
func FormatLoopClosure(fromPose, toPose uint32, ts int64) []byte {
	timeStr := time.UnixMilli(ts).Format("20060102150405.000")
	body := fmt.Sprintf("display:   ,loop,%d,%d,%s\r\n", fromPose, toPose, timeStr)
	b := []byte(body)
	fillLengthField(b)
	return b
}

// fillLengthField overwrites the three trailing spaces of the "display:   ,"
// header with the message's own ASCII-decimal byte length.
func fillLengthField(b []byte) {
	nLen := len(b)
	b[8] = byte('0' + (nLen/100)%10)
	b[9] = byte('0' + (nLen/10)%10)
	b[10] = byte('0' + nLen%10)
}
