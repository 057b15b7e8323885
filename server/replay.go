package server

import (
	"io"
	"time"

	"slammap/binlog"
	"slammap/logging"
)

// Replayer feeds a previously captured pcap file back through a UDPServer's
// packet handling path, honoring the original inter-packet delays so a
// captured session reproduces the same timing an optimizer tuned against.
// Grounded in this stack's own capture-replay tool, generalized from UWB/BLE
// frames to ingest wire records.
type Replayer struct {
	srv   *UDPServer
	log   *logging.Logger
	speed float64 // 1.0 = real time, 0 = as fast as possible
}

// NewReplayer builds a replayer that dispatches decoded packets into srv.
// speed scales the recorded inter-packet delay; 0 disables pacing entirely.
func NewReplayer(srv *UDPServer, speed float64) *Replayer {
	return &Replayer{srv: srv, log: logging.New("replay"), speed: speed}
}

// Run reads every record from path in order and dispatches it into the
// server's handlePacket path, sleeping between records to approximate the
// original capture's timing when speed > 0.
func (r *Replayer) Run(path string) (int, error) {
	pr, err := binlog.NewPcapReader(path)
	if err != nil {
		return 0, err
	}
	defer pr.Close()

	count := 0
	var lastTs float64
	haveLast := false

	for {
		rec, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}

		if r.speed > 0 && haveLast {
			delta := rec.Timestamp - lastTs
			if delta > 0 {
				time.Sleep(time.Duration(delta / r.speed * float64(time.Second)))
			}
		}
		lastTs = rec.Timestamp
		haveLast = true

		r.srv.handlePacket(rec.Payload, rec.Addr)
		count++
	}
	r.log.Infof("replayed %d records from %s", count, path)
	return count, nil
}
