// Command notify_demo exercises the notify package standalone, sending
// synthetic pose-update and loop-closure messages to a UDP and a TCP sink so
// a downstream relay consumer can be tested without running the full
// mapserver. Grounded in this stack's own sender demo tool.
package main

import (
	"flag"
	"log"
	"time"

	"slammap/notify"
)

func main() {
	udpAddr := flag.String("udp", "127.0.0.1:5555", "UDP destination")
	tcpAddr := flag.String("tcp", "127.0.0.1:6666", "TCP destination")
	header := flag.String("hdr", "SLAM", "Header string")
	flag.Parse()

	sender := notify.NewSender()
	sender.SetHeader(*header)

	if err := sender.AddUDPSender(*udpAddr, notify.FlagPose); err != nil {
		log.Fatalf("failed to add UDP sender: %v", err)
	}
	sender.AddTCPSender(*tcpAddr, notify.FlagLoopClosure)

	if err := sender.Start(); err != nil {
		log.Fatalf("failed to start sender: %v", err)
	}
	defer sender.Stop()

	log.Println("notify demo started. press Ctrl+C to exit.")

	var poseID uint32
	for {
		now := time.Now().UnixMilli()
		sender.Send(notify.FormatPoseUpdate(poseID, now, float64(poseID)*0.1, 0, 0, 0, 0, 0, 1), notify.FlagPose)
		if poseID > 0 && poseID%10 == 0 {
			sender.Send(notify.FormatLoopClosure(poseID, 0, now), notify.FlagLoopClosure)
		}
		poseID++
		time.Sleep(1 * time.Second)
	}
}
