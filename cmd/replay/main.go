// Command replay sends a captured ingest session back over UDP to a running
// mapserver, honoring the capture's original inter-packet timing. Grounded
// in this stack's own pcap replay tool, now reading records through
// binlog.PcapReader instead of hand-rolling the pcap record loop inline.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"slammap/binlog"
)

func main() {
	pcapPath := flag.String("pcap", "", "Input pcap capture")
	destAddr := flag.String("dest", "127.0.0.1:44333", "Destination mapserver UDP address")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("--pcap required")
	}

	raddr, err := net.ResolveUDPAddr("udp", *destAddr)
	if err != nil {
		log.Fatalf("invalid dest address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	pr, err := binlog.NewPcapReader(*pcapPath)
	if err != nil {
		log.Fatalf("open pcap failed: %v", err)
	}
	defer pr.Close()

	var firstTs float64
	var startReal time.Time
	count := 0

	log.Printf("replaying %s to %s...", *pcapPath, *destAddr)

	for {
		rec, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("read record failed: %v", err)
		}

		if firstTs == 0 {
			firstTs = rec.Timestamp
			startReal = time.Now()
		} else if *speed > 0 {
			targetDelay := time.Duration((rec.Timestamp - firstTs) / *speed * float64(time.Second))
			elapsed := time.Since(startReal)
			if targetDelay > elapsed {
				time.Sleep(targetDelay - elapsed)
			}
		}

		if _, err := conn.Write(rec.Payload); err != nil {
			log.Printf("write error: %v", err)
		}
		count++
		if count%1000 == 0 {
			fmt.Printf("\rsent %d packets...", count)
		}
	}
	fmt.Printf("\ndone. sent %d packets.\n", count)
}
