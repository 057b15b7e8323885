// Command verify_pcap diffs two pcap captures payload-by-payload, used to
// confirm a replayed ingest session reproduced the original byte-for-byte.
// Grounded in this stack's own pcap diff tool, now reading through
// binlog.PcapReader instead of a hand-rolled record loop.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"slammap/binlog"
)

func main() {
	file1 := flag.String("1", "", "Original pcap capture")
	file2 := flag.String("2", "", "Replayed pcap capture")
	flag.Parse()

	if *file1 == "" || *file2 == "" {
		log.Fatal("usage: verify_pcap -1 <original> -2 <replayed>")
	}

	pkts1, err := readPayloads(*file1)
	if err != nil {
		log.Fatalf("error reading %s: %v", *file1, err)
	}
	pkts2, err := readPayloads(*file2)
	if err != nil {
		log.Fatalf("error reading %s: %v", *file2, err)
	}

	fmt.Printf("original packets: %d\n", len(pkts1))
	fmt.Printf("replayed packets: %d\n", len(pkts2))

	minLen := len(pkts1)
	if len(pkts2) < minLen {
		minLen = len(pkts2)
	}

	mismatches := 0
	for i := 0; i < minLen; i++ {
		if !bytes.Equal(pkts1[i], pkts2[i]) {
			fmt.Printf("mismatch at packet %d: len1=%d len2=%d\n", i, len(pkts1[i]), len(pkts2[i]))
			mismatches++
			if mismatches > 10 {
				fmt.Println("too many mismatches, stopping.")
				break
			}
		}
	}

	if len(pkts1) != len(pkts2) {
		fmt.Printf("count mismatch: %d vs %d\n", len(pkts1), len(pkts2))
		mismatches++
	}

	if mismatches == 0 {
		fmt.Println("SUCCESS: all payloads match.")
	} else {
		fmt.Println("FAILURE: mismatches found.")
		os.Exit(1)
	}
}

func readPayloads(path string) ([][]byte, error) {
	pr, err := binlog.NewPcapReader(path)
	if err != nil {
		return nil, err
	}
	defer pr.Close()

	var out [][]byte
	for {
		rec, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Payload)
	}
	return out, nil
}
