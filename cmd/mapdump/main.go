// Command mapdump loads a persisted map text dump and prints a summary:
// pose and landmark counts, and the landmark bounding box. Grounded in this
// stack's own tag-scan diagnostic tool, ported from a BLE/UWB fix bounding
// box to a landmark bounding box.
package main

import (
	"flag"
	"fmt"
	"os"

	"slammap/persist"
)

func main() {
	mapPath := flag.String("map", "", "Map text dump to summarize")
	flag.Parse()

	if *mapPath == "" {
		fmt.Println("--map required")
		os.Exit(1)
	}

	trajectory, features, err := persist.LoadMap(*mapPath)
	if err != nil {
		fmt.Printf("load map failed: %v\n", err)
		os.Exit(1)
	}

	minX, maxX := 1e18, -1e18
	minY, maxY := 1e18, -1e18
	minZ, maxZ := 1e18, -1e18
	for _, f := range features {
		if f.Position.X < minX {
			minX = f.Position.X
		}
		if f.Position.X > maxX {
			maxX = f.Position.X
		}
		if f.Position.Y < minY {
			minY = f.Position.Y
		}
		if f.Position.Y > maxY {
			maxY = f.Position.Y
		}
		if f.Position.Z < minZ {
			minZ = f.Position.Z
		}
		if f.Position.Z > maxZ {
			maxZ = f.Position.Z
		}
	}

	fmt.Printf("%s: %d poses, %d landmarks\n", *mapPath, len(trajectory), len(features))
	if len(features) > 0 {
		fmt.Printf("landmark bounds: X[%.3f, %.3f] Y[%.3f, %.3f] Z[%.3f, %.3f]\n",
			minX, maxX, minY, maxY, minZ, maxZ)
	}

	obsTotal := 0
	for _, f := range features {
		obsTotal += len(f.PosesIDs)
	}
	if len(features) > 0 {
		fmt.Printf("average observations per landmark: %.2f\n", float64(obsTotal)/float64(len(features)))
	}
}
