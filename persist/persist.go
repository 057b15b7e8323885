// Package persist writes the map's text dump, the RGBD-SLAM trajectory
// export, and a MATLAB/Octave plotting script. Each writer is a one-shot,
// line-oriented function (create the file, write through a bufio.Writer,
// close it) with no shared state and no lock, rather than a
// third-party serialization format, because the target readers here are
// the same plain-text tools (RGBD-SLAM benchmark scripts, Octave) the
// original map dump always targeted.
package persist

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"slammap/featuresmap"
	"slammap/geom"
	"slammap/posegraph"
)

// SaveMap writes the legend-commented text dump of trajectory and landmarks.
func SaveMap(path string, trajectory []featuresmap.Pose, features []featuresmap.MapFeature) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintln(w, "# Pose <id> <12 floats row-major R|T>")
	for _, p := range trajectory {
		a := p.Pose.ToArray12()
		fmt.Fprintf(w, "Pose %d", p.VertexID)
		for _, v := range a {
			fmt.Fprintf(w, " %g", v)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "# Feature <id> x y z u v")
	fmt.Fprintln(w, "# FeaturePoseIds <id...>")
	fmt.Fprintln(w, "# FeatureExtendedDescriptors <count> then <poseId> <dims> <values...> per line")
	for _, mf := range features {
		fmt.Fprintf(w, "Feature %d %g %g %g %d %d\n", mf.ID, mf.Position.X, mf.Position.Y, mf.Position.Z, mf.U, mf.V)
		fmt.Fprintf(w, "FeaturePoseIds")
		for _, pid := range mf.PosesIDs {
			fmt.Fprintf(w, " %d", pid)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "FeatureExtendedDescriptors %d\n", len(mf.Descriptors))
		for _, d := range mf.Descriptors {
			fmt.Fprintf(w, "%d %d", d.PoseID, len(d.Descriptor))
			for _, v := range d.Descriptor {
				fmt.Fprintf(w, " %g", v)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// LoadMap parses the text dump written by SaveMap back into a trajectory
// and landmark set, exercising the round-trip invariant the persistence
// format is required to satisfy.
func LoadMap(path string) ([]featuresmap.Pose, []featuresmap.MapFeature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var trajectory []featuresmap.Pose
	var features []featuresmap.MapFeature
	descriptorsRemaining := 0

	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "Pose":
			id, a, err := parsePoseFields(fields)
			if err != nil {
				return nil, nil, fmt.Errorf("persist: bad Pose line %q: %w", line, err)
			}
			trajectory = append(trajectory, featuresmap.Pose{VertexID: id, Pose: geom.FromArray12(a)})
		case "Feature":
			mf, err := parseFeatureFields(fields)
			if err != nil {
				return nil, nil, fmt.Errorf("persist: bad Feature line %q: %w", line, err)
			}
			features = append(features, mf)
			descriptorsRemaining = 0
		case "FeaturePoseIds":
			if len(features) == 0 {
				continue
			}
			ids := make([]uint32, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				id, err := strconv.ParseUint(tok, 10, 32)
				if err != nil {
					return nil, nil, fmt.Errorf("persist: bad FeaturePoseIds line %q: %w", line, err)
				}
				ids = append(ids, uint32(id))
			}
			features[len(features)-1].PosesIDs = ids
		case "FeatureExtendedDescriptors":
			if len(fields) < 2 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, nil, fmt.Errorf("persist: bad FeatureExtendedDescriptors line %q: %w", line, err)
			}
			descriptorsRemaining = n
		default:
			if descriptorsRemaining > 0 && len(features) > 0 {
				desc, err := parseDescriptorFields(fields)
				if err != nil {
					return nil, nil, fmt.Errorf("persist: bad descriptor line %q: %w", line, err)
				}
				last := &features[len(features)-1]
				last.Descriptors = append(last.Descriptors, desc)
				descriptorsRemaining--
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return trajectory, features, nil
}

func parsePoseFields(fields []string) (uint32, [12]float64, error) {
	var a [12]float64
	if len(fields) != 14 {
		return 0, a, fmt.Errorf("expected 14 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, a, err
	}
	for i := 0; i < 12; i++ {
		v, err := strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return 0, a, err
		}
		a[i] = v
	}
	return uint32(id), a, nil
}

func parseFeatureFields(fields []string) (featuresmap.MapFeature, error) {
	if len(fields) != 7 {
		return featuresmap.MapFeature{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	x, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	y, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	z, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	u, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	v, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return featuresmap.MapFeature{}, err
	}
	return featuresmap.MapFeature{ID: uint32(id), U: uint16(u), V: uint16(v), Position: geom.Vec3{X: x, Y: y, Z: z}}, nil
}

func parseDescriptorFields(fields []string) (featuresmap.ExtendedDescriptor, error) {
	if len(fields) < 2 {
		return featuresmap.ExtendedDescriptor{}, fmt.Errorf("expected at least 2 fields, got %d", len(fields))
	}
	poseID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return featuresmap.ExtendedDescriptor{}, err
	}
	dims, err := strconv.Atoi(fields[1])
	if err != nil {
		return featuresmap.ExtendedDescriptor{}, err
	}
	if len(fields) != 2+dims {
		return featuresmap.ExtendedDescriptor{}, fmt.Errorf("expected %d values, got %d", dims, len(fields)-2)
	}
	vals := make([]float64, dims)
	for i := 0; i < dims; i++ {
		v, err := strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return featuresmap.ExtendedDescriptor{}, err
		}
		vals[i] = v
	}
	return featuresmap.ExtendedDescriptor{PoseID: uint32(poseID), Descriptor: vals}, nil
}

// Export2RGBDSLAM writes one "timestamp tx ty tz qx qy qz qw" line per
// trajectory entry, the wire format RGBD-SLAM benchmark tooling expects.
func Export2RGBDSLAM(path string, trajectory []featuresmap.Pose) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	for _, p := range trajectory {
		qx, qy, qz, qw := p.Pose.Quaternion()
		fmt.Fprintf(w, "%f %f %f %f %f %f %f %f\n",
			p.Timestamp, p.Pose.T.X, p.Pose.T.Y, p.Pose.T.Z, qx, qy, qz, qw)
	}
	return nil
}

// PlotScript writes a MATLAB/Octave script that plots every landmark, its
// raw observation edges, and an error_ellipse call derived from each edge's
// inverse information matrix.
func PlotScript(path string, features []featuresmap.MapFeature, graph posegraph.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintln(w, "% auto-generated landmark plot script")
	fmt.Fprintln(w, "figure; hold on;")
	for _, mf := range features {
		fmt.Fprintf(w, "plot3(%g, %g, %g, 'b.');\n", mf.Position.X, mf.Position.Y, mf.Position.Z)
		edges, pos, err := graph.Measurements(mf.ID)
		if err != nil {
			continue
		}
		for _, e := range edges {
			fmt.Fprintf(w, "line([%g %g], [%g %g], [%g %g]);\n",
				pos.X, pos.X+e.Measurement.X, pos.Y, pos.Y+e.Measurement.Y, pos.Z, pos.Z+e.Measurement.Z)
			cov := invert3x3(e.Info)
			fmt.Fprintf(w, "error_ellipse([%g %g %g; %g %g %g; %g %g %g], [%g %g %g]);\n",
				cov[0][0], cov[0][1], cov[0][2], cov[1][0], cov[1][1], cov[1][2], cov[2][0], cov[2][1], cov[2][2],
				pos.X, pos.Y, pos.Z)
		}
	}
	fmt.Fprintln(w, "hold off;")
	return nil
}

// invert3x3 inverts a small SPD matrix via the adjugate/determinant method,
// sufficient for the diagonal-dominant information matrices encountered
// here; plotting-only, never used on the optimization hot path.
func invert3x3(m [3][3]float64) [3][3]float64 {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if det == 0 {
		return [3][3]float64{}
	}
	inv := [3][3]float64{}
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det
	return inv
}
