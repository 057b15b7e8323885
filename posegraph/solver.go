package posegraph

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"slammap/geom"
)

// ConfigurationError reports a graph misconfiguration (unknown robust kernel,
// conflicting vertex id).
type ConfigurationError struct{ Reason string }

func (e *ConfigurationError) Error() string { return "posegraph: " + e.Reason }

// UnknownIDError reports an edge or query referencing a vertex that does not exist.
type UnknownIDError struct{ ID uint32 }

func (e *UnknownIDError) Error() string { return fmt.Sprintf("posegraph: unknown vertex id %d", e.ID) }

// SolverFailureError reports a non-convergent or numerically degenerate optimization pass.
type SolverFailureError struct{ Reason string }

func (e *SolverFailureError) Error() string { return "posegraph: solver failure: " + e.Reason }

// Graph is the adapter contract the rest of this module drives the
// optimization backend through. Any implementation of these operations -
// in-process, or a binding to an external solver - can stand behind it.
type Graph interface {
	AddVertexPose(v VertexSE3) error
	AddVertexFeature(v Vertex3D) error
	AddEdge3D(e Edge3D) error
	AddEdgeSE3(e EdgeSE3) error

	Optimize(iters int, verbose bool) error

	SetRobustKernel(name string, delta float64) error
	DisableRobustKernel()

	OptimizedFeatures() []Vertex3D
	OptimizedPoses() []VertexSE3

	Prune3DEdges(threshold float64) int
	RemoveWeakFeatures(minObs int) int

	FixOptimizedVertices()
	ReleaseFixedVertices()

	Measurements(featureID uint32) ([]Edge3D, geom.Vec3, error)

	SaveToFile(path string) error
}

// Solver is a sparse-in-intent (dense-in-implementation, adequate at the
// hundreds-of-poses / thousands-of-landmarks scale this backend targets) Gauss-Newton /
// Levenberg-Marquardt solver over SE3 pose vertices and 3D landmark vertices.
type Solver struct {
	mu sync.Mutex

	poseOrder []uint32
	poses     map[uint32]*VertexSE3

	landmarkOrder []uint32
	landmarks     map[uint32]*Vertex3D

	edges3D  []Edge3D
	edgesSE3 []EdgeSE3

	kernel RobustKernel

	lambda float64
}

// NewSolver constructs an empty graph.
func NewSolver() *Solver {
	return &Solver{
		poses:     make(map[uint32]*VertexSE3),
		landmarks: make(map[uint32]*Vertex3D),
		lambda:    1e-3,
	}
}

func (s *Solver) AddVertexPose(v VertexSE3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.poses[v.ID]; ok {
		if existing.Pose != v.Pose {
			return &ConfigurationError{Reason: fmt.Sprintf("conflicting pose vertex id %d", v.ID)}
		}
		return nil
	}
	cp := v
	s.poses[v.ID] = &cp
	s.poseOrder = append(s.poseOrder, v.ID)
	return nil
}

func (s *Solver) AddVertexFeature(v Vertex3D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.landmarks[v.ID]; ok {
		if existing.Position != v.Position {
			return &ConfigurationError{Reason: fmt.Sprintf("conflicting feature vertex id %d", v.ID)}
		}
		return nil
	}
	cp := v
	s.landmarks[v.ID] = &cp
	s.landmarkOrder = append(s.landmarkOrder, v.ID)
	return nil
}

func (s *Solver) AddEdge3D(e Edge3D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.poses[e.FromPose]; !ok {
		return &UnknownIDError{ID: e.FromPose}
	}
	if _, ok := s.landmarks[e.ToLandmark]; !ok {
		return &UnknownIDError{ID: e.ToLandmark}
	}
	s.edges3D = append(s.edges3D, e)
	return nil
}

func (s *Solver) AddEdgeSE3(e EdgeSE3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.poses[e.FromPose]; !ok {
		return &UnknownIDError{ID: e.FromPose}
	}
	if _, ok := s.poses[e.ToPose]; !ok {
		return &UnknownIDError{ID: e.ToPose}
	}
	s.edgesSE3 = append(s.edgesSE3, e)
	return nil
}

func (s *Solver) SetRobustKernel(name string, delta float64) error {
	k, err := NewRobustKernel(name, delta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.kernel = k
	s.mu.Unlock()
	return nil
}

func (s *Solver) DisableRobustKernel() {
	s.mu.Lock()
	s.kernel = nil
	s.mu.Unlock()
}

// paramLayout assigns a contiguous column range in the Jacobian to every
// free (non-fixed) vertex. Fixed vertices get no columns and are therefore
// never perturbed.
type paramLayout struct {
	poseCol     map[uint32]int
	landmarkCol map[uint32]int
	total       int
}

func (s *Solver) buildLayout() paramLayout {
	layout := paramLayout{poseCol: map[uint32]int{}, landmarkCol: map[uint32]int{}}
	col := 0
	for _, id := range s.poseOrder {
		if s.poses[id].Fixed {
			continue
		}
		layout.poseCol[id] = col
		col += 6
	}
	for _, id := range s.landmarkOrder {
		if s.landmarks[id].Fixed {
			continue
		}
		layout.landmarkCol[id] = col
		col += 3
	}
	layout.total = col
	return layout
}

// Optimize runs up to iters Levenberg-Marquardt iterations. Blocking: the
// caller (the optimizer driver) is expected to call this off the tracker's
// critical path.
func (s *Solver) Optimize(iters int, verbose bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.poseOrder) == 0 {
		return &SolverFailureError{Reason: "no pose vertices"}
	}

	for it := 0; it < iters; it++ {
		layout := s.buildLayout()
		if layout.total == 0 {
			return nil // everything fixed; nothing to do.
		}

		J, r, cost := s.linearize(layout)

		var jtj mat.Dense
		jtj.Mul(J.T(), J)
		for i := 0; i < layout.total; i++ {
			jtj.Set(i, i, jtj.At(i, i)+s.lambda*jtj.At(i, i)+1e-12)
		}

		var jtr mat.VecDense
		jtr.MulVec(J.T(), r)

		rhs := mat.NewDense(layout.total, 1, nil)
		for i := 0; i < layout.total; i++ {
			rhs.Set(i, 0, -jtr.AtVec(i))
		}
		deltaM := pinv(&jtj)
		var deltaD mat.Dense
		deltaD.Mul(deltaM, rhs)

		delta := make([]float64, layout.total)
		for i := 0; i < layout.total; i++ {
			delta[i] = deltaD.At(i, 0)
		}

		snapshot := s.snapshotFree(layout)
		s.applyDelta(layout, delta)

		_, newR, newCost := s.linearize(layout)
		_ = newR

		if newCost < cost || !isFinite(cost) {
			s.lambda = math.Max(s.lambda*0.5, 1e-8)
			if verbose {
				fmt.Fprintf(os.Stderr, "posegraph: iter %d cost %.6f -> %.6f (accepted)\n", it, cost, newCost)
			}
		} else {
			s.restoreFree(layout, snapshot)
			s.lambda = math.Min(s.lambda*4, 1e6)
			if verbose {
				fmt.Fprintf(os.Stderr, "posegraph: iter %d cost %.6f rejected, lambda=%.2e\n", it, cost, s.lambda)
			}
		}
	}
	return nil
}

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

type freeSnapshot struct {
	poses     map[uint32]geom.SE3
	landmarks map[uint32]geom.Vec3
}

func (s *Solver) snapshotFree(layout paramLayout) freeSnapshot {
	snap := freeSnapshot{poses: map[uint32]geom.SE3{}, landmarks: map[uint32]geom.Vec3{}}
	for id := range layout.poseCol {
		snap.poses[id] = s.poses[id].Pose
	}
	for id := range layout.landmarkCol {
		snap.landmarks[id] = s.landmarks[id].Position
	}
	return snap
}

func (s *Solver) restoreFree(layout paramLayout, snap freeSnapshot) {
	for id, p := range snap.poses {
		s.poses[id].Pose = p
	}
	for id, p := range snap.landmarks {
		s.landmarks[id].Position = p
	}
}

// applyDelta perturbs each free pose by a local SE3 update (rotation via the
// skew-symmetric exponential approximation, translation in the pose's own
// frame) and each free landmark by a direct 3D offset in world coordinates.
func (s *Solver) applyDelta(layout paramLayout, delta []float64) {
	for id, col := range layout.poseCol {
		v := s.poses[id]
		phi := geom.Vec3{X: delta[col], Y: delta[col+1], Z: delta[col+2]}
		dt := geom.Vec3{X: delta[col+3], Y: delta[col+4], Z: delta[col+5]}
		v.Pose = applyLocalPerturbation(v.Pose, phi, dt)
	}
	for id, col := range layout.landmarkCol {
		v := s.landmarks[id]
		v.Position.X += delta[col]
		v.Position.Y += delta[col+1]
		v.Position.Z += delta[col+2]
	}
}

// applyLocalPerturbation right-multiplies the rotation by Exp(phi) (small
// angle approximation I + skew(phi)) and advances translation by R*dt, the
// standard body-frame SE3 local update used in pose-graph optimization.
func applyLocalPerturbation(pose geom.SE3, phi, dt geom.Vec3) geom.SE3 {
	skewPhi := skew(phi.X, phi.Y, phi.Z)
	var newR [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				delta := 0.0
				if j == k {
					delta = 1
				}
				sum += pose.R[i][k] * (delta + skewPhi[k][j])
			}
			newR[i][j] = sum
		}
	}
	newT := pose.Apply(dt)
	// pose.Apply already adds pose.T, but we want T + R*dt, which is exactly
	// pose.Apply(dt) when pose.Apply is R*dt + T.
	out := geom.SE3{R: newR, T: newT}
	return out
}

// linearize assembles the stacked Jacobian/residual over every edge, scaled
// by the Cholesky factor of each edge's information matrix (optionally
// down-weighted by the active robust kernel), and returns the total scalar
// cost sum(r^T Info r) (after kernel reshaping).
func (s *Solver) linearize(layout paramLayout) (*mat.Dense, *mat.VecDense, float64) {
	rows := 3*len(s.edges3D) + 6*len(s.edgesSE3)
	J := mat.NewDense(rows, layout.total, nil)
	r := mat.NewVecDense(rows, nil)

	row := 0
	cost := 0.0

	for _, e := range s.edges3D {
		pose := s.poses[e.FromPose]
		landmark := s.landmarks[e.ToLandmark]

		inv := pose.Pose.Inverse()
		predicted := inv.Apply(landmark.Position)
		res := geom.Vec3{X: predicted.X - e.Measurement.X, Y: predicted.Y - e.Measurement.Y, Z: predicted.Z - e.Measurement.Z}

		chi2 := quadForm3(res, e.Info)
		weight := 1.0
		if s.kernel != nil {
			weight = s.kernel.Weight(chi2)
		}
		info := e.Info
		if weight != 1.0 {
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					info[i][j] *= weight
				}
			}
		}
		cost += quadForm3(res, info)

		L := choleskyOf3x3(info)
		wres := mulMat3Vec(L.T(), res)
		r.SetVec(row, wres.X)
		r.SetVec(row+1, wres.Y)
		r.SetVec(row+2, wres.Z)

		// d(predicted)/d(landmark world position) = R^T
		dResDLandmark := pose.Pose.RotationDense().T()
		// d(predicted)/d(pose local perturbation [phi; dt]) = [skew(predicted), -I3]
		skewPred := mat3ToDense(skew(predicted.X, predicted.Y, predicted.Z))

		if col, ok := layout.poseCol[e.FromPose]; ok {
			var weighted mat.Dense
			poseJ := mat.NewDense(3, 6, nil)
			poseJ.SetCol(0, colOf(skewPred, 0))
			poseJ.SetCol(1, colOf(skewPred, 1))
			poseJ.SetCol(2, colOf(skewPred, 2))
			poseJ.Set(0, 3, -1)
			poseJ.Set(1, 4, -1)
			poseJ.Set(2, 5, -1)
			weighted.Mul(L.T(), poseJ)
			setBlock(J, row, col, &weighted)
		}
		if col, ok := layout.landmarkCol[e.ToLandmark]; ok {
			var weighted mat.Dense
			weighted.Mul(L.T(), dResDLandmark)
			setBlock(J, row, col, &weighted)
		}

		row += 3
	}

	for _, e := range s.edgesSE3 {
		from := s.poses[e.FromPose]
		to := s.poses[e.ToPose]

		res := se3Residual(from.Pose, to.Pose, e.Measurement)
		chi2 := quadForm6(res, e.Info)
		weight := 1.0
		if s.kernel != nil {
			weight = s.kernel.Weight(chi2)
		}
		info := e.Info
		if weight != 1.0 {
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					info[i][j] *= weight
				}
			}
		}
		cost += quadForm6(res, info)

		L := choleskyOf6x6(info)
		resVec := mat.NewVecDense(6, res[:])
		var wres mat.VecDense
		wres.MulVec(L.T(), resVec)
		for k := 0; k < 6; k++ {
			r.SetVec(row+k, wres.AtVec(k))
		}

		// Numeric Jacobians for the pose-to-pose residual: the exact
		// analytic SE3 log-map derivative is heavier than this edge type's
		// share of the graph warrants, so the well-understood Gauss-Newton
		// building block here is a central-difference Jacobian instead.
		if col, ok := layout.poseCol[e.FromPose]; ok {
			Jfrom := numericPoseJacobian(from.Pose, to.Pose, e.Measurement, true)
			var weighted mat.Dense
			weighted.Mul(L.T(), Jfrom)
			setBlock(J, row, col, &weighted)
		}
		if col, ok := layout.poseCol[e.ToPose]; ok {
			Jto := numericPoseJacobian(from.Pose, to.Pose, e.Measurement, false)
			var weighted mat.Dense
			weighted.Mul(L.T(), Jto)
			setBlock(J, row, col, &weighted)
		}

		row += 6
	}

	return J, r, cost
}

// numericPoseJacobian computes d(se3Residual)/d(local perturbation) of
// whichever endpoint wrt is true for ("from") or false ("to"), via
// gonum/diff/fd central differences.
func numericPoseJacobian(from, to, measurement geom.SE3, wrtFrom bool) *mat.Dense {
	J := mat.NewDense(6, 6, nil)
	base := from
	if !wrtFrom {
		base = to
	}
	// fd.Derivative only returns a scalar derivative, so the 6x6 block is
	// filled one residual component at a time per perturbation direction.
	for k := 0; k < 6; k++ {
		for comp := 0; comp < 6; comp++ {
			d := fd.Derivative(func(h float64) float64 {
				phi := geom.Vec3{}
				dt := geom.Vec3{}
				switch k {
				case 0:
					phi.X = h
				case 1:
					phi.Y = h
				case 2:
					phi.Z = h
				case 3:
					dt.X = h
				case 4:
					dt.Y = h
				case 5:
					dt.Z = h
				}
				perturbed := applyLocalPerturbation(base, phi, dt)
				var res [6]float64
				if wrtFrom {
					res = se3Residual(perturbed, to, measurement)
				} else {
					res = se3Residual(from, perturbed, measurement)
				}
				return res[comp]
			}, 0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			J.Set(comp, k, d)
		}
	}
	return J
}

// se3Residual returns the 6-vector [rotation-vee; translation] residual of
// pose-to-pose edge (from, to, measurement): how far the actual relative
// transform deviates from the measured one.
func se3Residual(from, to, measurement geom.SE3) [6]float64 {
	predictedTo := from.Compose(measurement)
	relR := matMulT(predictedTo.R, to.R) // predicted^T * actual, small-angle near identity when consistent
	vee := veeSkewPart(relR)
	dt := geom.Vec3{X: to.T.X - predictedTo.T.X, Y: to.T.Y - predictedTo.T.Y, Z: to.T.Z - predictedTo.T.Z}
	return [6]float64{vee.X, vee.Y, vee.Z, dt.X, dt.Y, dt.Z}
}

func matMulT(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += a[k][i] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func veeSkewPart(m [3][3]float64) geom.Vec3 {
	return geom.Vec3{
		X: 0.5 * (m[2][1] - m[1][2]),
		Y: 0.5 * (m[0][2] - m[2][0]),
		Z: 0.5 * (m[1][0] - m[0][1]),
	}
}

func quadForm3(v geom.Vec3, m [3][3]float64) float64 {
	x, y, z := v.X, v.Y, v.Z
	return x*(m[0][0]*x+m[0][1]*y+m[0][2]*z) +
		y*(m[1][0]*x+m[1][1]*y+m[1][2]*z) +
		z*(m[2][0]*x+m[2][1]*y+m[2][2]*z)
}

func quadForm6(v [6]float64, m [6][6]float64) float64 {
	sum := 0.0
	for i := 0; i < 6; i++ {
		row := 0.0
		for j := 0; j < 6; j++ {
			row += m[i][j] * v[j]
		}
		sum += v[i] * row
	}
	return sum
}

func mulMat3Vec(m mat.Matrix, v geom.Vec3) geom.Vec3 {
	return geom.Vec3{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func colOf(m *mat.Dense, col int) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = m.At(i, col)
	}
	return out
}

func setBlock(dst *mat.Dense, row, col int, src *mat.Dense) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func (s *Solver) OptimizedFeatures() []Vertex3D {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Vertex3D, 0, len(s.landmarkOrder))
	for _, id := range s.landmarkOrder {
		out = append(out, *s.landmarks[id])
	}
	return out
}

func (s *Solver) OptimizedPoses() []VertexSE3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VertexSE3, 0, len(s.poseOrder))
	for _, id := range s.poseOrder {
		out = append(out, *s.poses[id])
	}
	return out
}

// Prune3DEdges removes landmark observation edges whose squared
// Mahalanobis residual, evaluated at the current estimate, exceeds
// threshold. threshold <= 0 uses the chi-square 0.95 quantile for 3 dof.
func (s *Solver) Prune3DEdges(threshold float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if threshold <= 0 {
		threshold = chiSquare95(3)
	}

	kept := s.edges3D[:0]
	removed := 0
	for _, e := range s.edges3D {
		pose, ok1 := s.poses[e.FromPose]
		landmark, ok2 := s.landmarks[e.ToLandmark]
		if !ok1 || !ok2 {
			removed++
			continue
		}
		predicted := pose.Pose.Inverse().Apply(landmark.Position)
		res := geom.Vec3{X: predicted.X - e.Measurement.X, Y: predicted.Y - e.Measurement.Y, Z: predicted.Z - e.Measurement.Z}
		if quadForm3(res, e.Info) > threshold {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.edges3D = kept
	return removed
}

// RemoveWeakFeatures deletes every landmark vertex observed by fewer than
// minObs edges, together with its edges.
func (s *Solver) RemoveWeakFeatures(minObs int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	obsCount := map[uint32]int{}
	for _, e := range s.edges3D {
		obsCount[e.ToLandmark]++
	}

	weak := map[uint32]bool{}
	for _, id := range s.landmarkOrder {
		if obsCount[id] < minObs {
			weak[id] = true
		}
	}
	if len(weak) == 0 {
		return 0
	}

	newOrder := make([]uint32, 0, len(s.landmarkOrder))
	for _, id := range s.landmarkOrder {
		if weak[id] {
			delete(s.landmarks, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	s.landmarkOrder = newOrder

	newEdges := s.edges3D[:0]
	for _, e := range s.edges3D {
		if weak[e.ToLandmark] {
			continue
		}
		newEdges = append(newEdges, e)
	}
	s.edges3D = newEdges
	return len(weak)
}

func (s *Solver) FixOptimizedVertices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.poses {
		v.Fixed = true
	}
	for _, v := range s.landmarks {
		v.Fixed = true
	}
}

func (s *Solver) ReleaseFixedVertices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.poses {
		v.Fixed = false
	}
	for _, v := range s.landmarks {
		v.Fixed = false
	}
}

// Measurements returns every observation edge for featureID plus the
// landmark's current estimated position, for plotting/introspection.
func (s *Solver) Measurements(featureID uint32) ([]Edge3D, geom.Vec3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	landmark, ok := s.landmarks[featureID]
	if !ok {
		return nil, geom.Vec3{}, &UnknownIDError{ID: featureID}
	}
	var out []Edge3D
	for _, e := range s.edges3D {
		if e.ToLandmark == featureID {
			out = append(out, e)
		}
	}
	return out, landmark.Position, nil
}

// SaveToFile writes a plain-text graph dump in the line-oriented
// VERTEX/EDGE convention g2o-compatible tools already use, since this
// adapter is meant to stay interchangeable with a real g2o-backed solver.
func (s *Solver) SaveToFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ids := append([]uint32{}, s.poseOrder...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		v := s.poses[id]
		qx, qy, qz, qw := v.Pose.Quaternion()
		fmt.Fprintf(f, "VERTEX_SE3:QUAT %d %f %f %f %f %f %f %f\n",
			v.ID, v.Pose.T.X, v.Pose.T.Y, v.Pose.T.Z, qx, qy, qz, qw)
	}
	lids := append([]uint32{}, s.landmarkOrder...)
	sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })
	for _, id := range lids {
		v := s.landmarks[id]
		fmt.Fprintf(f, "VERTEX_TRACKXYZ %d %f %f %f\n", v.ID, v.Position.X, v.Position.Y, v.Position.Z)
	}
	for _, e := range s.edgesSE3 {
		qx, qy, qz, qw := e.Measurement.Quaternion()
		fmt.Fprintf(f, "EDGE_SE3:QUAT %d %d %f %f %f %f %f %f %f\n",
			e.FromPose, e.ToPose, e.Measurement.T.X, e.Measurement.T.Y, e.Measurement.T.Z, qx, qy, qz, qw)
	}
	for _, e := range s.edges3D {
		fmt.Fprintf(f, "EDGE_TRACKXYZ %d %d %f %f %f\n",
			e.FromPose, e.ToLandmark, e.Measurement.X, e.Measurement.Y, e.Measurement.Z)
	}
	return nil
}
