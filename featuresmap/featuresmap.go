// Package featuresmap is the hub of this backend: the concurrent trajectory
// and landmark store the tracker ingests into and queries, reconciled in the
// background against the pose graph's optimization results. Its locking
// discipline is grounded directly in this stack's UDP ingestion server
// (server/udp.go): a small set of sync.Mutex/RWMutex-protected state blocks,
// an atomic "empty map" latch, and a non-blocking try-lock handoff so a slow background
// pass never stalls the real-time caller.
package featuresmap

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"slammap/config"
	"slammap/geom"
	"slammap/logging"
	"slammap/mapmodifier"
	"slammap/posegraph"
	"slammap/sensormodel"
)

// FeaturesMap is the concurrent map store. Exactly one tracker goroutine is
// expected to call the ingestion methods; exactly one optimizer goroutine
// calls updateMap/updateCamTrajectory indirectly through the optimizer
// package. The only nested acquisition is in updateMap: map (try-lock) ->
// modifier. The trajectory lock is never held together with either.
type FeaturesMap struct {
	cfg    config.MapConfig
	sensor *sensormodel.Model
	graph  posegraph.Graph
	mod    *mapmodifier.Modifier
	log    *logging.Logger

	trajMu     sync.RWMutex
	trajectory []Pose
	odo        []geom.SE3
	frames     []RGBDFrame // ring buffer, length capped at cfg.FrameCacheSize
	frameBase  uint32      // VertexID of frames[0]; frames before this have been evicted

	mapMu         sync.Mutex
	landmarks     map[uint32]*MapFeature
	landmarkOrder []uint32
	nextFeatureID atomic.Uint32

	lastOptimizedPose uint32
	emptyMap          atomic.Bool
}

// New constructs a FeaturesMap wired to the given sensor model and graph
// backend (ordinarily a *posegraph.Solver).
func New(cfg config.MapConfig, sensor *sensormodel.Model, graph posegraph.Graph) (*FeaturesMap, error) {
	if sensor == nil {
		return nil, &ConfigurationError{Reason: "sensor model is required"}
	}
	if graph == nil {
		return nil, &ConfigurationError{Reason: "pose graph is required"}
	}
	if cfg.FrameCacheSize <= 0 {
		cfg.FrameCacheSize = 512
	}
	fm := &FeaturesMap{
		cfg:       cfg,
		sensor:    sensor,
		graph:     graph,
		mod:       mapmodifier.New(),
		log:       logging.New("featuresmap"),
		landmarks: make(map[uint32]*MapFeature),
	}
	fm.nextFeatureID.Store(FeatureStartID)
	fm.emptyMap.Store(true)
	return fm, nil
}

// Modifier exposes the staging buffer so the optimizer package can drive
// updateMap from outside this package without re-deriving the same
// try-lock contract.
func (fm *FeaturesMap) Modifier() *mapmodifier.Modifier { return fm.mod }

// Graph exposes the underlying pose graph adapter for the optimizer driver.
func (fm *FeaturesMap) Graph() posegraph.Graph { return fm.graph }

// EmptyMap reports whether any feature has ever been added.
func (fm *FeaturesMap) EmptyMap() bool { return fm.emptyMap.Load() }

// AddNewPose appends a new trajectory vertex computed from the previous
// pose composed with the incremental transform dT, stores the frame, and
// registers the pose vertex with the graph. Returns the new pose's id.
func (fm *FeaturesMap) AddNewPose(dT geom.SE3, timestamp float64, frame RGBDFrame) (uint32, error) {
	fm.trajMu.Lock()
	var id uint32
	var pose geom.SE3
	if len(fm.trajectory) == 0 {
		pose = dT
		id = 0
	} else {
		prev := fm.trajectory[len(fm.trajectory)-1]
		pose = prev.Pose.Compose(dT)
		id = prev.VertexID + 1
	}
	fm.trajectory = append(fm.trajectory, Pose{VertexID: id, Pose: pose, Timestamp: timestamp})
	fm.odo = append(fm.odo, dT)

	frame.PoseID = id
	fm.frames = append(fm.frames, frame)
	if len(fm.frames) > fm.cfg.FrameCacheSize {
		drop := len(fm.frames) - fm.cfg.FrameCacheSize
		fm.frames = fm.frames[drop:]
		fm.frameBase += uint32(drop)
	}
	fm.trajMu.Unlock()

	if err := fm.graph.AddVertexPose(posegraph.VertexSE3{ID: id, Pose: pose, Timestamp: timestamp}); err != nil {
		return id, err
	}
	return id, nil
}

// AddFeatures ingests freshly detected landmarks observed from poseID (or
// the most recent pose when poseID < 0), transforms them into the world
// frame, and adds both a graph vertex and an observation edge for each. New
// landmarks are staged into the modifier rather than written straight into
// the live map, so this call never blocks on fm.mapMu: the trajectory lock
// (via poseByIDOrLast) and the modifier's own lock are taken, and fm.mapMu is
// only try-locked by the final updateMap call, which returns at once if busy.
func (fm *FeaturesMap) AddFeatures(features []RGBDFeature, poseID int) error {
	pose, err := fm.poseByIDOrLast(poseID)
	if err != nil {
		return err
	}

	for _, feat := range features {
		worldPos := pose.Pose.Apply(feat.Position)
		id := fm.nextFeatureID.Add(1) - 1

		staged := mapmodifier.StagedFeature{
			ID:       id,
			U:        feat.U,
			V:        feat.V,
			Position: worldPos,
			PoseID:   pose.VertexID,
		}
		if len(feat.Descriptors) > 0 {
			staged.Descriptor = feat.Descriptors[0]
		}
		fm.mod.StageAdd(staged)

		if err := fm.graph.AddVertexFeature(posegraph.Vertex3D{ID: id, Position: worldPos}); err != nil {
			return err
		}
		info, err := fm.informationFor(feat)
		if err != nil {
			return err
		}
		if err := fm.graph.AddEdge3D(posegraph.Edge3D{
			FromPose:    pose.VertexID,
			ToLandmark:  id,
			Measurement: feat.Position,
			Info:        info,
		}); err != nil {
			return err
		}
	}
	fm.emptyMap.Store(false)
	// Non-blocking handoff attempt, the same try-lock pattern the optimizer
	// uses after staging its own updates; under normal (uncontended) use the
	// staged landmarks are visible to the very next reader.
	fm.updateMap()
	return nil
}

func (fm *FeaturesMap) informationFor(feat RGBDFeature) ([3][3]float64, error) {
	if !fm.cfg.UseUncertainty {
		return posegraph.Identity3x3(), nil
	}
	sym, err := fm.sensor.InformationMatrixFromImageCoordinates(float64(feat.U), float64(feat.V), feat.Position.Z)
	if err != nil {
		return posegraph.Identity3x3(), err
	}
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = sym.At(i, j)
		}
	}
	return out, nil
}

// AddMeasurements re-associates already-known landmarks with poseID. It
// never moves a landmark's position; only the optimizer does that.
// Unknown landmark ids are reported but do not abort the rest of the batch.
func (fm *FeaturesMap) AddMeasurements(features []MapFeature, poseID int) error {
	pose, err := fm.poseByIDOrLast(poseID)
	if err != nil {
		return err
	}

	fm.mapMu.Lock()
	defer fm.mapMu.Unlock()

	var firstErr error
	for _, f := range features {
		mf, ok := fm.landmarks[f.ID]
		if !ok {
			if firstErr == nil {
				firstErr = &UnknownIDError{ID: f.ID}
			}
			continue
		}
		mf.PosesIDs = append(mf.PosesIDs, pose.VertexID)

		info := posegraph.Identity3x3()
		if fm.cfg.UseUncertainty {
			sym, err := fm.sensor.InformationMatrixFromImageCoordinates(float64(f.U), float64(f.V), mf.Position.Z)
			if err == nil {
				for i := 0; i < 3; i++ {
					for j := 0; j < 3; j++ {
						info[i][j] = sym.At(i, j)
					}
				}
			}
		}
		camFramePos := pose.Pose.Inverse().Apply(mf.Position)
		if err := fm.graph.AddEdge3D(posegraph.Edge3D{
			FromPose:    pose.VertexID,
			ToLandmark:  f.ID,
			Measurement: camFramePos,
			Info:        info,
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddMeasurement adds a pose-to-pose constraint (odometry re-estimate or
// loop closure) with identity information, since no uncertainty estimate is
// available at this boundary.
func (fm *FeaturesMap) AddMeasurement(poseFrom, poseTo uint32, t geom.SE3) error {
	return fm.graph.AddEdgeSE3(posegraph.EdgeSE3{
		FromPose:    poseFrom,
		ToPose:      poseTo,
		Measurement: t,
		Info:        posegraph.IdentityInfo6(),
	})
}

// AllFeatures returns a snapshot of every stored landmark, taken under the
// map lock, then opportunistically drains any buffered optimizer results so
// the next reader sees them.
func (fm *FeaturesMap) AllFeatures() []MapFeature {
	fm.mapMu.Lock()
	out := make([]MapFeature, 0, len(fm.landmarkOrder))
	for _, id := range fm.landmarkOrder {
		out = append(out, *fm.landmarks[id])
	}
	fm.mapMu.Unlock()
	fm.updateMap()
	return out
}

// FeaturePosition returns the current world position of a single landmark.
func (fm *FeaturesMap) FeaturePosition(id uint32) (geom.Vec3, error) {
	fm.mapMu.Lock()
	mf, ok := fm.landmarks[id]
	var pos geom.Vec3
	if ok {
		pos = mf.Position
	}
	fm.mapMu.Unlock()
	fm.updateMap()
	if !ok {
		return geom.Vec3{}, &UnknownIDError{ID: id}
	}
	return pos, nil
}

// VisibleFeatures returns every landmark that projects within the sensor's
// image window from cameraPose.
func (fm *FeaturesMap) VisibleFeatures(cameraPose geom.SE3) []MapFeature {
	fm.mapMu.Lock()
	inv := cameraPose.Inverse()
	out := make([]MapFeature, 0)
	for _, id := range fm.landmarkOrder {
		mf := fm.landmarks[id]
		camFrame := inv.Apply(mf.Position)
		u, v, d := fm.sensor.InverseModel(camFrame)
		if sensormodel.Visible(u, v, d) {
			out = append(out, *mf)
		}
	}
	fm.mapMu.Unlock()
	fm.updateMap()
	return out
}

// FindNearestFrame picks, for each query landmark, the observing pose whose
// view of the landmark is most aligned with the current (last) pose's view;
// returns -1 for a landmark with no recorded observers.
func (fm *FeaturesMap) FindNearestFrame(features []MapFeature) []int {
	fm.trajMu.RLock()
	var current Pose
	if len(fm.trajectory) > 0 {
		current = fm.trajectory[len(fm.trajectory)-1]
	}
	poseByID := make(map[uint32]geom.SE3, len(fm.trajectory))
	for _, p := range fm.trajectory {
		poseByID[p.VertexID] = p.Pose
	}
	fm.trajMu.RUnlock()

	result := make([]int, len(features))
	for i, f := range features {
		if len(f.PosesIDs) == 0 {
			result[i] = -1
			fm.log.Warnf("FindNearestFrame: feature %d has no observing poses", f.ID)
			continue
		}
		if len(f.PosesIDs) == 1 {
			result[i] = int(f.PosesIDs[0])
			continue
		}
		currentRay := viewRay(current.Pose, f.Position)
		best := f.PosesIDs[0]
		bestScore := math.Inf(-1)
		for _, pid := range f.PosesIDs {
			p, ok := poseByID[pid]
			if !ok {
				continue
			}
			ray := viewRay(p, f.Position)
			score := dot(currentRay, ray)
			if score > bestScore {
				bestScore = score
				best = pid
			}
		}
		result[i] = int(best)
	}
	return result
}

func viewRay(pose geom.SE3, worldPoint geom.Vec3) geom.Vec3 {
	camFrame := pose.Inverse().Apply(worldPoint)
	n := camFrame.Norm()
	if n == 0 {
		return geom.Vec3{Z: 1}
	}
	return geom.Vec3{X: camFrame.X / n, Y: camFrame.Y / n, Z: camFrame.Z / n}
}

func dot(a, b geom.Vec3) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }

// SensorPose returns the pose at poseID (-1 for the last pose). Poses up to
// LastOptimizedPose are returned directly; the tail is composed from raw
// odometry on top of the last optimized estimate, so the tracker never
// blocks waiting for the next optimization pass.
func (fm *FeaturesMap) SensorPose(poseID int) (geom.SE3, error) {
	fm.trajMu.RLock()
	defer fm.trajMu.RUnlock()

	if len(fm.trajectory) == 0 {
		return geom.Identity(), fmt.Errorf("featuresmap: trajectory is empty")
	}
	target := poseID
	if target < 0 {
		target = len(fm.trajectory) - 1
	}
	if target < 0 || target >= len(fm.trajectory) {
		return geom.Identity(), &UnknownIDError{ID: uint32(poseID)}
	}

	if uint32(target) <= fm.lastOptimizedPose {
		return fm.trajectory[target].Pose, nil
	}

	pose := fm.trajectory[fm.lastOptimizedPose].Pose
	for i := int(fm.lastOptimizedPose) + 1; i <= target; i++ {
		pose = pose.Compose(fm.odo[i])
	}
	return pose, nil
}

// Images returns the cached RGB/depth pair for poseNo, or ok=false if it has
// been evicted from the bounded frame cache.
func (fm *FeaturesMap) Images(poseNo int) (rgb, depth []byte, ok bool) {
	fm.trajMu.RLock()
	defer fm.trajMu.RUnlock()
	if poseNo < 0 || uint32(poseNo) < fm.frameBase {
		return nil, nil, false
	}
	idx := uint32(poseNo) - fm.frameBase
	if idx >= uint32(len(fm.frames)) {
		return nil, nil, false
	}
	f := fm.frames[idx]
	return f.RGB, f.Depth, true
}

func (fm *FeaturesMap) poseByIDOrLast(poseID int) (Pose, error) {
	fm.trajMu.RLock()
	defer fm.trajMu.RUnlock()
	if len(fm.trajectory) == 0 {
		return Pose{}, fmt.Errorf("featuresmap: trajectory is empty")
	}
	idx := poseID
	if idx < 0 {
		idx = len(fm.trajectory) - 1
	}
	if idx < 0 || idx >= len(fm.trajectory) {
		return Pose{}, &UnknownIDError{ID: uint32(poseID)}
	}
	return fm.trajectory[idx], nil
}

// updateMap is the non-blocking reconciliation point: if the map lock is
// busy, it returns immediately rather than making the optimizer (or any
// other drainer) wait. Lock order here is map -> modifier: the modifier's
// lock is taken inside Drain while the map lock is held.
func (fm *FeaturesMap) updateMap() {
	if !fm.mapMu.TryLock() {
		return
	}
	defer fm.mapMu.Unlock()

	adds, updates := fm.mod.Drain()
	for _, a := range adds {
		if _, exists := fm.landmarks[a.ID]; exists {
			continue
		}
		mf := &MapFeature{ID: a.ID, U: a.U, V: a.V, Position: a.Position, PosesIDs: []uint32{a.PoseID}}
		if a.Descriptor != nil {
			mf.Descriptors = append(mf.Descriptors, ExtendedDescriptor{PoseID: a.PoseID, Descriptor: a.Descriptor})
		}
		fm.landmarks[a.ID] = mf
		fm.landmarkOrder = append(fm.landmarkOrder, a.ID)
	}
	for _, u := range updates {
		if mf, ok := fm.landmarks[u.ID]; ok {
			mf.Position = u.Position
		}
	}
}

// UpdateCamTrajectory is called by the optimizer after a solve pass to
// push optimized poses back into the live trajectory and advance
// LastOptimizedPose. Exported so the optimizer package (which owns the
// background goroutine) can drive it without this package importing back
// into optimizer.
func (fm *FeaturesMap) UpdateCamTrajectory(poses []posegraph.VertexSE3) {
	fm.trajMu.Lock()
	defer fm.trajMu.Unlock()

	for _, p := range poses {
		if int(p.ID) >= len(fm.trajectory) {
			continue
		}
		fm.trajectory[p.ID].Pose = p.Pose
		if p.ID > fm.lastOptimizedPose {
			fm.lastOptimizedPose = p.ID
		}
	}
}

// UpdateMap is the exported form of updateMap for the optimizer package.
func (fm *FeaturesMap) UpdateMap() { fm.updateMap() }

// LastOptimizedPose reports the highest pose id currently reflecting an
// optimized estimate.
func (fm *FeaturesMap) LastOptimizedPose() uint32 {
	fm.trajMu.RLock()
	defer fm.trajMu.RUnlock()
	return fm.lastOptimizedPose
}

// TrajectorySnapshot returns a copy of the full trajectory, used by
// persistence and the live viewer hub.
func (fm *FeaturesMap) TrajectorySnapshot() []Pose {
	fm.trajMu.RLock()
	defer fm.trajMu.RUnlock()
	out := make([]Pose, len(fm.trajectory))
	copy(out, fm.trajectory)
	return out
}
