// Package optimizer runs the background optimization loop against a
// featuresmap.FeaturesMap. Its goroutine lifecycle - a running flag, a
// sync.WaitGroup, Start/Stop, and a polling loop body - is grounded
// directly in this stack's rbc.TcpClient sender loop.
package optimizer

import (
	"sync"
	"sync/atomic"
	"time"

	"slammap/config"
	"slammap/featuresmap"
	"slammap/logging"
	"slammap/mapmodifier"
	"slammap/posegraph"
)

// Driver owns the background optimization goroutine.
type Driver struct {
	fm  *featuresmap.FeaturesMap
	cfg config.MapConfig
	log *logging.Logger

	continueOpt atomic.Bool
	wg          sync.WaitGroup

	pollInterval time.Duration
}

// New builds a driver for fm using cfg's tunables.
func New(fm *featuresmap.FeaturesMap, cfg config.MapConfig) *Driver {
	return &Driver{
		fm:           fm,
		cfg:          cfg,
		log:          logging.New("optimizer"),
		pollInterval: 200 * time.Millisecond,
	}
}

// Start launches the background optimization goroutine. Safe to call once;
// calling it again while already running is a no-op.
func (d *Driver) Start() {
	if !d.continueOpt.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.loop()
}

// Stop cooperatively halts the optimization goroutine, waits for it to
// finish its current pass, then runs one terminal pass: apply the configured
// robust kernel, remove weak landmarks, release fixed vertices, prune,
// optimize 10 more iterations, and hand the results back to the map. The
// terminal pass writes no files: it neither exports the graph or trajectory
// nor dumps the map.
func (d *Driver) Stop() {
	if !d.continueOpt.CompareAndSwap(true, false) {
		return
	}
	d.wg.Wait()
	d.finalPass()
}

func (d *Driver) loop() {
	defer d.wg.Done()

	graph := d.fm.Graph()
	if d.cfg.RobustKernelName != "" {
		if err := graph.SetRobustKernel(d.cfg.RobustKernelName, d.cfg.RobustKernelDelta); err != nil {
			d.log.Warnf("invalid robust kernel config: %v", err)
		}
	}

	for d.continueOpt.Load() {
		if d.fm.EmptyMap() {
			time.Sleep(d.pollInterval)
			continue
		}

		if err := graph.Optimize(d.cfg.OptimizationIterations, false); err != nil {
			d.log.Warnf("optimize pass failed: %v", err)
			time.Sleep(d.pollInterval)
			continue
		}

		d.stageLandmarkResults(graph)
		d.fm.UpdateMap()

		if d.cfg.Edges3DPruningThreshold > 0 {
			removed := graph.Prune3DEdges(d.cfg.Edges3DPruningThreshold)
			if removed > 0 {
				d.log.Debugf("pruned %d observation edges", removed)
			}
		}

		d.fm.UpdateCamTrajectory(graph.OptimizedPoses())

		if d.cfg.FixVertices {
			graph.FixOptimizedVertices()
		}

		time.Sleep(d.pollInterval)
	}
}

func (d *Driver) stageLandmarkResults(graph posegraph.Graph) {
	features := graph.OptimizedFeatures()
	if len(features) == 0 {
		return
	}
	updates := make([]mapmodifier.StagedFeature, 0, len(features))
	for _, f := range features {
		updates = append(updates, mapmodifier.StagedFeature{ID: f.ID, Position: f.Position})
	}
	d.fm.Modifier().StageUpdates(updates)
}

func (d *Driver) finalPass() {
	graph := d.fm.Graph()

	if d.cfg.RobustKernelName != "" {
		_ = graph.SetRobustKernel(d.cfg.RobustKernelName, d.cfg.RobustKernelDelta)
	}
	if d.cfg.WeakFeatureThr > 0 {
		removed := graph.RemoveWeakFeatures(int(d.cfg.WeakFeatureThr))
		if removed > 0 {
			d.log.Infof("removed %d weak landmarks at shutdown", removed)
		}
	}
	if d.cfg.FixVertices {
		graph.ReleaseFixedVertices()
	}
	if d.cfg.Edges3DPruningThreshold > 0 {
		graph.Prune3DEdges(d.cfg.Edges3DPruningThreshold)
	}
	if err := graph.Optimize(10, false); err != nil {
		d.log.Warnf("final optimize pass failed: %v", err)
	}
	d.stageLandmarkResults(graph)
	d.fm.UpdateMap()
	d.fm.UpdateCamTrajectory(graph.OptimizedPoses())
}
