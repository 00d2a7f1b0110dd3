// Package bundle implements joint nonlinear refinement of camera poses,
// calibration and 3D points by Levenberg-Marquardt minimization of
// reprojection error, with the point block eliminated by a Schur
// complement.
package bundle

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
)

const (
	// minDepth guards projection Jacobians against points crossing the
	// camera plane during iteration.
	minDepth = 1e-6
	// huberDeltaPx is the robust-loss transition point.
	huberDeltaPx = 2.0
	// costTolerance terminates when the relative cost decrease drops
	// below it.
	costTolerance = 1e-12
	lambdaInit    = 1e-6
	lambdaMax     = 1e10
	lambdaMin     = 1e-12
)

// Options controls one bundle adjustment run.
type Options struct {
	MaxIterations  int
	RobustLoss     bool
	OptimizeCalib  bool
	SharedCalib    bool
	OutputThreshPx float64
	MinTrackLen    int
	// Reoptimize runs one more optimization pass after post-filtering
	// removed anything.
	Reoptimize bool
}

// OptionsFromConfig maps the pipeline configuration onto Options.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		MaxIterations:  cfg.GetMaxBAIterations(),
		RobustLoss:     cfg.GetRobustMeasurementNoise(),
		OptimizeCalib:  cfg.GetOptimizeCalib(),
		SharedCalib:    cfg.GetSharedCalib(),
		OutputThreshPx: cfg.GetOutputReprojErrorThresh(),
		MinTrackLen:    cfg.GetMinTrackLen(),
		Reoptimize:     true,
	}
}

// Result is the refined reconstruction with optimizer diagnostics.
type Result struct {
	Cameras map[sfm.ImageID]sfm.Camera
	Tracks  []sfm.Track

	InitialRMSE        float64
	FinalRMSE          float64
	Iterations         int
	Converged          bool
	ObservationsPruned int
	TracksPruned       int
	CheiralityPruned   int
}

// Adjuster refines one reconstruction.
type Adjuster struct {
	opts Options
}

// New builds an Adjuster.
func New(opts Options) *Adjuster {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	if opts.MinTrackLen < 2 {
		opts.MinTrackLen = 2
	}
	return &Adjuster{opts: opts}
}

// Run refines poses, points and (optionally) focal lengths, then applies
// the post-optimization reprojection and cheirality filters. Receiving
// zero tracks is the fatal starvation case and returns an error.
func (a *Adjuster) Run(cameras map[sfm.ImageID]sfm.Camera, tracksIn []sfm.Track) (Result, error) {
	if len(tracksIn) == 0 {
		return Result{}, errors.New("bundle adjustment received zero tracks")
	}
	if len(cameras) < 2 {
		return Result{}, fmt.Errorf("bundle adjustment needs at least 2 cameras, got %d", len(cameras))
	}

	p := newProblem(cameras, tracksIn, a.opts)
	res := Result{InitialRMSE: p.rmse()}

	iters, converged := p.optimize(a.opts.MaxIterations)
	res.Iterations = iters
	res.Converged = converged

	obsPruned, tracksPruned, cheiralityPruned := p.postFilter(a.opts.OutputThreshPx, a.opts.MinTrackLen)
	res.ObservationsPruned = obsPruned
	res.TracksPruned = tracksPruned
	res.CheiralityPruned = cheiralityPruned

	if a.opts.Reoptimize && (obsPruned > 0 || tracksPruned > 0) && p.numTracks() > 0 {
		extraIters, conv2 := p.optimize(a.opts.MaxIterations)
		res.Iterations += extraIters
		res.Converged = conv2
		o2, t2, c2 := p.postFilter(a.opts.OutputThreshPx, a.opts.MinTrackLen)
		res.ObservationsPruned += o2
		res.TracksPruned += t2
		res.CheiralityPruned += c2
	}

	res.Cameras, res.Tracks = p.export()
	res.FinalRMSE = p.rmse()
	for _, cam := range res.Cameras {
		if !cam.Pose.IsFinite() {
			return Result{}, errors.New("bundle adjustment produced a non-finite pose")
		}
	}
	return res, nil
}

// problem is the mutable optimization state.
type problem struct {
	camIDs  []sfm.ImageID
	camIdx  map[sfm.ImageID]int
	cameras []sfm.Camera
	tracks  []sfm.Track // Obs filtered in place by postFilter

	opts Options
}

func newProblem(cameras map[sfm.ImageID]sfm.Camera, tracksIn []sfm.Track, opts Options) *problem {
	ids := make([]sfm.ImageID, 0, len(cameras))
	for id := range cameras {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	p := &problem{
		camIDs: ids,
		camIdx: make(map[sfm.ImageID]int, len(ids)),
		opts:   opts,
	}
	for i, id := range ids {
		p.camIdx[id] = i
		p.cameras = append(p.cameras, cameras[id])
	}
	p.tracks = make([]sfm.Track, len(tracksIn))
	for i := range tracksIn {
		p.tracks[i] = sfm.Track{
			Obs:   append([]sfm.TrackObservation(nil), tracksIn[i].Obs...),
			Point: tracksIn[i].Point,
		}
	}
	return p
}

func (p *problem) numTracks() int { return len(p.tracks) }

// paramLayout: 6 pose parameters per camera, then the focal parameters
// when calibration is optimized (one per camera, or a single shared one).
func (p *problem) numCamParams() int {
	n := 6 * len(p.cameras)
	if !p.opts.OptimizeCalib {
		return n
	}
	if p.opts.SharedCalib {
		return n + 1
	}
	return n + len(p.cameras)
}

// focalCol returns the parameter column of camera c's focal, or -1.
func (p *problem) focalCol(c int) int {
	if !p.opts.OptimizeCalib {
		return -1
	}
	if p.opts.SharedCalib {
		return 6 * len(p.cameras)
	}
	return 6*len(p.cameras) + c
}

// cost returns the (optionally robust) total cost and the RMS reprojection
// error over all usable observations.
func (p *problem) cost() (float64, float64, int) {
	var total, sqSum float64
	var n int
	for ti := range p.tracks {
		t := &p.tracks[ti]
		for _, o := range t.Obs {
			cam := p.cameras[p.camIdx[o.Image]]
			e := cam.ReprojError(t.Point, o.X, o.Y)
			if math.IsInf(e, 0) {
				// Behind the camera: excluded from the cost; the
				// post-filter prunes it.
				continue
			}
			total += p.robustCost(e)
			sqSum += e * e
			n++
		}
	}
	if n == 0 {
		return total, 0, 0
	}
	return total, math.Sqrt(sqSum / float64(n)), n
}

func (p *problem) rmse() float64 {
	_, rmse, _ := p.cost()
	return rmse
}

func (p *problem) robustCost(e float64) float64 {
	if !p.opts.RobustLoss || e <= huberDeltaPx {
		return e * e
	}
	return huberDeltaPx * (2*e - huberDeltaPx)
}

func (p *problem) robustWeight(e float64) float64 {
	if !p.opts.RobustLoss || e <= huberDeltaPx {
		return 1
	}
	return huberDeltaPx / e
}

// optimize runs the Levenberg-Marquardt loop to convergence or the
// iteration cap, returning iterations used and whether it converged.
func (p *problem) optimize(maxIters int) (int, bool) {
	lambda := lambdaInit
	cost, _, n := p.cost()
	if n == 0 {
		return 0, false
	}

	for iter := 1; iter <= maxIters; iter++ {
		accepted := false
		for attempt := 0; attempt < 8; attempt++ {
			deltaCam, deltaPts, ok := p.solveStep(lambda)
			if !ok {
				lambda = math.Min(lambda*10, lambdaMax)
				continue
			}
			savedCams := append([]sfm.Camera(nil), p.cameras...)
			savedPts := make([]sfm.Vec3, len(p.tracks))
			for i := range p.tracks {
				savedPts[i] = p.tracks[i].Point
			}

			p.applyStep(deltaCam, deltaPts)
			newCost, _, _ := p.cost()
			if newCost < cost && !math.IsNaN(newCost) {
				rel := (cost - newCost) / math.Max(cost, 1e-300)
				cost = newCost
				lambda = math.Max(lambda/10, lambdaMin)
				accepted = true
				if rel < costTolerance {
					return iter, true
				}
				break
			}

			// Reject: restore state and stiffen the damping.
			copy(p.cameras, savedCams)
			for i := range p.tracks {
				p.tracks[i].Point = savedPts[i]
			}
			lambda = math.Min(lambda*10, lambdaMax)
		}
		if !accepted {
			// No damping value produced a decrease; treat as converged
			// at a local minimum.
			return iter, true
		}
	}
	return maxIters, false
}
