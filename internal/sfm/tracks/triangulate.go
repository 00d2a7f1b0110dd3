package tracks

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
)

// Triangulator estimates a 3D point per track from solved camera poses.
type Triangulator struct {
	cameras map[sfm.ImageID]sfm.Camera
	mode    string
	// reprojThresh bounds the acceptable per-observation reprojection
	// error of a candidate point, in pixels.
	reprojThresh  float64
	maxHypotheses int
	minLen        int
	workers       int
}

// NewTriangulator builds a triangulator over the solved cameras of one
// component.
func NewTriangulator(cameras map[sfm.ImageID]sfm.Camera, cfg *config.PipelineConfig) *Triangulator {
	return &Triangulator{
		cameras:       cameras,
		mode:          cfg.GetTriangulationMode(),
		reprojThresh:  cfg.GetReprojErrorThreshold(),
		maxHypotheses: cfg.GetMaxNumHypotheses(),
		minLen:        cfg.GetMinTrackLen(),
		workers:       cfg.GetNumWorkers(),
	}
}

// TriangulateStats aggregates triangulation outcomes across a track set.
type TriangulateStats struct {
	In                 int
	Accepted           int
	CheiralityFailures int
	ThresholdFailures  int
	TooFewSolvedViews  int
}

// Run triangulates the tracks over a worker pool; tracks are independent.
// Failed tracks are dropped, not errors, and outputs keep input order.
func (t *Triangulator) Run(in []Track2D) ([]sfm.Track, TriangulateStats) {
	type result struct {
		track   *sfm.Track
		outcome triangulateOutcome
	}
	results := make([]result, len(in))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < t.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				track, outcome := t.Triangulate(&in[i])
				results[i] = result{track: track, outcome: outcome}
			}
		}()
	}
	for i := range in {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	stats := TriangulateStats{In: len(in)}
	out := make([]sfm.Track, 0, len(in))
	for _, r := range results {
		switch r.outcome {
		case triangulateOK:
			out = append(out, *r.track)
			stats.Accepted++
		case failCheirality:
			stats.CheiralityFailures++
		case failThreshold:
			stats.ThresholdFailures++
		case failTooFewViews:
			stats.TooFewSolvedViews++
		}
	}
	return out, stats
}

type triangulateOutcome int

const (
	triangulateOK triangulateOutcome = iota
	failTooFewViews
	failCheirality
	failThreshold
)

// Triangulate estimates a 3D point for one track. Observations in unsolved
// cameras are ignored; the remaining support must still reach the minimum
// track length.
func (t *Triangulator) Triangulate(track *Track2D) (*sfm.Track, triangulateOutcome) {
	obs := make([]sfm.TrackObservation, 0, len(track.Obs))
	for _, o := range track.Obs {
		if cam, ok := t.cameras[o.Image]; ok && cam.Solved {
			obs = append(obs, o)
		}
	}
	if len(obs) < t.minLen {
		return nil, failTooFewViews
	}

	var point sfm.Vec3
	var keep []sfm.TrackObservation
	var outcome triangulateOutcome
	if t.mode == config.TriangulationRansac {
		point, keep, outcome = t.triangulateRansac(obs)
	} else {
		point, keep, outcome = t.triangulateDirect(obs)
	}
	if outcome != triangulateOK {
		return nil, outcome
	}

	errs := make([]float64, len(keep))
	var sum float64
	for i, o := range keep {
		errs[i] = t.cameras[o.Image].ReprojError(point, o.X, o.Y)
		sum += errs[i]
	}
	return &sfm.Track{
		Obs:          keep,
		Point:        point,
		ReprojErrors: errs,
		MeanError:    sum / float64(len(keep)),
	}, triangulateOK
}

// triangulateDirect solves the DLT least-squares system over all
// observations and validates the result against the error threshold and
// cheirality in every view.
func (t *Triangulator) triangulateDirect(obs []sfm.TrackObservation) (sfm.Vec3, []sfm.TrackObservation, triangulateOutcome) {
	point, ok := t.dlt(obs)
	if !ok {
		return sfm.Vec3{}, nil, failThreshold
	}
	for _, o := range obs {
		if t.cameras[o.Image].Depth(point) <= 0 {
			return sfm.Vec3{}, nil, failCheirality
		}
	}
	for _, o := range obs {
		if t.cameras[o.Image].ReprojError(point, o.X, o.Y) > t.reprojThresh {
			return sfm.Vec3{}, nil, failThreshold
		}
	}
	return point, obs, triangulateOK
}

// triangulateRansac draws bounded-size observation pairs as hypotheses,
// triangulates each, scores candidates by inlier support under the
// reprojection threshold, and refits on the winning inlier set.
func (t *Triangulator) triangulateRansac(obs []sfm.TrackObservation) (sfm.Vec3, []sfm.TrackObservation, triangulateOutcome) {
	n := len(obs)
	numPairs := n * (n - 1) / 2
	hypotheses := t.maxHypotheses
	if hypotheses > numPairs {
		hypotheses = numPairs
	}

	// Deterministic per-track sampling keyed by the first observation.
	rng := rand.New(rand.NewSource(int64(obs[0].Image)*7919 + int64(obs[0].Keypoint)))

	bestInliers := []int(nil)
	bestErr := math.Inf(1)
	sawCheiralityFailure := false
	for h := 0; h < hypotheses; h++ {
		a := rng.Intn(n)
		b := rng.Intn(n - 1)
		if b >= a {
			b++
		}
		point, ok := t.dlt([]sfm.TrackObservation{obs[a], obs[b]})
		if !ok {
			continue
		}
		if t.cameras[obs[a].Image].Depth(point) <= 0 || t.cameras[obs[b].Image].Depth(point) <= 0 {
			sawCheiralityFailure = true
			continue
		}
		var inliers []int
		var errSum float64
		for i, o := range obs {
			e := t.cameras[o.Image].ReprojError(point, o.X, o.Y)
			if e <= t.reprojThresh {
				inliers = append(inliers, i)
				errSum += e
			}
		}
		if len(inliers) < t.minLen {
			continue
		}
		meanErr := errSum / float64(len(inliers))
		if len(inliers) > len(bestInliers) || (len(inliers) == len(bestInliers) && meanErr < bestErr) {
			bestInliers = inliers
			bestErr = meanErr
		}
	}
	if len(bestInliers) < t.minLen {
		if sawCheiralityFailure {
			return sfm.Vec3{}, nil, failCheirality
		}
		return sfm.Vec3{}, nil, failThreshold
	}

	keep := make([]sfm.TrackObservation, len(bestInliers))
	for i, idx := range bestInliers {
		keep[i] = obs[idx]
	}
	return t.triangulateDirect(keep)
}

// dlt triangulates a point by the direct linear transform over the
// observations' projection matrices, solved with SVD.
func (t *Triangulator) dlt(obs []sfm.TrackObservation) (sfm.Vec3, bool) {
	if len(obs) < 2 {
		return sfm.Vec3{}, false
	}
	a := mat.NewDense(2*len(obs), 4, nil)
	row := make([]float64, 4)
	for i, o := range obs {
		p := t.cameras[o.Image].ProjectionMatrix()
		for c := 0; c < 4; c++ {
			row[c] = o.X*p.At(2, c) - p.At(0, c)
		}
		a.SetRow(2*i, row)
		for c := 0; c < 4; c++ {
			row[c] = o.Y*p.At(2, c) - p.At(1, c)
		}
		a.SetRow(2*i+1, row)
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var svd mat.SVD
	if !svd.Factorize(&ata, mat.SVDFull) {
		return sfm.Vec3{}, false
	}
	var vm mat.Dense
	svd.VTo(&vm)
	w := vm.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return sfm.Vec3{}, false
	}
	point := sfm.Vec3{vm.At(0, 3) / w, vm.At(1, 3) / w, vm.At(2, 3) / w}
	if !point.IsFinite() {
		return sfm.Vec3{}, false
	}
	return point, true
}
