package pipeline

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/bundle"
	"github.com/parallax-data/sfm/internal/sfm/rotavg"
	"github.com/parallax-data/sfm/internal/sfm/tracks"
	"github.com/parallax-data/sfm/internal/sfm/transavg"
	"github.com/parallax-data/sfm/internal/sfm/twoview"
	"github.com/parallax-data/sfm/internal/sfm/viewgraph"
)

// Pipeline wires the reconstruction stages together under one tuning
// configuration.
type Pipeline struct {
	cfg       *config.PipelineConfig
	estimator *twoview.Estimator
	filter    *viewgraph.Estimator
}

// New builds a Pipeline from configuration.
func New(cfg *config.PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	est, err := twoview.NewEstimator(cfg)
	if err != nil {
		return nil, fmt.Errorf("building two-view estimator: %w", err)
	}
	return &Pipeline{
		cfg:       cfg,
		estimator: est,
		filter:    viewgraph.NewEstimator(cfg),
	}, nil
}

// Report aggregates per-stage input/output counts for one run.
type Report struct {
	NumImages     int
	PairsIn       int
	PairsVerified int

	EdgesKept    int
	EdgesDropped int
	OrphanEdges  int

	Components        int
	ComponentsSolved  int
	ComponentsSkipped int

	TracksBuilt        int
	TracksTriangulated int
	TotalPoints        int
}

// StageCount is one row of the per-stage funnel.
type StageCount struct {
	Stage string
	In    int
	Out   int
}

// StageCounts flattens the report into the stage funnel recorded per run.
func (r Report) StageCounts() []StageCount {
	return []StageCount{
		{Stage: "two_view", In: r.PairsIn, Out: r.PairsVerified},
		{Stage: "cycle_filter", In: r.PairsVerified, Out: r.EdgesKept},
		{Stage: "averaging", In: r.Components, Out: r.ComponentsSolved},
		{Stage: "triangulation", In: r.TracksBuilt, Out: r.TracksTriangulated},
		{Stage: "bundle_adjustment", In: r.TracksTriangulated, Out: r.TotalPoints},
	}
}

// Result is the output of one pipeline run.
type Result struct {
	RunID           string
	Reconstructions []sfm.Reconstruction
	Report          Report
}

// Run executes the full pipeline over one dataset. Per-pair and
// per-component failures are dropped and counted; the run only fails when
// no component can be reconstructed at all.
func (p *Pipeline) Run(ds *sfm.Dataset) (*Result, error) {
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}

	res := &Result{RunID: uuid.New().String()}
	res.Report.NumImages = len(ds.Images)
	res.Report.PairsIn = len(ds.Pairs)

	geoms := p.estimatePairs(ds)
	res.Report.PairsVerified = len(geoms)
	log.Printf("two-view: verified %d/%d pairs", len(geoms), len(ds.Pairs))
	if len(geoms) == 0 {
		return nil, fmt.Errorf("no image pair survived two-view verification")
	}

	fr, err := p.filter.Filter(geoms)
	if err != nil {
		return nil, fmt.Errorf("cycle filtering: %w", err)
	}
	res.Report.EdgesKept = fr.EdgesKept
	res.Report.EdgesDropped = fr.EdgesDropped
	res.Report.OrphanEdges = fr.OrphanEdges
	log.Printf("cycle filter: kept %d/%d edges (%d dropped, %d orphaned)",
		fr.EdgesKept, fr.EdgesIn, fr.EdgesDropped, fr.OrphanEdges)

	comps := fr.Graph.ConnectedComponents()
	res.Report.Components = len(comps)
	for _, comp := range comps {
		recon, err := p.solveComponent(ds, comp, &res.Report)
		if err != nil {
			res.Report.ComponentsSkipped++
			log.Printf("component %d: skipped: %v", comp.Index, err)
			continue
		}
		res.Report.ComponentsSolved++
		res.Report.TotalPoints += len(recon.Tracks)
		res.Reconstructions = append(res.Reconstructions, recon)
		log.Printf("component %d: %d cameras, %d points, rmse %.3fpx -> %.3fpx",
			comp.Index, len(recon.Cameras), len(recon.Tracks),
			recon.Diag.InitialRMSE, recon.Diag.FinalRMSE)
	}
	if len(res.Reconstructions) == 0 {
		return nil, fmt.Errorf("no view-graph component could be reconstructed")
	}
	return res, nil
}

// estimatePairs fans image pairs out to a worker pool and collects the
// verified geometries in input order. Duplicate pairs keep their first
// occurrence.
func (p *Pipeline) estimatePairs(ds *sfm.Dataset) []*sfm.TwoViewGeometry {
	results := make([]*sfm.TwoViewGeometry, len(ds.Pairs))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.GetNumWorkers(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				pair := &ds.Pairs[i]
				g, ok := p.estimator.Estimate(ds.Image(pair.I1), ds.Image(pair.I2), pair.Matches)
				if ok {
					results[i] = g
				}
			}
		}()
	}
	for i := range ds.Pairs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	seen := make(map[sfm.PairKey]bool, len(results))
	out := make([]*sfm.TwoViewGeometry, 0, len(results))
	for _, g := range results {
		if g == nil {
			continue
		}
		if seen[g.Key()] {
			log.Printf("two-view: dropping duplicate pair %v", g.Key())
			continue
		}
		seen[g.Key()] = true
		out = append(out, g)
	}
	return out
}

// solveComponent runs averaging, track formation, triangulation and bundle
// adjustment for one connected component.
func (p *Pipeline) solveComponent(ds *sfm.Dataset, comp viewgraph.Component, report *Report) (sfm.Reconstruction, error) {
	rot := rotavg.Solve(comp.Images, comp.Edges)
	if !rot.Solved {
		return sfm.Reconstruction{}, fmt.Errorf("rotation averaging failed")
	}
	tr := transavg.Solve(comp.Images, comp.Edges, rot.Rotations)
	if !tr.Solved {
		return sfm.Reconstruction{}, fmt.Errorf("translation averaging failed")
	}

	cameras := make(map[sfm.ImageID]sfm.Camera, len(comp.Images))
	for _, id := range comp.Images {
		r := rot.Rotations[id]
		cameras[id] = sfm.Camera{
			ID:     id,
			Intr:   ds.Image(id).Intr,
			Pose:   sfm.Pose{R: r, T: r.Apply(tr.Positions[id]).Scale(-1)},
			Solved: true,
		}
	}

	built := tracks.BuildTracks(ds, comp.Edges, p.cfg.GetMinTrackLen())
	report.TracksBuilt += len(built.Tracks)
	tri := tracks.NewTriangulator(cameras, p.cfg)
	tracks3d, triStats := tri.Run(built.Tracks)
	report.TracksTriangulated += len(tracks3d)
	if len(tracks3d) == 0 {
		return sfm.Reconstruction{}, fmt.Errorf("no track triangulated (%d cheirality, %d threshold failures)",
			triStats.CheiralityFailures, triStats.ThresholdFailures)
	}

	adj := bundle.New(bundle.OptionsFromConfig(p.cfg))
	ba, err := adj.Run(cameras, tracks3d)
	if err != nil {
		return sfm.Reconstruction{}, fmt.Errorf("bundle adjustment: %w", err)
	}

	var meanLen float64
	for i := range ba.Tracks {
		meanLen += float64(len(ba.Tracks[i].Obs))
	}
	if len(ba.Tracks) > 0 {
		meanLen /= float64(len(ba.Tracks))
	}
	return sfm.Reconstruction{
		Component: comp.Index,
		Cameras:   ba.Cameras,
		Tracks:    ba.Tracks,
		Diag: sfm.ReconDiagnostics{
			RotationMeanErrDeg:  rot.MeanResidualDeg,
			RotationMaxErrDeg:   rot.MaxResidualDeg,
			TranslationOutliers: len(tr.Outliers),
			InitialRMSE:         ba.InitialRMSE,
			FinalRMSE:           ba.FinalRMSE,
			BAIterations:        ba.Iterations,
			BAConverged:         ba.Converged,
			ObservationsPruned:  ba.ObservationsPruned,
			TracksPruned:        ba.TracksPruned,
			CheiralityFailures:  triStats.CheiralityFailures + ba.CheiralityPruned,
			MeanTrackLength:     meanLen,
		},
	}, nil
}
