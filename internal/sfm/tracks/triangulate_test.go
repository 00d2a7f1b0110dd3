package tracks

import (
	"testing"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func sceneTracks(scene *testutil.Scene) []Track2D {
	res := BuildTracks(scene.Dataset, scene.AllRelativeGeometries(), 2)
	return res.Tracks
}

func TestTriangulateRecoversPoints(t *testing.T) {
	scene := testutil.RingScene(4, 25)
	tri := NewTriangulator(scene.Cameras, config.EmptyPipelineConfig())

	out, stats := tri.Run(sceneTracks(scene))
	if len(out) != 25 {
		t.Fatalf("triangulated %d/25 tracks (stats %+v)", len(out), stats)
	}
	for i, tr := range out {
		if tr.Point.Sub(scene.Points[i]).Norm() > 1e-6 {
			t.Errorf("point %d = %v, want %v", i, tr.Point, scene.Points[i])
		}
		if tr.MeanError > 1e-6 {
			t.Errorf("point %d mean reprojection error %v", i, tr.MeanError)
		}
		if len(tr.Obs) != 4 {
			t.Errorf("point %d kept %d observations", i, len(tr.Obs))
		}
	}
	if stats.Accepted != 25 || stats.In != 25 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTriangulateIgnoresUnsolvedCameras(t *testing.T) {
	scene := testutil.RingScene(4, 10)
	cams := make(map[sfm.ImageID]sfm.Camera, len(scene.Cameras))
	for id, c := range scene.Cameras {
		if id == 3 {
			c.Solved = false
		}
		cams[id] = c
	}
	tri := NewTriangulator(cams, config.EmptyPipelineConfig())
	out, _ := tri.Run(sceneTracks(scene))
	if len(out) != 10 {
		t.Fatalf("triangulated %d/10", len(out))
	}
	for _, tr := range out {
		for _, o := range tr.Obs {
			if o.Image == 3 {
				t.Fatal("observation in unsolved camera kept")
			}
		}
	}
}

func TestTriangulateTooFewSolvedViews(t *testing.T) {
	scene := testutil.RingScene(3, 8)
	cams := make(map[sfm.ImageID]sfm.Camera, len(scene.Cameras))
	for id, c := range scene.Cameras {
		c.Solved = id == 0
		cams[id] = c
	}
	tri := NewTriangulator(cams, config.EmptyPipelineConfig())
	out, stats := tri.Run(sceneTracks(scene))
	if len(out) != 0 || stats.TooFewSolvedViews != 8 {
		t.Errorf("out=%d stats=%+v", len(out), stats)
	}
}

func TestTriangulateDirectRejectsContaminatedTrack(t *testing.T) {
	scene := testutil.RingScene(4, 12)
	in := sceneTracks(scene)
	// Push one observation of track 0 far off; the all-view DLT fit then
	// violates the threshold somewhere.
	in[0].Obs[2].X += 300
	in[0].Obs[2].Y -= 250

	tri := NewTriangulator(scene.Cameras, config.EmptyPipelineConfig())
	out, stats := tri.Run(in)
	if len(out) != 11 {
		t.Errorf("got %d tracks, want 11 (stats %+v)", len(out), stats)
	}
	if stats.ThresholdFailures+stats.CheiralityFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTriangulateRansacSalvagesContaminatedTrack(t *testing.T) {
	scene := testutil.RingScene(5, 12)
	in := sceneTracks(scene)
	in[0].Obs[2].X += 300
	in[0].Obs[2].Y -= 250

	mode := config.TriangulationRansac
	cfg := &config.PipelineConfig{TriangulationMode: &mode}
	tri := NewTriangulator(scene.Cameras, cfg)
	out, stats := tri.Run(in)
	if len(out) != 12 {
		t.Fatalf("got %d tracks, want 12 (stats %+v)", len(out), stats)
	}
	if len(out[0].Obs) != 4 {
		t.Errorf("contaminated track kept %d observations, want 4", len(out[0].Obs))
	}
	if out[0].Point.Sub(scene.Points[0]).Norm() > 1e-6 {
		t.Errorf("salvaged point %v, want %v", out[0].Point, scene.Points[0])
	}
}

func TestTriangulateRansacDeterministic(t *testing.T) {
	scene := testutil.RingScene(5, 10)
	mode := config.TriangulationRansac
	cfg := &config.PipelineConfig{TriangulationMode: &mode}
	tri := NewTriangulator(scene.Cameras, cfg)

	a, _ := tri.Run(sceneTracks(scene))
	b, _ := tri.Run(sceneTracks(scene))
	if len(a) != len(b) {
		t.Fatal("nondeterministic track count")
	}
	for i := range a {
		if a[i].Point != b[i].Point {
			t.Fatal("nondeterministic triangulation")
		}
	}
}
