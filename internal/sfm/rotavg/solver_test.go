package rotavg

import (
	"math"
	"testing"

	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

// aligned removes the global rotation gauge: relative constraints fix the
// solution only up to a right-multiplied constant, pinned here through the
// anchor image.
func aligned(res Result, truth map[sfm.ImageID]sfm.Camera, id sfm.ImageID) sfm.Rot3 {
	return res.Rotations[id].Mul(res.Rotations[res.Anchor].T()).Mul(truth[res.Anchor].Pose.R)
}

func TestSolveRecoversRotations(t *testing.T) {
	scene := testutil.RingScene(6, 50)
	res := Solve(scene.ImageIDs(), scene.AllRelativeGeometries())
	if !res.Solved {
		t.Fatal("exact component unsolved")
	}
	if res.Anchor != 0 {
		t.Errorf("anchor = %d, want smallest id 0", res.Anchor)
	}

	for id, cam := range scene.Cameras {
		got := aligned(res, scene.Cameras, id)
		if errDeg := sfm.AngleBetween(got, cam.Pose.R) * 180 / math.Pi; errDeg > 1e-4 {
			t.Errorf("image %d rotation error %.6f deg", id, errDeg)
		}
	}
	if res.MeanResidualDeg > 1e-6 {
		t.Errorf("mean residual %.8f deg on exact input", res.MeanResidualDeg)
	}
}

func TestSolveRobustToOneOutlierEdge(t *testing.T) {
	scene := testutil.RingScene(6, 50)
	edges := scene.AllRelativeGeometries()
	edges[3] = testutil.CorruptRotation(edges[3], 30)

	res := Solve(scene.ImageIDs(), edges)
	if !res.Solved {
		t.Fatal("unsolved")
	}
	for id, cam := range scene.Cameras {
		got := aligned(res, scene.Cameras, id)
		if errDeg := sfm.AngleBetween(got, cam.Pose.R) * 180 / math.Pi; errDeg > 2.0 {
			t.Errorf("image %d rotation error %.3f deg with one outlier edge", id, errDeg)
		}
	}
	if res.MaxResidualDeg < 10 {
		t.Errorf("max residual %.2f deg, expected the outlier edge to stand out", res.MaxResidualDeg)
	}
}

func TestSolveDegenerateInputs(t *testing.T) {
	scene := testutil.RingScene(3, 40)
	edges := scene.AllRelativeGeometries()

	if res := Solve([]sfm.ImageID{0}, nil); res.Solved {
		t.Error("single image solved")
	}
	if res := Solve(scene.ImageIDs(), nil); res.Solved {
		t.Error("no edges solved")
	}
	// Image 9 is unreachable from the edges.
	if res := Solve(append(scene.ImageIDs(), 9), edges); res.Solved {
		t.Error("disconnected image set solved")
	}
}

func TestSolveTwoImages(t *testing.T) {
	scene := testutil.RingScene(4, 40)
	e := scene.RelativeGeometry(1, 2)
	res := Solve([]sfm.ImageID{1, 2}, []*sfm.TwoViewGeometry{e})
	if !res.Solved {
		t.Fatal("two-image chain unsolved")
	}
	rel := res.Rotations[2].Mul(res.Rotations[1].T())
	if errDeg := sfm.AngleBetween(rel, e.R) * 180 / math.Pi; errDeg > 1e-6 {
		t.Errorf("relative rotation error %.8f deg", errDeg)
	}
}
