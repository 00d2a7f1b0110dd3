package bundle

import (
	"math"
	"testing"

	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func testOptions() Options {
	return Options{
		MaxIterations:  100,
		RobustLoss:     true,
		OutputThreshPx: 2.0,
		MinTrackLen:    2,
		Reoptimize:     true,
	}
}

// groundTracks projects every scene point into every camera at ground
// truth, one track per point.
func groundTracks(scene *testutil.Scene) []sfm.Track {
	ids := scene.ImageIDs()
	out := make([]sfm.Track, len(scene.Points))
	for j, p := range scene.Points {
		tr := sfm.Track{Point: p}
		for _, id := range ids {
			x, y, _ := scene.Cameras[id].Project(p)
			tr.Obs = append(tr.Obs, sfm.TrackObservation{Image: id, Keypoint: j, X: x, Y: y})
		}
		out[j] = tr
	}
	return out
}

func TestRunRecoversFromPerturbedPoses(t *testing.T) {
	scene := testutil.RingScene(4, 40)
	in := groundTracks(scene)

	cams := make(map[sfm.ImageID]sfm.Camera, len(scene.Cameras))
	for id, c := range scene.Cameras {
		c.Pose = testutil.PerturbPose(c.Pose, 2.0, 0.2, int64(id)+1)
		cams[id] = c
	}

	res, err := New(testOptions()).Run(cams, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.InitialRMSE < 1.0 {
		t.Fatalf("perturbation too small to exercise the optimizer: initial rmse %.4f", res.InitialRMSE)
	}
	if res.FinalRMSE > 0.01 {
		t.Errorf("final rmse %.4fpx (initial %.2fpx)", res.FinalRMSE, res.InitialRMSE)
	}
	if !res.Converged {
		t.Error("optimizer did not converge")
	}
	if len(res.Tracks) != 40 {
		t.Errorf("kept %d/40 tracks", len(res.Tracks))
	}
	for _, tr := range res.Tracks {
		if len(tr.ReprojErrors) != len(tr.Obs) {
			t.Fatal("ReprojErrors not aligned with Obs")
		}
	}
}

func TestRunNearGroundTruthIsStable(t *testing.T) {
	scene := testutil.RingScene(4, 30)
	res, err := New(testOptions()).Run(scene.Cameras, groundTracks(scene))
	if err != nil {
		t.Fatal(err)
	}
	if res.InitialRMSE > 1e-8 {
		t.Errorf("initial rmse %.3e on exact input", res.InitialRMSE)
	}
	if res.FinalRMSE > res.InitialRMSE+1e-8 {
		t.Errorf("rmse increased: %.3e -> %.3e", res.InitialRMSE, res.FinalRMSE)
	}
	if res.ObservationsPruned != 0 || res.TracksPruned != 0 || res.CheiralityPruned != 0 {
		t.Errorf("pruned on exact input: %+v", res)
	}
}

func TestRunPrunesBadObservation(t *testing.T) {
	scene := testutil.RingScene(4, 20)
	in := groundTracks(scene)
	in[5].Obs[1].X += 120
	in[5].Obs[1].Y -= 90

	res, err := New(testOptions()).Run(scene.Cameras, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.ObservationsPruned < 1 {
		t.Fatal("contaminated observation not pruned")
	}
	if len(res.Tracks) != 20 {
		t.Errorf("kept %d/20 tracks, contaminated one should survive with 3 views", len(res.Tracks))
	}
	if res.FinalRMSE > 0.01 {
		t.Errorf("final rmse %.4fpx after pruning", res.FinalRMSE)
	}
}

func TestRunSharedCalibRecoversFocal(t *testing.T) {
	scene := testutil.RingScene(5, 40)
	in := groundTracks(scene)

	cams := make(map[sfm.ImageID]sfm.Camera, len(scene.Cameras))
	for id, c := range scene.Cameras {
		c.Intr.Fx = 780
		c.Intr.Fy = 780
		cams[id] = c
	}

	opts := testOptions()
	opts.OptimizeCalib = true
	opts.SharedCalib = true
	res, err := New(opts).Run(cams, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalRMSE > 0.01 {
		t.Errorf("final rmse %.4fpx with free focal", res.FinalRMSE)
	}
	for id, cam := range res.Cameras {
		if math.Abs(cam.Intr.Fx-800) > 2 {
			t.Errorf("camera %d focal %.2f, want 800", id, cam.Intr.Fx)
		}
		if cam.Intr.Fx != cam.Intr.Fy {
			t.Errorf("camera %d Fx %.2f != Fy %.2f under shared calibration", id, cam.Intr.Fx, cam.Intr.Fy)
		}
	}
}

func TestRunRejectsDegenerateInput(t *testing.T) {
	scene := testutil.RingScene(3, 10)
	if _, err := New(testOptions()).Run(scene.Cameras, nil); err == nil {
		t.Error("zero tracks accepted")
	}

	one := map[sfm.ImageID]sfm.Camera{0: scene.Cameras[0]}
	if _, err := New(testOptions()).Run(one, groundTracks(scene)); err == nil {
		t.Error("single camera accepted")
	}
}

func TestRunMinTrackLenPrunesShortTracks(t *testing.T) {
	scene := testutil.RingScene(4, 15)
	in := groundTracks(scene)
	// Track 2 only keeps two observations; a 3-view floor must drop it.
	in[2].Obs = in[2].Obs[:2]

	opts := testOptions()
	opts.MinTrackLen = 3
	res, err := New(opts).Run(scene.Cameras, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tracks) != 14 {
		t.Errorf("kept %d/15 tracks", len(res.Tracks))
	}
	if res.TracksPruned != 1 {
		t.Errorf("TracksPruned = %d, want 1", res.TracksPruned)
	}
}
