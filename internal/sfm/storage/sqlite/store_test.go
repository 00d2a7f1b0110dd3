package sqlite

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sfm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)

	started := time.Now().UnixNano()
	rec := &RunRecord{
		Dataset:     "scenes/ring.json",
		ConfigJSON:  json.RawMessage(`{"min_track_len":3}`),
		StartedAtNs: started,
		NumImages:   4,
	}
	if err := s.InsertRun(rec); err != nil {
		t.Fatal(err)
	}
	if rec.RunID == "" {
		t.Fatal("InsertRun left RunID empty")
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dataset != rec.Dataset || got.StartedAtNs != started || got.NumImages != 4 {
		t.Errorf("got %+v", got)
	}
	if string(got.ConfigJSON) != `{"min_track_len":3}` {
		t.Errorf("config json = %q", got.ConfigJSON)
	}
	if got.FinishedAtNs != nil {
		t.Error("unfinished run has finished_at_ns")
	}

	finished := started + int64(3*time.Second)
	if err := s.FinishRun(rec.RunID, finished, 4, 1); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRun(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FinishedAtNs == nil || *got.FinishedAtNs != finished {
		t.Errorf("finished_at_ns = %v, want %d", got.FinishedAtNs, finished)
	}
	if got.ComponentsSolved != 1 {
		t.Errorf("components_solved = %d", got.ComponentsSolved)
	}
}

func TestRunsOrderedByStart(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UnixNano()
	for i := 0; i < 3; i++ {
		rec := &RunRecord{StartedAtNs: base + int64(i)}
		if err := s.InsertRun(rec); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAtNs > runs[i-1].StartedAtNs {
			t.Fatal("runs not ordered most recent first")
		}
	}
}

func TestGetRunMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun("nope"); err == nil {
		t.Error("missing run returned without error")
	}
	if err := s.FinishRun("nope", 1, 0, 0); err == nil {
		t.Error("finishing a missing run succeeded")
	}
}

func TestStageCountsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := &RunRecord{}
	if err := s.InsertRun(rec); err != nil {
		t.Fatal(err)
	}

	in := []StageCount{
		{Stage: "two_view", In: 10, Out: 8},
		{Stage: "cycle_filter", In: 8, Out: 7},
		{Stage: "averaging", In: 1, Out: 1},
	}
	if err := s.InsertStageCounts(rec.RunID, in); err != nil {
		t.Fatal(err)
	}
	out, err := s.StageCounts(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d rows", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("row %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestReconstructionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := &RunRecord{}
	if err := s.InsertRun(rec); err != nil {
		t.Fatal(err)
	}

	scene := testutil.RingScene(3, 12)
	recon := &sfm.Reconstruction{Component: 0, Cameras: scene.Cameras}
	for i, p := range scene.Points {
		recon.Tracks = append(recon.Tracks, sfm.Track{
			Point: p,
			Obs: []sfm.TrackObservation{
				{Image: 0, Keypoint: i}, {Image: 1, Keypoint: i}, {Image: 2, Keypoint: i},
			},
			MeanError: 0.25,
		})
	}
	if err := s.InsertReconstruction(rec.RunID, recon); err != nil {
		t.Fatal(err)
	}

	cams, err := s.Cameras(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cams) != 3 {
		t.Fatalf("got %d cameras", len(cams))
	}
	for i, sc := range cams {
		want := scene.Cameras[sfm.ImageID(i)]
		if sc.Camera.ID != want.ID || sc.Component != 0 {
			t.Errorf("camera %d identity: %+v", i, sc)
		}
		if sc.Camera.Intr != want.Intr {
			t.Errorf("camera %d intrinsics %+v, want %+v", i, sc.Camera.Intr, want.Intr)
		}
		if errDeg := sfm.AngleBetween(sc.Camera.Pose.R, want.Pose.R) * 180 / math.Pi; errDeg > 1e-9 {
			t.Errorf("camera %d rotation drifted %.2e deg through storage", i, errDeg)
		}
		if sc.Camera.Pose.Center().Sub(want.Pose.Center()).Norm() > 1e-9 {
			t.Errorf("camera %d center drifted: %v vs %v",
				i, sc.Camera.Pose.Center(), want.Pose.Center())
		}
		if !sc.Camera.Solved {
			t.Errorf("camera %d not marked solved", i)
		}
	}

	n, err := s.CountPoints(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 {
		t.Errorf("stored %d points, want 12", n)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfm.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := &RunRecord{}
	if err := s1.InsertRun(rec); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	// Reopening applies the schema again and keeps the existing rows.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if _, err := s2.GetRun(rec.RunID); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}
