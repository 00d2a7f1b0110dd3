package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm/pipeline"
	sqlitestore "github.com/parallax-data/sfm/internal/sfm/storage/sqlite"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func TestRecordRunPersistsResult(t *testing.T) {
	scene := testutil.RingScene(4, 40)
	cfg := config.EmptyPipelineConfig()
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(scene.Dataset)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "runs.db")
	started := time.Now()
	if err := recordRun(dbPath, "ring.json", cfg, res, started, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec, err := store.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Dataset != "ring.json" || rec.NumImages != 4 {
		t.Errorf("run record %+v", rec)
	}
	if rec.FinishedAtNs == nil {
		t.Fatal("run not finished")
	}
	if got := *rec.FinishedAtNs - rec.StartedAtNs; got != int64(2*time.Second) {
		t.Errorf("recorded duration %dns", got)
	}
	if len(rec.ConfigJSON) == 0 {
		t.Error("config not recorded")
	}

	counts, err := store.StageCounts(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 5 {
		t.Errorf("recorded %d stage rows", len(counts))
	}

	cams, err := store.Cameras(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cams) != 4 {
		t.Errorf("recorded %d cameras", len(cams))
	}
	points, err := store.CountPoints(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if points != res.Report.TotalPoints {
		t.Errorf("recorded %d points, report says %d", points, res.Report.TotalPoints)
	}
}
