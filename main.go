package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/pipeline"
	sqlitestore "github.com/parallax-data/sfm/internal/sfm/storage/sqlite"
	"github.com/parallax-data/sfm/internal/version"
)

var (
	datasetPath = flag.String("dataset", "", "Path to the dataset JSON file (required)")
	configPath  = flag.String("config", "", "Path to the tuning config JSON file (optional)")
	dbPath      = flag.String("db", "", "SQLite database to record the run into (optional)")
	workers     = flag.Int("workers", 0, "Two-view estimation workers (0 = one per CPU)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sfm %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *datasetPath == "" {
		log.Fatal("-dataset is required")
	}

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadPipelineConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *workers > 0 {
		cfg.NumWorkers = workers
	}

	ds, err := sfm.LoadDataset(*datasetPath)
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	log.Printf("loaded dataset: %d images, %d pairs", len(ds.Images), len(ds.Pairs))

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	started := time.Now()
	res, err := p.Run(ds)
	if err != nil {
		log.Fatalf("reconstruction failed: %v", err)
	}
	elapsed := time.Since(started)
	log.Printf("run %s: %d/%d components solved in %s",
		res.RunID, res.Report.ComponentsSolved, res.Report.Components, elapsed.Round(time.Millisecond))

	if *dbPath != "" {
		if err := recordRun(*dbPath, *datasetPath, cfg, res, started, elapsed); err != nil {
			log.Fatalf("failed to record run: %v", err)
		}
		log.Printf("run %s recorded to %s", res.RunID, *dbPath)
	}
}

func recordRun(dbPath, dataset string, cfg *config.PipelineConfig, res *pipeline.Result, started time.Time, elapsed time.Duration) error {
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := store.InsertRun(&sqlitestore.RunRecord{
		RunID:       res.RunID,
		Dataset:     dataset,
		ConfigJSON:  cfgJSON,
		StartedAtNs: started.UnixNano(),
		NumImages:   res.Report.NumImages,
	}); err != nil {
		return err
	}

	var counts []sqlitestore.StageCount
	for _, c := range res.Report.StageCounts() {
		counts = append(counts, sqlitestore.StageCount{Stage: c.Stage, In: c.In, Out: c.Out})
	}
	if err := store.InsertStageCounts(res.RunID, counts); err != nil {
		return err
	}
	for i := range res.Reconstructions {
		if err := store.InsertReconstruction(res.RunID, &res.Reconstructions[i]); err != nil {
			return err
		}
	}
	finished := started.Add(elapsed)
	return store.FinishRun(res.RunID, finished.UnixNano(), res.Report.NumImages, res.Report.ComponentsSolved)
}
