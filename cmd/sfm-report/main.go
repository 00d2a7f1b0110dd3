// Command sfm-report inspects a reconstruction database: it lists recorded
// runs or prints one run's stage funnel, cameras and point count.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	sqlitestore "github.com/parallax-data/sfm/internal/sfm/storage/sqlite"
	"github.com/parallax-data/sfm/internal/version"
)

var (
	dbPath      = flag.String("db", "", "SQLite database written by a reconstruction run (required)")
	runID       = flag.String("run", "", "Run ID to report on (default: list all runs)")
	showCameras = flag.Bool("cameras", false, "Print per-camera poses for the selected run")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sfm-report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *dbPath == "" {
		log.Fatal("-db is required")
	}

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	if *runID == "" {
		if err := listRuns(store); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := reportRun(store, *runID, *showCameras); err != nil {
		log.Fatal(err)
	}
}

func listRuns(store *sqlitestore.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	w := os.Stdout
	fmt.Fprintf(w, "%-36s  %-19s  %-9s  %-6s  %s\n", "RUN", "STARTED", "DURATION", "IMAGES", "DATASET")
	for _, r := range runs {
		started := time.Unix(0, r.StartedAtNs)
		duration := "-"
		if r.FinishedAtNs != nil {
			duration = time.Duration(*r.FinishedAtNs - r.StartedAtNs).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%-36s  %-19s  %-9s  %-6d  %s\n",
			r.RunID, started.Format("2006-01-02 15:04:05"), duration, r.NumImages, r.Dataset)
	}
	return nil
}

func reportRun(store *sqlitestore.Store, runID string, withCameras bool) error {
	rec, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s\n", rec.RunID)
	fmt.Printf("  dataset: %s\n", rec.Dataset)
	fmt.Printf("  started: %s\n", time.Unix(0, rec.StartedAtNs).Format(time.RFC3339))
	if rec.FinishedAtNs != nil {
		fmt.Printf("  duration: %s\n", time.Duration(*rec.FinishedAtNs-rec.StartedAtNs).Round(time.Millisecond))
	}
	fmt.Printf("  images: %d, components solved: %d\n", rec.NumImages, rec.ComponentsSolved)

	counts, err := store.StageCounts(runID)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Println("  stages:")
		for _, c := range counts {
			fmt.Printf("    %-18s %6d -> %d\n", c.Stage, c.In, c.Out)
		}
	}

	points, err := store.CountPoints(runID)
	if err != nil {
		return err
	}
	fmt.Printf("  points: %d\n", points)

	if !withCameras {
		return nil
	}
	cams, err := store.Cameras(runID)
	if err != nil {
		return err
	}
	fmt.Println("  cameras:")
	for _, sc := range cams {
		c := sc.Camera.Pose.Center()
		fmt.Printf("    component %d image %d: f=(%.1f, %.1f) center=(%.3f, %.3f, %.3f)\n",
			sc.Component, sc.Camera.ID, sc.Camera.Intr.Fx, sc.Camera.Intr.Fy, c[0], c[1], c[2])
	}
	return nil
}
